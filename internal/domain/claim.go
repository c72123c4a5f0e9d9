package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FieldSeparator splits the delimited claim encoding ID#SUBJECT#PRACTICE#JUSTIFICATION.
const FieldSeparator = "#"

// FileHeader is the optional first line of a claim file.
const FileHeader = "IDTERMO#CPF#PRATICA VEDADA#JUSTIFICATIVA"

var ErrParse = errors.New("parse error")

type ParseError struct {
	Reason string
	Fields map[string]string
}

func (e *ParseError) Error() string {
	if len(e.Fields) == 0 {
		return "parse error: " + e.Reason
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+" "+e.Fields[name])
	}
	return fmt.Sprintf("parse error: %s (%s)", e.Reason, strings.Join(parts, ", "))
}

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// ClaimRecord is immutable once returned by the parser; callers must not
// modify the Practices slice.
type ClaimRecord struct {
	ID            string   `json:"id_termo" validate:"required"`
	Subject       string   `json:"cpf" validate:"required"`
	Practices     []string `json:"pratica_vedada" validate:"min=1,dive,required"`
	Justification string   `json:"justificativa" validate:"required"`
}

// ClaimInput is the raw wire shape: either Line is set, or the structured fields.
type ClaimInput struct {
	Line          string `json:"input,omitempty"`
	ID            string `json:"id_termo,omitempty"`
	Subject       string `json:"cpf,omitempty"`
	Practice      string `json:"pratica_vedada,omitempty"`
	Justification string `json:"justificativa,omitempty"`
}

// UnmarshalJSON also accepts a bare JSON string holding the delimited encoding.
func (in *ClaimInput) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var line string
		if err := json.Unmarshal(data, &line); err != nil {
			return err
		}
		*in = ClaimInput{Line: line}
		return nil
	}
	type plain ClaimInput
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*in = ClaimInput(p)
	return nil
}

func (in ClaimInput) structured() bool {
	return in.ID != "" || in.Subject != "" || in.Practice != "" || in.Justification != ""
}

var claimValidator = validator.New(validator.WithRequiredStructEnabled())

var fieldNames = map[string]string{
	"ID":            "id_termo",
	"Subject":       "cpf",
	"Practices":     "pratica_vedada",
	"Justification": "justificativa",
}

// ParseClaim normalises either encoding into a ClaimRecord.
func ParseClaim(in ClaimInput) (ClaimRecord, error) {
	switch {
	case strings.TrimSpace(in.Line) != "":
		if in.structured() {
			return ClaimRecord{}, &ParseError{Reason: "input carries both a delimited line and structured fields"}
		}
		return ParseLine(in.Line)
	case in.structured():
		return NewClaimRecord(in.ID, in.Subject, SplitPractices(in.Practice), in.Justification)
	default:
		return ClaimRecord{}, &ParseError{Reason: "empty input"}
	}
}

// ParseClaimJSON decodes a JSON object or JSON string and parses it.
func ParseClaimJSON(data []byte) (ClaimRecord, error) {
	var in ClaimInput
	if err := json.Unmarshal(data, &in); err != nil {
		return ClaimRecord{}, &ParseError{Reason: "input is neither a claim object nor a claim string: " + err.Error()}
	}
	return ParseClaim(in)
}

// ParseLine splits on the first three separators only, so the
// justification may itself contain '#'.
func ParseLine(line string) (ClaimRecord, error) {
	parts := strings.SplitN(strings.TrimSpace(line), FieldSeparator, 4)
	if len(parts) < 4 {
		return ClaimRecord{}, &ParseError{Reason: fmt.Sprintf("expected 4 fields separated by %q, got %d", FieldSeparator, len(parts))}
	}
	return NewClaimRecord(parts[0], parts[1], SplitPractices(parts[2]), parts[3])
}

// SplitPractices turns "10, 11" into ["10" "11"].
func SplitPractices(raw string) []string {
	var codes []string
	for _, code := range strings.Split(raw, ",") {
		code = strings.TrimSpace(code)
		if code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}

func NewClaimRecord(id, subject string, practices []string, justification string) (ClaimRecord, error) {
	codes := make([]string, 0, len(practices))
	for _, p := range practices {
		if p = strings.TrimSpace(p); p != "" {
			codes = append(codes, p)
		}
	}
	claim := ClaimRecord{
		ID:            strings.TrimSpace(id),
		Subject:       strings.TrimSpace(subject),
		Practices:     codes,
		Justification: strings.TrimSpace(justification),
	}
	if err := claimValidator.Struct(claim); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				name := fieldNames[fe.StructField()]
				if name == "" {
					name = fe.Field()
				}
				fields[name] = fe.Tag()
			}
			return ClaimRecord{}, &ParseError{Reason: "invalid claim", Fields: fields}
		}
		return ClaimRecord{}, &ParseError{Reason: err.Error()}
	}
	return claim, nil
}

// Line renders the claim back into the delimited encoding.
func (c ClaimRecord) Line() string {
	return strings.Join([]string{c.ID, c.Subject, strings.Join(c.Practices, ","), c.Justification}, FieldSeparator)
}
