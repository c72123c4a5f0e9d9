package llm

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"claimbot/internal/domain"
)

type verdictPayload struct {
	Verdict          *string         `json:"verdict"`
	DiagnosticoLLM   *string         `json:"diagnosticoLLM"`
	Confidence       json.RawMessage `json:"confidence"`
	Rationale        string          `json:"rationale"`
	JustificativaLLM string          `json:"justificativaLLM"`
}

// parseVerdictResponse extracts a verdict from model output. Missing fields
// and out-of-range confidence are invalid_verdict failures.
func parseVerdictResponse(responseText string) (domain.Verdict, error) {
	body := extractJSONObject(responseText)
	if body == "" {
		return domain.Verdict{}, invalidVerdict("no JSON object in response (response: %s)", truncate(responseText, 200))
	}

	var p verdictPayload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return domain.Verdict{}, invalidVerdict("parsing verdict: %v (response: %s)", err, truncate(body, 200))
	}

	rawLabel := p.Verdict
	if rawLabel == nil {
		rawLabel = p.DiagnosticoLLM
	}
	if rawLabel == nil {
		return domain.Verdict{}, invalidVerdict("missing verdict field")
	}
	label, ok := domain.NormalizeLabel(*rawLabel)
	if !ok {
		return domain.Verdict{}, invalidVerdict("unrecognised verdict %q", *rawLabel)
	}

	confidence, ok := parseConfidence(p.Confidence)
	if !ok {
		return domain.Verdict{}, invalidVerdict("missing or non-numeric confidence")
	}

	rationale := strings.TrimSpace(p.Rationale)
	if rationale == "" {
		rationale = strings.TrimSpace(p.JustificativaLLM)
	}
	v := domain.Verdict{Label: label, Confidence: confidence, Rationale: rationale}
	if err := v.Validate(); err != nil {
		return domain.Verdict{}, invalidVerdict("%v", err)
	}
	return v, nil
}

func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "{") && json.Valid([]byte(text)) {
		return text
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func parseConfidence(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
