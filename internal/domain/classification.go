package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type Label string

const (
	LabelYes Label = "yes"
	LabelNo  Label = "no"
)

// NormalizeLabel accepts the label spellings models tend to produce.
func NormalizeLabel(raw string) (Label, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "y", "sim", "s", "true", "approved", "aprovado", "procedente":
		return LabelYes, true
	case "no", "n", "não", "nao", "false", "rejected", "rejeitado", "improcedente":
		return LabelNo, true
	default:
		return "", false
	}
}

// Verdict is the raw remote judgment.
type Verdict struct {
	Label      Label         `json:"verdict"`
	Confidence float64       `json:"confidence"`
	Rationale  string        `json:"rationale"`
	Duration   time.Duration `json:"-"`
	Model      string        `json:"model,omitempty"`
}

func (v Verdict) Validate() error {
	if v.Label != LabelYes && v.Label != LabelNo {
		return fmt.Errorf("verdict label %q is not yes/no", v.Label)
	}
	if math.IsNaN(v.Confidence) || v.Confidence < 0 || v.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", v.Confidence)
	}
	return nil
}

type Status string

const (
	StatusApproved       Status = "APPROVED"
	StatusReviewRequired Status = "REVIEW_REQUIRED"
	StatusRejected       Status = "REJECTED"
	StatusError          Status = "ERROR"
)

var DefaultThresholds = Thresholds{Approve: 0.70, Review: 0.50}

// Thresholds are inclusive lower bounds: a confidence equal to Approve is
// approved, equal to Review needs review.
type Thresholds struct {
	Approve float64 `json:"approve"`
	Review  float64 `json:"review"`
}

func (t Thresholds) Validate() error {
	if math.IsNaN(t.Review) || math.IsNaN(t.Approve) || t.Review < 0 || t.Approve > 1 || t.Review > t.Approve {
		return fmt.Errorf("thresholds must satisfy 0 <= review (%.2f) <= approve (%.2f) <= 1", t.Review, t.Approve)
	}
	return nil
}

// Decide is the decision policy for a successful verdict. A failed
// classification is StatusError and never reaches here.
func (t Thresholds) Decide(label Label, confidence float64) Status {
	if label != LabelYes || confidence < t.Review {
		return StatusRejected
	}
	if confidence >= t.Approve {
		return StatusApproved
	}
	return StatusReviewRequired
}

type Result struct {
	AnalysisID     string        `json:"analysis_id"`
	ClaimID        string        `json:"id_termo"`
	Status         Status        `json:"status"`
	Verdict        Label         `json:"verdict,omitempty"`
	Confidence     float64       `json:"confidence"`
	Rationale      string        `json:"rationale"`
	ErrorKind      string        `json:"error_kind,omitempty"`
	Attempts       int           `json:"attempts"`
	Model          string        `json:"model,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
	ProcessingTime time.Duration `json:"-"`
	RemoteTime     time.Duration `json:"-"`
	// ProcessingMillis mirrors ProcessingTime for JSON consumers.
	ProcessingMillis int64 `json:"processing_ms"`
}

func (r Result) Failed() bool { return r.Status == StatusError }
