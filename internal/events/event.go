package events

import (
	"time"

	"claimbot/internal/domain"
)

type Type string

const (
	TypeStarted   Type = "started"
	TypeProgress  Type = "progress"
	TypeCompleted Type = "completed"
	TypeCancelled Type = "cancelled"
)

func (t Type) Terminal() bool {
	return t == TypeCompleted || t == TypeCancelled
}

// Event is one batch lifecycle notification. Fields that do not apply to
// the event type are left zero. ProcessedAtCancellation is only set on
// cancelled events.
type Event struct {
	Type                    Type           `json:"type"`
	JobID                   string         `json:"job_id"`
	Seq                     int            `json:"seq"`
	At                      time.Time      `json:"at"`
	Total                   int            `json:"total"`
	Processed               int            `json:"processed"`
	Percentage              int            `json:"percentage,omitempty"`
	ItemID                  string         `json:"item_id,omitempty"`
	Status                  domain.Status  `json:"status,omitempty"`
	Succeeded               int            `json:"succeeded"`
	Failed                  int            `json:"failed"`
	ProcessedAtCancellation *int           `json:"processed_at_cancellation,omitempty"`
	Reason                  string         `json:"reason,omitempty"`
	Result                  *domain.Result `json:"result,omitempty"`
}
