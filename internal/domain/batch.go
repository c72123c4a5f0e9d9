package domain

import "time"

type JobState string

const (
	JobPending   JobState = "PENDING"
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobCancelled JobState = "CANCELLED"
)

func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobCancelled
}

type Tally struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Percentage is processed/total*100 rounded to the nearest integer.
func (t Tally) Percentage() int {
	if t.Total == 0 {
		return 100
	}
	return (t.Processed*200 + t.Total) / (t.Total * 2)
}

type JobSnapshot struct {
	JobID      string         `json:"job_id"`
	State      JobState       `json:"state"`
	Tally      Tally          `json:"tally"`
	ByStatus   map[Status]int `json:"by_status"`
	Reason     string         `json:"reason,omitempty"`
	Source     string         `json:"source,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	// AvgProcessingMillis covers items that reached the remote classifier.
	AvgProcessingMillis int64 `json:"avg_processing_ms"`
}
