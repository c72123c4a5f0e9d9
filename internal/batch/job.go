package batch

import (
	"context"
	"sync"
	"time"

	"claimbot/internal/domain"
)

// job is the live, mutable side of a batch. Only Manager touches it, and
// it is dropped in favour of a frozen snapshot once terminal.
type job struct {
	id        string
	source    string
	claims    []domain.ClaimRecord
	createdAt time.Time

	// ctx is the job's cancellation token.
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu              sync.Mutex
	state           domain.JobState
	tally           domain.Tally
	byStatus        map[domain.Status]int
	processingTotal time.Duration
	reason          string
	seq             int
	finishedAt      time.Time
}

func (j *job) tallyLocked() domain.Tally {
	return j.tally
}

func (j *job) snapshotLocked() domain.JobSnapshot {
	byStatus := make(map[domain.Status]int, len(j.byStatus))
	for k, v := range j.byStatus {
		byStatus[k] = v
	}
	snap := domain.JobSnapshot{
		JobID:     j.id,
		State:     j.state,
		Tally:     j.tallyLocked(),
		ByStatus:  byStatus,
		Reason:    j.reason,
		Source:    j.source,
		CreatedAt: j.createdAt,
	}
	if j.tally.Processed > 0 {
		snap.AvgProcessingMillis = (j.processingTotal / time.Duration(j.tally.Processed)).Milliseconds()
	}
	if !j.finishedAt.IsZero() {
		finished := j.finishedAt
		snap.FinishedAt = &finished
	}
	return snap
}
