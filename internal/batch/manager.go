package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"claimbot/internal/domain"
	"claimbot/internal/events"
	"claimbot/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultConcurrency    = 5
	DefaultHistorySize    = 100
	DefaultAcquireTimeout = 10 * time.Minute
)

var (
	ErrJobNotFound   = errors.New("batch job not found")
	ErrCancelled     = errors.New("batch job cancelled")
	ErrPoolExhausted = errors.New("worker pool exhausted")
	ErrShuttingDown  = errors.New("batch manager shutting down")
	ErrDuplicateJob  = errors.New("batch job id already in use")
)

type CancelOutcome string

const (
	CancelAccepted        CancelOutcome = "accepted"
	CancelAlreadyTerminal CancelOutcome = "already_terminal"
)

// ClaimClassifier classifies one claim and always yields a result.
type ClaimClassifier interface {
	ClassifyClaim(ctx context.Context, claim domain.ClaimRecord) domain.Result
}

// Publisher is the event sink progress is pushed through.
type Publisher interface {
	Publish(ev events.Event)
}

type Config struct {
	// Concurrency is the process-wide number of in-flight classifications,
	// shared by every job.
	Concurrency    int
	AcquireTimeout time.Duration
	HistorySize    int
}

type Manager struct {
	classifier     ClaimClassifier
	publisher      Publisher
	pool           *semaphore.Weighted
	concurrency    int
	acquireTimeout time.Duration
	historySize    int
	now            func() time.Time
	logger         *zap.Logger

	baseCtx context.Context
	stop    context.CancelCauseFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*job
	history map[string]domain.JobSnapshot
	order   []string
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(classifier ClaimClassifier, publisher Publisher, cfg Config, opts ...Option) *Manager {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.HistorySize < 1 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	ctx, stop := context.WithCancelCause(context.Background())
	m := &Manager{
		classifier:     classifier,
		publisher:      publisher,
		pool:           semaphore.NewWeighted(int64(cfg.Concurrency)),
		concurrency:    cfg.Concurrency,
		acquireTimeout: cfg.AcquireTimeout,
		historySize:    cfg.HistorySize,
		now:            time.Now,
		logger:         zap.NewNop(),
		baseCtx:        ctx,
		stop:           stop,
		jobs:           make(map[string]*job),
		history:        make(map[string]domain.JobSnapshot),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Concurrency() int { return m.concurrency }

type StartOption func(*job)

// WithSource labels the job with where its claims came from.
func WithSource(source string) StartOption {
	return func(j *job) { j.source = source }
}

// WithJobID lets the caller choose the id, so it can subscribe to the
// job's events before the started event is published.
func WithJobID(id string) StartOption {
	return func(j *job) {
		if id != "" {
			j.id = id
		}
	}
}

// StartBatch registers a job, emits its started event and dispatches the
// claims to the shared pool. It returns once the job is RUNNING.
func (m *Manager) StartBatch(claims []domain.ClaimRecord, opts ...StartOption) (string, error) {
	if m.baseCtx.Err() != nil {
		return "", ErrShuttingDown
	}
	j := &job{
		id:        uuid.New().String(),
		claims:    append([]domain.ClaimRecord(nil), claims...),
		createdAt: m.now(),
		state:     domain.JobPending,
		tally:     domain.Tally{Total: len(claims)},
		byStatus:  make(map[domain.Status]int),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.ctx, j.cancel = context.WithCancelCause(m.baseCtx)

	m.mu.Lock()
	_, live := m.jobs[j.id]
	_, archived := m.history[j.id]
	if live || archived {
		m.mu.Unlock()
		j.cancel(nil)
		return "", ErrDuplicateJob
	}
	m.jobs[j.id] = j
	m.mu.Unlock()

	j.mu.Lock()
	j.state = domain.JobRunning
	m.emitLocked(j, events.Event{Type: events.TypeStarted, Total: j.tally.Total})
	j.mu.Unlock()

	metrics.BatchJobsRunning.Inc()
	m.logger.Info("batch started", zap.String("job_id", j.id), zap.Int("total", j.tally.Total), zap.String("source", j.source))

	m.wg.Add(1)
	go m.run(j)
	return j.id, nil
}

func (m *Manager) run(j *job) {
	defer m.wg.Done()

	workers := m.concurrency
	if len(j.claims) < workers {
		workers = len(j.claims)
	}
	var next atomic.Int64
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error { return m.work(j, &next) })
	}
	if err := g.Wait(); err != nil {
		m.logger.Error("batch worker stopped", zap.String("job_id", j.id), zap.Error(err))
	}
	m.finish(j)
}

// work pulls claims until none are left or the job's token is cancelled.
// A claim that has been taken always runs to completion.
func (m *Manager) work(j *job, next *atomic.Int64) error {
	// Remote calls outlive the cancellation token on purpose.
	callCtx := context.WithoutCancel(j.ctx)
	for {
		if j.ctx.Err() != nil {
			return nil
		}
		held, err := m.acquire(j)
		if err != nil || !held {
			return err
		}
		if j.ctx.Err() != nil {
			m.pool.Release(1)
			return nil
		}
		idx := int(next.Add(1)) - 1
		if idx >= len(j.claims) {
			m.pool.Release(1)
			return nil
		}
		claim := j.claims[idx]
		res := m.classifier.ClassifyClaim(callCtx, claim)
		m.pool.Release(1)
		m.record(j, claim, res)
	}
}

// acquire takes one pool slot. held is false when no slot was taken,
// either because the job was cancelled while waiting or because the wait
// timed out; only a held slot may be released.
func (m *Manager) acquire(j *job) (held bool, err error) {
	ctx, cancel := context.WithTimeout(j.ctx, m.acquireTimeout)
	defer cancel()
	if err := m.pool.Acquire(ctx, 1); err != nil {
		if j.ctx.Err() != nil {
			return false, nil
		}
		j.cancel(ErrPoolExhausted)
		return false, ErrPoolExhausted
	}
	return true, nil
}

func (m *Manager) record(j *job, claim domain.ClaimRecord, res domain.Result) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.tally.Processed++
	if res.Failed() {
		j.tally.Failed++
	} else {
		j.tally.Succeeded++
	}
	j.byStatus[res.Status]++
	j.processingTotal += res.ProcessingTime

	tally := j.tallyLocked()
	m.emitLocked(j, events.Event{
		Type:       events.TypeProgress,
		Total:      tally.Total,
		Processed:  tally.Processed,
		Percentage: tally.Percentage(),
		ItemID:     claim.ID,
		Status:     res.Status,
		Succeeded:  tally.Succeeded,
		Failed:     tally.Failed,
		Result:     &res,
	})
}

func (m *Manager) finish(j *job) {
	cause := context.Cause(j.ctx)
	finishedAt := m.now()

	j.mu.Lock()
	tally := j.tallyLocked()
	ev := events.Event{
		Type:      events.TypeCompleted,
		Total:     tally.Total,
		Succeeded: tally.Succeeded,
		Failed:    tally.Failed,
	}
	j.state = domain.JobCompleted
	if cause != nil && tally.Processed < tally.Total {
		j.state = domain.JobCancelled
		j.reason = cancelReason(cause)
		processed := tally.Processed
		ev.Type = events.TypeCancelled
		ev.ProcessedAtCancellation = &processed
		ev.Reason = j.reason
	}
	j.finishedAt = finishedAt
	snap := j.snapshotLocked()
	j.seq++
	ev.JobID, ev.Seq, ev.At = j.id, j.seq, finishedAt
	j.claims = nil
	j.mu.Unlock()
	j.cancel(nil)

	// Archive before publishing so an observer reacting to the terminal
	// event already sees the terminal status.
	m.mu.Lock()
	delete(m.jobs, j.id)
	m.history[j.id] = snap
	m.order = append(m.order, j.id)
	for len(m.order) > m.historySize {
		delete(m.history, m.order[0])
		m.order = m.order[1:]
	}
	m.mu.Unlock()

	m.publisher.Publish(ev)

	metrics.BatchJobsRunning.Dec()
	metrics.BatchJobs.WithLabelValues(string(snap.State)).Inc()
	m.logger.Info("batch finished",
		zap.String("job_id", j.id),
		zap.String("state", string(snap.State)),
		zap.String("reason", snap.Reason),
		zap.Int("processed", snap.Tally.Processed),
		zap.Int("succeeded", snap.Tally.Succeeded),
		zap.Int("failed", snap.Tally.Failed),
		zap.Int("total", snap.Tally.Total),
	)
}

func (m *Manager) emitLocked(j *job, ev events.Event) {
	j.seq++
	ev.JobID = j.id
	ev.Seq = j.seq
	ev.At = m.now()
	m.publisher.Publish(ev)
}

func cancelReason(cause error) string {
	switch {
	case errors.Is(cause, ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(cause, ErrShuttingDown):
		return "shutdown"
	default:
		return "cancelled"
	}
}

// Cancel asks a running job to stop picking up claims. The terminal
// cancelled event, not the return value, confirms that work has stopped.
func (m *Manager) Cancel(jobID string) (CancelOutcome, error) {
	m.mu.Lock()
	j, live := m.jobs[jobID]
	_, archived := m.history[jobID]
	m.mu.Unlock()

	switch {
	case live:
		j.cancel(ErrCancelled)
		m.logger.Info("batch cancel requested", zap.String("job_id", jobID))
		return CancelAccepted, nil
	case archived:
		return CancelAlreadyTerminal, nil
	default:
		return "", ErrJobNotFound
	}
}

// CancelAll cancels every running job and returns their ids.
func (m *Manager) CancelAll() []string {
	m.mu.Lock()
	live := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		live = append(live, j)
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(live))
	for _, j := range live {
		j.cancel(ErrCancelled)
		ids = append(ids, j.id)
	}
	return ids
}

func (m *Manager) Status(jobID string) (domain.JobSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; ok {
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.snapshotLocked(), nil
	}
	if snap, ok := m.history[jobID]; ok {
		return snap, nil
	}
	return domain.JobSnapshot{}, ErrJobNotFound
}

// Running lists snapshots of jobs that have not reached a terminal state.
func (m *Manager) Running() []domain.JobSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.JobSnapshot, 0, len(m.jobs))
	for _, j := range m.jobs {
		j.mu.Lock()
		out = append(out, j.snapshotLocked())
		j.mu.Unlock()
	}
	return out
}

// Close cancels every job and waits for workers to drain or ctx to end.
func (m *Manager) Close(ctx context.Context) error {
	m.stop(ErrShuttingDown)
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
