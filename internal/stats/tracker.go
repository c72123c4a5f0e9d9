package stats

import (
	"sort"
	"sync"
	"time"

	"claimbot/internal/metrics"

	"go.uber.org/zap"
)

const (
	kindWarnCount  = 5
	kindErrorCount = 10
	rateWarn       = 0.05
	rateCritical   = 0.15
	// Rate alerts stay quiet until this many attempts have been seen.
	rateAlertMinAttempts = 10
)

type HealthStatus string

const (
	Healthy  HealthStatus = "healthy"
	Warning  HealthStatus = "warning"
	Critical HealthStatus = "critical"
)

type Snapshot struct {
	Total          int64            `json:"total"`
	Failures       int64            `json:"failures"`
	Retries        int64            `json:"retries"`
	Rate           float64          `json:"rate"`
	RetryRate      float64          `json:"retry_rate"`
	ByKind         map[string]int64 `json:"by_kind"`
	MostCommonKind string           `json:"most_common_kind,omitempty"`
	Since          time.Time        `json:"since"`
	Uptime         time.Duration    `json:"-"`
	UptimeSeconds  float64          `json:"uptime_seconds"`
}

func (s Snapshot) Health() HealthStatus {
	switch {
	case s.Rate < rateWarn:
		return Healthy
	case s.Rate < rateCritical:
		return Warning
	default:
		return Critical
	}
}

// Tracker counts remote classifier attempts and failures for one epoch.
// A single mutex guards every counter so Reset cleanly separates epochs:
// each record call lands in exactly one of them.
type Tracker struct {
	mu       sync.Mutex
	now      func() time.Time
	logger   *zap.Logger
	since    time.Time
	attempts int64
	failures int64
	retries  int64
	byKind   map[string]int64
	rateWarn bool
	rateCrit bool
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		now:    time.Now,
		logger: zap.NewNop(),
		byKind: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.since = t.now()
	return t
}

func (t *Tracker) RecordAttempt() {
	t.mu.Lock()
	t.attempts++
	t.mu.Unlock()
	metrics.ClassifierAttempts.Inc()
}

func (t *Tracker) RecordRetry() {
	t.mu.Lock()
	t.retries++
	t.mu.Unlock()
	metrics.ClassifierRetries.Inc()
}

func (t *Tracker) RecordFailure(kind string) {
	t.mu.Lock()
	t.failures++
	t.byKind[kind]++
	count := t.byKind[kind]
	attempts, failures := t.attempts, t.failures
	var crossedWarn, crossedCrit bool
	if attempts >= rateAlertMinAttempts {
		rate := float64(failures) / float64(attempts)
		if rate >= rateCritical && !t.rateCrit {
			t.rateCrit, crossedCrit = true, true
		} else if rate >= rateWarn && !t.rateWarn {
			t.rateWarn, crossedWarn = true, true
		}
	}
	t.mu.Unlock()

	metrics.ClassifierFailures.WithLabelValues(kind).Inc()

	switch count {
	case kindWarnCount:
		t.logger.Warn("classifier failure kind repeating", zap.String("kind", kind), zap.Int64("count", count))
	case kindErrorCount:
		t.logger.Error("classifier failure kind critical", zap.String("kind", kind), zap.Int64("count", count))
	}
	if crossedCrit {
		t.logger.Error("classifier failure rate critical", zap.Int64("failures", failures), zap.Int64("attempts", attempts))
	} else if crossedWarn {
		t.logger.Warn("classifier failure rate elevated", zap.Int64("failures", failures), zap.Int64("attempts", attempts))
	}
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Reset starts a new epoch and returns the final snapshot of the old one.
func (t *Tracker) Reset() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.snapshotLocked()
	t.attempts, t.failures, t.retries = 0, 0, 0
	t.byKind = make(map[string]int64)
	t.rateWarn, t.rateCrit = false, false
	t.since = t.now()
	return prev
}

func (t *Tracker) snapshotLocked() Snapshot {
	uptime := t.now().Sub(t.since)
	s := Snapshot{
		Total:         t.attempts,
		Failures:      t.failures,
		Retries:       t.retries,
		ByKind:        make(map[string]int64, len(t.byKind)),
		Since:         t.since,
		Uptime:        uptime,
		UptimeSeconds: uptime.Seconds(),
	}
	if t.attempts > 0 {
		s.Rate = float64(t.failures) / float64(t.attempts)
		s.RetryRate = float64(t.retries) / float64(t.attempts)
	}
	kinds := make([]string, 0, len(t.byKind))
	for kind, n := range t.byKind {
		s.ByKind[kind] = n
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	var best int64
	for _, kind := range kinds {
		if t.byKind[kind] > best {
			best = t.byKind[kind]
			s.MostCommonKind = kind
		}
	}
	return s
}
