package llm

import (
	"context"
	"time"

	"claimbot/internal/domain"
	"claimbot/internal/metrics"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Clock lets tests drive backoff waits without real timers.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Recorder receives one RecordAttempt per remote call and one
// RecordFailure per failed call.
type Recorder interface {
	RecordAttempt()
	RecordFailure(kind string)
	RecordRetry()
}

type RetryPolicy struct {
	// MaxAttempts counts every call, the first one included.
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
	// Timeout bounds each individual attempt.
	Timeout time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:   5,
	BaseDelay:     time.Second,
	MaxDelay:      30 * time.Second,
	JitterPercent: 10,
	Timeout:       60 * time.Second,
}

func RetryPolicyFromConfig(cfg Config) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   cfg.MaxRetries,
		BaseDelay:     time.Duration(cfg.RetryBaseDelayMs) * time.Millisecond,
		MaxDelay:      time.Duration(cfg.RetryMaxDelaySeconds) * time.Second,
		JitterPercent: uint64(cfg.RetryJitterPercent),
		Timeout:       time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
	}
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultRetryPolicy.BaseDelay
	}
	b := retry.NewExponential(base)
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	return b
}

type Retrier struct {
	policy   RetryPolicy
	recorder Recorder
	clock    Clock
	logger   *zap.Logger
}

type RetrierOption func(*Retrier)

func WithClock(c Clock) RetrierOption {
	return func(r *Retrier) { r.clock = c }
}

func WithRetryLogger(l *zap.Logger) RetrierOption {
	return func(r *Retrier) { r.logger = l }
}

func NewRetrier(policy RetryPolicy, recorder Recorder, opts ...RetrierOption) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	r := &Retrier{
		policy:   policy,
		recorder: recorder,
		clock:    realClock{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type retryState int

const (
	stateAttempt retryState = iota
	stateWait
	stateDone
	stateGiveUp
)

// retryRun holds the state of one Do call.
type retryRun struct {
	state   retryState
	attempt int
	wait    time.Duration
	backoff retry.Backoff
	verdict domain.Verdict
	last    *ClassifierError
}

type attemptFunc func(ctx context.Context) (domain.Verdict, error)

// Do runs op under the policy: attempt, then wait, then attempt again,
// until it succeeds, hits a non-retryable failure, runs out of attempts or
// ctx ends. The returned error is always an *UnavailableError.
func (r *Retrier) Do(ctx context.Context, op attemptFunc) (domain.Verdict, int, error) {
	run := &retryRun{state: stateAttempt, backoff: r.policy.backoff()}
	for {
		switch run.state {
		case stateAttempt:
			r.attempt(ctx, run, op)
		case stateWait:
			r.wait(ctx, run)
		case stateDone:
			return run.verdict, run.attempt, nil
		case stateGiveUp:
			return domain.Verdict{}, run.attempt, &UnavailableError{
				Kind:      run.last.Kind,
				Attempts:  run.attempt,
				Exhausted: run.attempt >= r.policy.MaxAttempts,
				Err:       run.last,
			}
		}
	}
}

func (r *Retrier) attempt(ctx context.Context, run *retryRun, op attemptFunc) {
	run.attempt++
	r.recorder.RecordAttempt()

	attemptCtx := ctx
	if r.policy.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		defer cancel()
	}
	started := r.clock.Now()
	verdict, err := op(attemptCtx)
	metrics.ClassifierLatency.Observe(r.clock.Now().Sub(started).Seconds())
	if err == nil {
		run.verdict = verdict
		run.state = stateDone
		return
	}

	ce := asClassifierError(err)
	run.last = ce
	r.recorder.RecordFailure(string(ce.Kind))
	r.logger.Warn("classifier attempt failed",
		zap.Int("attempt", run.attempt),
		zap.Int("max_attempts", r.policy.MaxAttempts),
		zap.String("kind", string(ce.Kind)),
		zap.Error(ce.Err),
	)

	if !ce.Kind.Retryable() || run.attempt >= r.policy.MaxAttempts || ctx.Err() != nil {
		run.state = stateGiveUp
		return
	}
	delay, stop := run.backoff.Next()
	if stop {
		run.state = stateGiveUp
		return
	}
	if ce.RetryAfter > delay {
		delay = ce.RetryAfter
		if r.policy.MaxDelay > 0 && delay > r.policy.MaxDelay {
			delay = r.policy.MaxDelay
		}
	}
	run.wait = delay
	run.state = stateWait
}

func (r *Retrier) wait(ctx context.Context, run *retryRun) {
	r.recorder.RecordRetry()
	r.logger.Debug("classifier backoff", zap.Int("attempt", run.attempt), zap.Duration("delay", run.wait))
	select {
	case <-r.clock.After(run.wait):
		run.state = stateAttempt
	case <-ctx.Done():
		run.state = stateGiveUp
	}
}
