package events

import (
	"sync"
	"sync/atomic"

	"claimbot/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultBuffer = 64

// Subscription is an observer handle. Events arrives closed after Unsubscribe.
type Subscription struct {
	ID           string
	jobID        string
	terminalOnly bool
	ch           chan Event
	dropped      atomic.Int64
}

func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped counts events discarded because the observer's buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

type SubscribeOption func(*Subscription)

// ForJob restricts the subscription to one job's events.
func ForJob(jobID string) SubscribeOption {
	return func(s *Subscription) { s.jobID = jobID }
}

// TerminalOnly skips started and progress events.
func TerminalOnly() SubscribeOption {
	return func(s *Subscription) { s.terminalOnly = true }
}

func WithBuffer(n int) SubscribeOption {
	return func(s *Subscription) {
		if n > 0 {
			s.ch = make(chan Event, n)
		}
	}
}

// Broker fans events out to subscribers without ever blocking the publisher.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
	logger *zap.Logger
}

type Option func(*Broker)

func WithDefaultBuffer(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		subs:   make(map[string]*Subscription),
		buffer: defaultBuffer,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) Subscribe(opts ...SubscribeOption) *Subscription {
	sub := &Subscription{ID: uuid.New().String()}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.ch == nil {
		sub.ch = make(chan Event, b.buffer)
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	metrics.Subscribers.Inc()
	return sub
}

// Unsubscribe is idempotent.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.subs[sub.ID]
	if ok {
		delete(b.subs, sub.ID)
		close(sub.ch)
	}
	b.mu.Unlock()
	if ok {
		metrics.Subscribers.Dec()
	}
}

// Publish delivers ev to every matching subscriber that has buffer room
// and drops it for the rest.
func (b *Broker) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.jobID != "" && sub.jobID != ev.JobID {
			continue
		}
		if sub.terminalOnly && !ev.Type.Terminal() {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			n := sub.dropped.Add(1)
			metrics.EventsDropped.Inc()
			if n == 1 || n%100 == 0 {
				b.logger.Warn("event dropped for slow subscriber",
					zap.String("subscription", sub.ID),
					zap.String("job_id", ev.JobID),
					zap.String("type", string(ev.Type)),
					zap.Int64("dropped", n),
				)
			}
		}
	}
}

func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone.
func (b *Broker) Close() {
	b.mu.Lock()
	n := len(b.subs)
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()
	metrics.Subscribers.Sub(float64(n))
}
