package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"claimbot/internal/domain"
	"claimbot/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type instantClassifier struct {
	status domain.Status
}

func (c instantClassifier) ClassifyClaim(ctx context.Context, claim domain.ClaimRecord) domain.Result {
	status := c.status
	if status == "" {
		status = domain.StatusApproved
	}
	return domain.Result{ClaimID: claim.ID, Status: status, ProcessingTime: 10 * time.Millisecond}
}

// gatedClassifier blocks every call until release is closed and tracks
// the peak number of concurrent calls.
type gatedClassifier struct {
	entered  chan string
	release  chan struct{}
	inFlight atomic.Int64
	peak     atomic.Int64
	ctxDone  atomic.Int64
}

func newGatedClassifier() *gatedClassifier {
	return &gatedClassifier{entered: make(chan string, 100), release: make(chan struct{})}
}

func (c *gatedClassifier) ClassifyClaim(ctx context.Context, claim domain.ClaimRecord) domain.Result {
	n := c.inFlight.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	c.entered <- claim.ID
	<-c.release
	if ctx.Err() != nil {
		c.ctxDone.Add(1)
	}
	c.inFlight.Add(-1)
	return domain.Result{ClaimID: claim.ID, Status: domain.StatusRejected}
}

func makeClaims(n int) []domain.ClaimRecord {
	claims := make([]domain.ClaimRecord, n)
	for i := range claims {
		claims[i] = domain.ClaimRecord{ID: fmt.Sprintf("c%02d", i), Subject: "s", Practices: []string{"10"}, Justification: "j"}
	}
	return claims
}

func collectUntilTerminal(t *testing.T, sub *events.Subscription) []events.Event {
	t.Helper()
	var got []events.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			got = append(got, ev)
			if ev.Type.Terminal() {
				return got
			}
		case <-timeout:
			t.Fatalf("no terminal event, got %d events", len(got))
		}
	}
}

func countByType(evs []events.Event) map[events.Type]int {
	out := map[events.Type]int{}
	for _, ev := range evs {
		out[ev.Type]++
	}
	return out
}

func TestBatchOfTenWithConcurrencyThree(t *testing.T) {
	broker := events.NewBroker()
	m := NewManager(instantClassifier{}, broker, Config{Concurrency: 3})
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	jobID, err := m.StartBatch(makeClaims(10))
	require.NoError(t, err)

	evs := collectUntilTerminal(t, sub)
	counts := countByType(evs)
	assert.Equal(t, 1, counts[events.TypeStarted])
	assert.Equal(t, 10, counts[events.TypeProgress])
	assert.Equal(t, 1, counts[events.TypeCompleted])

	require.Equal(t, events.TypeStarted, evs[0].Type)
	assert.Equal(t, 10, evs[0].Total)

	last := 0
	seen := map[string]bool{}
	for _, ev := range evs[1:11] {
		require.Equal(t, events.TypeProgress, ev.Type)
		assert.Greater(t, ev.Processed, last)
		last = ev.Processed
		assert.Equal(t, ev.Processed*10, ev.Percentage)
		assert.Equal(t, jobID, ev.JobID)
		seen[ev.ItemID] = true
	}
	assert.Len(t, seen, 10)

	done := evs[len(evs)-1]
	assert.Equal(t, events.TypeCompleted, done.Type)
	assert.Equal(t, 10, done.Succeeded)
	assert.Equal(t, 0, done.Failed)
	assert.Equal(t, 10, done.Total)
	assert.Nil(t, done.ProcessedAtCancellation)

	snap, err := m.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, snap.State)
	assert.Equal(t, domain.Tally{Processed: 10, Succeeded: 10, Total: 10}, snap.Tally)
	assert.Equal(t, 10, snap.ByStatus[domain.StatusApproved])
	assert.EqualValues(t, 10, snap.AvgProcessingMillis)
	assert.NotNil(t, snap.FinishedAt)
}

func TestFailedItemsDoNotAbortBatch(t *testing.T) {
	broker := events.NewBroker()
	m := NewManager(instantClassifier{status: domain.StatusError}, broker, Config{Concurrency: 2})
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	_, err := m.StartBatch(makeClaims(4))
	require.NoError(t, err)
	evs := collectUntilTerminal(t, sub)
	done := evs[len(evs)-1]
	assert.Equal(t, events.TypeCompleted, done.Type)
	assert.Equal(t, 0, done.Succeeded)
	assert.Equal(t, 4, done.Failed)
}

func TestStatusIsIdempotentOnTerminalJob(t *testing.T) {
	broker := events.NewBroker()
	m := NewManager(instantClassifier{}, broker, Config{Concurrency: 2})
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	jobID, err := m.StartBatch(makeClaims(5))
	require.NoError(t, err)
	collectUntilTerminal(t, sub)

	first, err := m.Status(jobID)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := m.Status(jobID)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCancelStopsPickingUpClaims(t *testing.T) {
	broker := events.NewBroker()
	gate := newGatedClassifier()
	m := NewManager(gate, broker, Config{Concurrency: 2})
	sub := broker.Subscribe(events.WithBuffer(256))
	defer broker.Unsubscribe(sub)

	jobID, err := m.StartBatch(makeClaims(20))
	require.NoError(t, err)
	<-gate.entered
	<-gate.entered

	outcome, err := m.Cancel(jobID)
	require.NoError(t, err)
	assert.Equal(t, CancelAccepted, outcome)
	close(gate.release)

	evs := collectUntilTerminal(t, sub)
	cancelled := evs[len(evs)-1]
	require.Equal(t, events.TypeCancelled, cancelled.Type)
	progress := countByType(evs)[events.TypeProgress]
	assert.Equal(t, 2, progress)
	require.NotNil(t, cancelled.ProcessedAtCancellation)
	assert.Equal(t, progress, *cancelled.ProcessedAtCancellation)
	assert.Equal(t, 20, cancelled.Total)
	assert.Equal(t, 2, cancelled.Succeeded)
	assert.Equal(t, "cancelled", cancelled.Reason)
	// In-flight calls keep a live context after cancellation.
	assert.Zero(t, gate.ctxDone.Load())

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event after cancellation: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	snap, err := m.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, snap.State)
	assert.Equal(t, 2, snap.Tally.Processed)

	outcome, err = m.Cancel(jobID)
	require.NoError(t, err)
	assert.Equal(t, CancelAlreadyTerminal, outcome)
}

func TestCancelUnknownJob(t *testing.T) {
	m := NewManager(instantClassifier{}, events.NewBroker(), Config{})
	_, err := m.Cancel("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = m.Status("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobsShareThePool(t *testing.T) {
	broker := events.NewBroker()
	gate := newGatedClassifier()
	m := NewManager(gate, broker, Config{Concurrency: 2})
	sub := broker.Subscribe(events.WithBuffer(256))
	defer broker.Unsubscribe(sub)

	_, err := m.StartBatch(makeClaims(3))
	require.NoError(t, err)
	_, err = m.StartBatch(makeClaims(3))
	require.NoError(t, err)

	<-gate.entered
	<-gate.entered
	select {
	case id := <-gate.entered:
		t.Fatalf("third claim %s dispatched beyond pool capacity", id)
	case <-time.After(50 * time.Millisecond):
	}
	close(gate.release)

	terminals := 0
	timeout := time.After(5 * time.Second)
	for terminals < 2 {
		select {
		case ev := <-sub.Events():
			if ev.Type.Terminal() {
				assert.Equal(t, events.TypeCompleted, ev.Type)
				terminals++
			}
		case <-timeout:
			t.Fatal("jobs did not finish")
		}
	}
	assert.EqualValues(t, 2, gate.peak.Load())
}

func TestPoolExhaustionCancelsJob(t *testing.T) {
	broker := events.NewBroker()
	gate := newGatedClassifier()
	m := NewManager(gate, broker, Config{Concurrency: 1, AcquireTimeout: 20 * time.Millisecond})

	holder, err := m.StartBatch(makeClaims(1))
	require.NoError(t, err)
	<-gate.entered

	starved := "starved-job"
	sub := broker.Subscribe(events.ForJob(starved))
	defer broker.Unsubscribe(sub)
	_, err = m.StartBatch(makeClaims(2), WithJobID(starved))
	require.NoError(t, err)

	evs := collectUntilTerminal(t, sub)
	last := evs[len(evs)-1]
	assert.Equal(t, events.TypeCancelled, last.Type)
	assert.Equal(t, "pool_exhausted", last.Reason)
	require.NotNil(t, last.ProcessedAtCancellation)
	assert.Zero(t, *last.ProcessedAtCancellation)

	close(gate.release)
	require.NoError(t, m.Close(context.Background()))
	snap, err := m.Status(holder)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, snap.State)
}

func TestEmptyBatchCompletesImmediately(t *testing.T) {
	broker := events.NewBroker()
	m := NewManager(instantClassifier{}, broker, Config{})
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	_, err := m.StartBatch(nil)
	require.NoError(t, err)
	evs := collectUntilTerminal(t, sub)
	require.Len(t, evs, 2)
	assert.Equal(t, events.TypeCompleted, evs[1].Type)
	assert.Equal(t, 0, evs[1].Total)
}

func TestHistoryEvictsOldest(t *testing.T) {
	broker := events.NewBroker()
	m := NewManager(instantClassifier{}, broker, Config{HistorySize: 1})
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	first, err := m.StartBatch(makeClaims(1))
	require.NoError(t, err)
	collectUntilTerminal(t, sub)
	second, err := m.StartBatch(makeClaims(1))
	require.NoError(t, err)
	collectUntilTerminal(t, sub)

	_, err = m.Status(first)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = m.Status(second)
	assert.NoError(t, err)
}

func TestCloseCancelsRunningJobs(t *testing.T) {
	broker := events.NewBroker()
	gate := newGatedClassifier()
	m := NewManager(gate, broker, Config{Concurrency: 1})
	sub := broker.Subscribe(events.WithBuffer(64))
	defer broker.Unsubscribe(sub)

	_, err := m.StartBatch(makeClaims(5))
	require.NoError(t, err)
	<-gate.entered

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, m.Close(context.Background()))
	}()
	<-m.baseCtx.Done()
	close(gate.release)
	wg.Wait()

	evs := collectUntilTerminal(t, sub)
	last := evs[len(evs)-1]
	assert.Equal(t, events.TypeCancelled, last.Type)
	assert.Equal(t, "shutdown", last.Reason)

	_, err = m.StartBatch(makeClaims(1))
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestCancelAll(t *testing.T) {
	broker := events.NewBroker()
	gate := newGatedClassifier()
	m := NewManager(gate, broker, Config{Concurrency: 2})
	sub := broker.Subscribe(events.WithBuffer(64))
	defer broker.Unsubscribe(sub)

	a, err := m.StartBatch(makeClaims(4))
	require.NoError(t, err)
	b, err := m.StartBatch(makeClaims(4))
	require.NoError(t, err)
	<-gate.entered
	<-gate.entered

	assert.Len(t, m.Running(), 2)
	ids := m.CancelAll()
	assert.ElementsMatch(t, []string{a, b}, ids)
	close(gate.release)

	terminals := 0
	for terminals < 2 {
		ev := <-sub.Events()
		if ev.Type.Terminal() {
			assert.Equal(t, events.TypeCancelled, ev.Type)
			terminals++
		}
	}
	assert.Empty(t, m.Running())
}

// requirePoolIntact checks that exactly Concurrency slots are free once
// every job has drained.
func requirePoolIntact(t *testing.T, m *Manager) {
	t.Helper()
	require.True(t, m.pool.TryAcquire(int64(m.concurrency)), "pool lost capacity")
	assert.False(t, m.pool.TryAcquire(1), "pool grew beyond its limit")
	m.pool.Release(int64(m.concurrency))
}

func waitForTerminal(t *testing.T, sub *events.Subscription, jobID string) events.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.JobID == jobID && ev.Type.Terminal() {
				return ev
			}
		case <-timeout:
			t.Fatalf("job %s did not finish", jobID)
		}
	}
}

func TestCancelWhileWaitingForPool(t *testing.T) {
	broker := events.NewBroker()
	gate := newGatedClassifier()
	m := NewManager(gate, broker, Config{Concurrency: 1})
	sub := broker.Subscribe(events.WithBuffer(64))
	defer broker.Unsubscribe(sub)

	holder, err := m.StartBatch(makeClaims(1))
	require.NoError(t, err)
	<-gate.entered

	waiting, err := m.StartBatch(makeClaims(3))
	require.NoError(t, err)
	// Let the waiting job's worker block on the pool.
	time.Sleep(30 * time.Millisecond)

	outcome, err := m.Cancel(waiting)
	require.NoError(t, err)
	assert.Equal(t, CancelAccepted, outcome)

	ev := waitForTerminal(t, sub, waiting)
	assert.Equal(t, events.TypeCancelled, ev.Type)
	assert.Equal(t, "cancelled", ev.Reason)
	require.NotNil(t, ev.ProcessedAtCancellation)
	assert.Zero(t, *ev.ProcessedAtCancellation)

	close(gate.release)
	ev = waitForTerminal(t, sub, holder)
	assert.Equal(t, events.TypeCompleted, ev.Type)
	assert.Equal(t, 1, ev.Succeeded)
	requirePoolIntact(t, m)

	fresh, err := m.StartBatch(makeClaims(3))
	require.NoError(t, err)
	ev = waitForTerminal(t, sub, fresh)
	assert.Equal(t, events.TypeCompleted, ev.Type)
	assert.Equal(t, 3, ev.Total)
	requirePoolIntact(t, m)
}

func TestCloseWhileWaitingForPool(t *testing.T) {
	broker := events.NewBroker()
	gate := newGatedClassifier()
	m := NewManager(gate, broker, Config{Concurrency: 2})
	sub := broker.Subscribe(events.WithBuffer(64))
	defer broker.Unsubscribe(sub)

	holder, err := m.StartBatch(makeClaims(2))
	require.NoError(t, err)
	<-gate.entered
	<-gate.entered

	waiting, err := m.StartBatch(makeClaims(4))
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- m.Close(context.Background()) }()

	// The waiting job ends without any slot being freed.
	ev := waitForTerminal(t, sub, waiting)
	assert.Equal(t, events.TypeCancelled, ev.Type)
	assert.Equal(t, "shutdown", ev.Reason)
	require.NotNil(t, ev.ProcessedAtCancellation)
	assert.Zero(t, *ev.ProcessedAtCancellation)
	assert.Equal(t, 4, ev.Total)

	close(gate.release)
	ev = waitForTerminal(t, sub, holder)
	assert.Equal(t, events.TypeCompleted, ev.Type)
	assert.Equal(t, 2, ev.Succeeded)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	requirePoolIntact(t, m)
}
