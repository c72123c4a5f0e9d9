package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func TestSnapshotEmpty(t *testing.T) {
	s := NewTracker().Snapshot()
	assert.Zero(t, s.Total)
	assert.Zero(t, s.Failures)
	assert.Zero(t, s.Rate)
	assert.Empty(t, s.ByKind)
	assert.Equal(t, Healthy, s.Health())
}

func TestSnapshotCountsAndRate(t *testing.T) {
	clock := &fakeNow{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := NewTracker(WithClock(clock.Now))
	for i := 0; i < 4; i++ {
		tr.RecordAttempt()
	}
	tr.RecordFailure("timeout")
	tr.RecordFailure("timeout")
	tr.RecordFailure("server_error")
	tr.RecordRetry()
	clock.Advance(90 * time.Second)

	s := tr.Snapshot()
	assert.EqualValues(t, 4, s.Total)
	assert.EqualValues(t, 3, s.Failures)
	assert.EqualValues(t, 1, s.Retries)
	assert.InDelta(t, 0.75, s.Rate, 1e-9)
	assert.InDelta(t, 0.25, s.RetryRate, 1e-9)
	assert.Equal(t, map[string]int64{"timeout": 2, "server_error": 1}, s.ByKind)
	assert.Equal(t, "timeout", s.MostCommonKind)
	assert.Equal(t, 90*time.Second, s.Uptime)
	assert.Equal(t, Critical, s.Health())
}

func TestResetStartsNewEpoch(t *testing.T) {
	clock := &fakeNow{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := NewTracker(WithClock(clock.Now))
	tr.RecordAttempt()
	tr.RecordFailure("auth")
	clock.Advance(time.Minute)

	prev := tr.Reset()
	assert.EqualValues(t, 1, prev.Total)
	assert.EqualValues(t, 1, prev.ByKind["auth"])

	s := tr.Snapshot()
	assert.Zero(t, s.Total)
	assert.Zero(t, s.Failures)
	assert.Zero(t, s.Rate)
	assert.Empty(t, s.ByKind)
	assert.Equal(t, clock.Now(), s.Since)
	assert.Zero(t, s.Uptime)
}

func TestSnapshotIsACopy(t *testing.T) {
	tr := NewTracker()
	tr.RecordAttempt()
	tr.RecordFailure("timeout")
	s := tr.Snapshot()
	s.ByKind["timeout"] = 99
	assert.EqualValues(t, 1, tr.Snapshot().ByKind["timeout"])
}

func TestConcurrentRecordAndResetLosesNothing(t *testing.T) {
	tr := NewTracker()
	const workers, perWorker = 16, 500

	var mu sync.Mutex
	var counted int64
	var wg sync.WaitGroup
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			default:
			}
			prev := tr.Reset()
			mu.Lock()
			counted += prev.Total
			mu.Unlock()
		}
	}()

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				tr.RecordAttempt()
			}
		}()
	}
	wg.Wait()
	close(done)
	<-stopped

	mu.Lock()
	counted += tr.Reset().Total
	mu.Unlock()
	require.EqualValues(t, workers*perWorker, counted)
}

func TestHealthBands(t *testing.T) {
	assert.Equal(t, Healthy, Snapshot{Rate: 0.049}.Health())
	assert.Equal(t, Warning, Snapshot{Rate: 0.05}.Health())
	assert.Equal(t, Warning, Snapshot{Rate: 0.149}.Health())
	assert.Equal(t, Critical, Snapshot{Rate: 0.15}.Health())
}
