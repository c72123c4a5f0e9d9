package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := 1; i <= 3; i++ {
		b.Publish(Event{Type: TypeProgress, JobID: "j", Processed: i})
	}
	for i := 1; i <= 3; i++ {
		ev := <-sub.Events()
		assert.Equal(t, i, ev.Processed)
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewBroker()
	slow := b.Subscribe(WithBuffer(2))
	fast := b.Subscribe(WithBuffer(100))
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			b.Publish(Event{Type: TypeProgress, JobID: "j", Processed: i + 1})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	assert.Len(t, fast.Events(), 50)
	assert.Len(t, slow.Events(), 2)
	assert.EqualValues(t, 48, slow.Dropped())
	assert.Zero(t, fast.Dropped())
}

func TestForJobFilters(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe(ForJob("a"))
	defer b.Unsubscribe(sub)

	b.Publish(Event{Type: TypeStarted, JobID: "b"})
	b.Publish(Event{Type: TypeStarted, JobID: "a"})

	require.Len(t, sub.Events(), 1)
	assert.Equal(t, "a", (<-sub.Events()).JobID)
}

func TestTerminalOnlySkipsProgress(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe(TerminalOnly(), WithBuffer(1))
	defer b.Unsubscribe(sub)

	b.Publish(Event{Type: TypeStarted, JobID: "j"})
	for i := 1; i <= 10; i++ {
		b.Publish(Event{Type: TypeProgress, JobID: "j", Processed: i})
	}
	b.Publish(Event{Type: TypeCompleted, JobID: "j"})

	ev := <-sub.Events()
	assert.Equal(t, TypeCompleted, ev.Type)
	assert.Zero(t, sub.Dropped())
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.Zero(t, b.SubscriberCount())

	// Publishing after unsubscribe must not panic on the closed channel.
	b.Publish(Event{Type: TypeProgress, JobID: "j"})
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := NewBroker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				sub := b.Subscribe(WithBuffer(1))
				b.Publish(Event{Type: TypeProgress, JobID: "j"})
				b.Unsubscribe(sub)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, b.SubscriberCount())
}

func TestCloseReleasesAll(t *testing.T) {
	b := NewBroker()
	s1, s2 := b.Subscribe(), b.Subscribe()
	b.Close()
	_, open1 := <-s1.Events()
	_, open2 := <-s2.Events()
	assert.False(t, open1)
	assert.False(t, open2)
	b.Unsubscribe(s1)
}
