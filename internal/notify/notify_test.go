package notify

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procomm/phonebridge/internal/line"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestNotifier_DeliversInOrderToAllSubscribers(t *testing.T) {
	n := New(64, testLogger())

	var a, b collector
	n.Subscribe(a.handle)
	n.Subscribe(b.handle)
	require.Equal(t, 2, n.SubscriberCount())

	for i := 1; i <= 8; i++ {
		n.Publish(Event{Type: EventRouteChange, LineID: i, Channel: i})
	}
	n.Close()

	for _, c := range []*collector{&a, &b} {
		got := c.snapshot()
		require.Len(t, got, 8)
		for i, ev := range got {
			assert.Equal(t, uint64(i+1), ev.Seq)
			assert.Equal(t, i+1, ev.LineID)
			assert.False(t, ev.Time.IsZero())
		}
	}
}

func TestNotifier_Unsubscribe(t *testing.T) {
	n := New(8, testLogger())
	defer n.Close()

	var c collector
	sub := n.Subscribe(c.handle)
	assert.True(t, n.Unsubscribe(sub.ID))
	assert.False(t, n.Unsubscribe(sub.ID), "second unsubscribe reports unknown id")
	assert.Zero(t, n.SubscriberCount())

	n.Publish(Event{Type: EventStateChange, LineID: 1})
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, c.snapshot())
}

func TestNotifier_SubscriptionClose(t *testing.T) {
	n := New(8, testLogger())
	defer n.Close()

	sub := n.Subscribe(func(Event) {})
	sub.Close()
	assert.Zero(t, n.SubscriberCount())
}

func TestNotifier_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	n := New(2, testLogger())

	release := make(chan struct{})
	n.Subscribe(func(Event) { <-release })

	var fast collector
	n.Subscribe(fast.handle)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			n.Publish(Event{Type: EventStateChange, LineID: 1, OldState: line.StateIdle, NewState: line.StateDialing})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	assert.NotZero(t, n.Dropped())

	close(release)
	n.Close()
}

func TestNotifier_PanickingHandlerIsContained(t *testing.T) {
	n := New(8, testLogger())

	var c collector
	n.Subscribe(func(Event) { panic("boom") })
	n.Subscribe(c.handle)

	n.Publish(Event{Type: EventRouteChange, LineID: 2})
	n.Publish(Event{Type: EventRouteChange, LineID: 3})
	n.Close()

	assert.Len(t, c.snapshot(), 2)
}

func TestNotifier_CloseIsIdempotent(t *testing.T) {
	n := New(0, testLogger())
	n.Subscribe(func(Event) {})
	n.Close()
	n.Close()

	n.Publish(Event{Type: EventRouteChange})
	sub := n.Subscribe(func(Event) {})
	assert.Zero(t, n.SubscriberCount())
	sub.Close()
}
