package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/procomm/phonebridge/internal/line"
)

// DefaultQueueSize is the per-subscriber buffer used when none is configured.
const DefaultQueueSize = 256

// EventType distinguishes the two kinds of notification.
type EventType string

const (
	EventStateChange EventType = "state_change"
	EventRouteChange EventType = "route_change"
)

// Event is a single notification. Seq increases by one for every event
// published on a Notifier, so observers can detect drops.
type Event struct {
	Seq      uint64         `json:"seq"`
	Type     EventType      `json:"type"`
	LineID   int            `json:"line_id"`
	OldState line.State     `json:"old_state,omitempty"`
	NewState line.State     `json:"new_state,omitempty"`
	Channel  int            `json:"channel"`
	Line     *line.Snapshot `json:"line,omitempty"`
	Time     time.Time      `json:"time"`
}

// Handler receives events on the subscriber's own goroutine.
type Handler func(Event)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID uuid.UUID

	n     *Notifier
	queue chan Event
}

// Close removes the subscription. Events already queued are still delivered.
func (s *Subscription) Close() {
	s.n.Unsubscribe(s.ID)
}

// Notifier fans events out to any number of subscribers. Publish never
// blocks: each subscriber has a bounded queue, and a full queue drops the
// event for that subscriber only.
type Notifier struct {
	mu        sync.Mutex
	subs      map[uuid.UUID]*Subscription
	seq       uint64
	queueSize int
	closed    bool

	dropped atomic.Uint64
	wg      sync.WaitGroup
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Notifier. A non-positive queueSize selects DefaultQueueSize.
func New(queueSize int, logger *slog.Logger) *Notifier {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Notifier{
		subs:      make(map[uuid.UUID]*Subscription),
		queueSize: queueSize,
		logger:    logger.With("subsystem", "notify"),
		now:       time.Now,
	}
}

// Subscribe registers h and starts its delivery goroutine. Subscribing to a
// closed notifier returns a subscription that never receives events.
func (n *Notifier) Subscribe(h Handler) *Subscription {
	s := &Subscription{
		ID:    uuid.New(),
		n:     n,
		queue: make(chan Event, n.queueSize),
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(s.queue)
		return s
	}
	n.subs[s.ID] = s

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for ev := range s.queue {
			n.deliver(s.ID, h, ev)
		}
	}()

	n.logger.Debug("subscriber added", "id", s.ID, "subscribers", len(n.subs))
	return s
}

// Unsubscribe removes the subscription with the given id. It reports
// whether the id was known.
func (n *Notifier) Unsubscribe(id uuid.UUID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	s, ok := n.subs[id]
	if !ok {
		return false
	}
	delete(n.subs, id)
	close(s.queue)
	n.logger.Debug("subscriber removed", "id", id, "subscribers", len(n.subs))
	return true
}

// Publish stamps ev with the next sequence number and enqueues it for every
// subscriber. All subscribers observe events in the same order.
func (n *Notifier) Publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.seq++
	ev.Seq = n.seq
	if ev.Time.IsZero() {
		ev.Time = n.now()
	}

	for id, s := range n.subs {
		select {
		case s.queue <- ev:
		default:
			total := n.dropped.Add(1)
			n.logger.Warn("subscriber queue full, dropping event",
				"id", id, "seq", ev.Seq, "type", ev.Type, "line", ev.LineID, "dropped_total", total)
		}
	}
}

// Dropped returns the number of events discarded because a subscriber's
// queue was full.
func (n *Notifier) Dropped() uint64 {
	return n.dropped.Load()
}

// SubscriberCount returns the number of active subscriptions.
func (n *Notifier) SubscriberCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Close stops accepting events, lets every subscriber drain its queue and
// waits for the delivery goroutines to exit. Safe to call more than once.
func (n *Notifier) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		for id, s := range n.subs {
			close(s.queue)
			delete(n.subs, id)
		}
	}
	n.mu.Unlock()

	n.wg.Wait()
}

func (n *Notifier) deliver(id uuid.UUID, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("subscriber panicked", "id", id, "seq", ev.Seq, "panic", r)
		}
	}()
	h(ev)
}
