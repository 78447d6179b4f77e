package audio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/procomm/phonebridge/internal/line"
	"github.com/procomm/phonebridge/internal/notify"
)

const (
	// packetDuration is the audio frame interval.
	packetDuration = 20 * time.Millisecond

	// samplesPerPacket is 20ms at 8kHz.
	samplesPerPacket = 160

	sampleRate = 8000
)

// Publisher receives route-change events. *notify.Notifier satisfies it.
type Publisher interface {
	Publish(notify.Event)
}

// Router keeps the line-to-channel table and drives the test tone. The
// table always holds all eight lines; no two lines share a nonzero channel.
type Router struct {
	mu    sync.Mutex
	table [line.NumLines + 1]int
	pub   Publisher

	outputs map[int]io.Writer

	toneMu  sync.Mutex
	tone    *toneState
	toneCfg ToneConfig

	loopMu   sync.Mutex
	running  atomic.Bool
	cancel   context.CancelFunc
	loopDone chan struct{}

	forwarded atomic.Uint64
	preempted atomic.Uint64
	logger    *slog.Logger
}

// NewRouter creates a router. outputs maps a channel (1-8) to the sink its
// audio is written to; channels without a sink are routable but silent.
func NewRouter(pub Publisher, outputs map[int]io.Writer, toneCfg ToneConfig, logger *slog.Logger) *Router {
	if outputs == nil {
		outputs = make(map[int]io.Writer)
	}
	return &Router{
		pub:     pub,
		outputs: outputs,
		toneCfg: toneCfg.withDefaults(),
		logger:  logger.With("subsystem", "audio"),
	}
}

// Start launches the frame loop that emits tone audio. Calling Start on a
// running router does nothing.
func (r *Router) Start(ctx context.Context) {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()

	if r.running.Load() {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.loopDone = make(chan struct{})
	r.running.Store(true)
	go r.frameLoop(ctx, r.loopDone)

	r.logger.Info("audio router started", "outputs", len(r.outputs))
}

// Stop signals the frame loop to exit and waits for it.
func (r *Router) Stop() {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()

	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.loopDone
	r.cancel = nil
	r.logger.Info("audio router stopped")
}

// IsRunning reports whether the frame loop is alive.
func (r *Router) IsRunning() bool {
	return r.running.Load()
}

// RouteLineToChannel assigns channel (1-8) to the line. If another line
// holds the channel it is moved to 0 first, and its notification is
// published before the requesting line's. It returns the displaced line id,
// or 0 when nothing was displaced.
func (r *Router) RouteLineToChannel(lineID, channel int) (int, error) {
	if !line.ValidLineID(lineID) {
		return 0, fmt.Errorf("line id %d out of range: %w", lineID, line.ErrInvalidArgument)
	}
	if channel < 1 || channel > line.MaxChannel {
		return 0, fmt.Errorf("channel %d out of range: %w", channel, line.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	displaced := 0
	for id := 1; id <= line.NumLines; id++ {
		if id != lineID && r.table[id] == channel {
			r.table[id] = 0
			displaced = id
			r.publish(id, 0)
			r.logger.Info("line displaced from channel", "line", id, "channel", channel, "by", lineID)
			break
		}
	}

	r.table[lineID] = channel
	r.publish(lineID, channel)
	return displaced, nil
}

// UnrouteLine sets the line's channel to 0. The notification fires every
// time, even when the line was already unrouted.
func (r *Router) UnrouteLine(lineID int) error {
	if !line.ValidLineID(lineID) {
		return fmt.Errorf("line id %d out of range: %w", lineID, line.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.table[lineID] = 0
	r.publish(lineID, 0)
	return nil
}

// ReleaseLine unroutes the line only if it currently holds a channel,
// reporting whether it did.
func (r *Router) ReleaseLine(lineID int) bool {
	if !line.ValidLineID(lineID) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.table[lineID] == 0 {
		return false
	}
	r.table[lineID] = 0
	r.publish(lineID, 0)
	return true
}

// UnrouteAll releases every routed channel.
func (r *Router) UnrouteAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := 1; id <= line.NumLines; id++ {
		if r.table[id] != 0 {
			r.table[id] = 0
			r.publish(id, 0)
		}
	}
}

// ChannelFor returns the line's channel, 0 when unrouted or unknown.
func (r *Router) ChannelFor(lineID int) int {
	if !line.ValidLineID(lineID) {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table[lineID]
}

// Table returns a copy of the routing table keyed by line id.
func (r *Router) Table() map[int]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := make(map[int]int, line.NumLines)
	for id := 1; id <= line.NumLines; id++ {
		t[id] = r.table[id]
	}
	return t
}

// Forward writes a media packet received on a line to the line's channel
// sink. Packets for unrouted lines are discarded. While the test tone runs
// on the line's channel the tone owns the sink and line packets are
// dropped and counted.
func (r *Router) Forward(lineID int, packet []byte) {
	ch := r.ChannelFor(lineID)
	if ch == 0 {
		return
	}
	if ch == r.ToneChannel() {
		r.preempted.Add(1)
		return
	}
	w, ok := r.outputs[ch]
	if !ok {
		return
	}
	if _, err := w.Write(packet); err != nil {
		r.logger.Debug("forward to channel failed", "line", lineID, "channel", ch, "error", err)
		return
	}
	r.forwarded.Add(1)
}

// Forwarded returns the number of line packets written to channel sinks.
func (r *Router) Forwarded() uint64 {
	return r.forwarded.Load()
}

// Preempted returns the number of line packets dropped because the test
// tone held their channel.
func (r *Router) Preempted() uint64 {
	return r.preempted.Load()
}

func (r *Router) publish(lineID, channel int) {
	if r.pub == nil {
		return
	}
	r.pub.Publish(notify.Event{
		Type:    notify.EventRouteChange,
		LineID:  lineID,
		Channel: channel,
	})
}

func (r *Router) frameLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer r.running.Store(false)

	ticker := time.NewTicker(packetDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.toneTick()
		}
	}
}
