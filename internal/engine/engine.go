// Package engine coordinates the eight bridge lines, the audio router and
// the signaling peer. All line mutations go through the Engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/procomm/phonebridge/internal/audio"
	"github.com/procomm/phonebridge/internal/database/models"
	"github.com/procomm/phonebridge/internal/line"
	"github.com/procomm/phonebridge/internal/notify"
)

var (
	ErrInvalidArgument = line.ErrInvalidArgument
	ErrLineBusy        = line.ErrLineBusy

	// ErrSignalingFailure covers registration and call signaling failures.
	ErrSignalingFailure = errors.New("signaling failure")

	// ErrNotRegistered is returned by MakeCall while the signaling peer is
	// unreachable. It wraps ErrSignalingFailure.
	ErrNotRegistered = fmt.Errorf("not registered with signaling peer: %w", ErrSignalingFailure)

	// ErrClosed is returned by commands issued after Shutdown.
	ErrClosed = errors.New("engine closed")
)

// Signaler is the signaling transport the engine drives. Dial, Answer and
// Hangup must return without waiting for the remote side; outcomes are
// reported back through the engine's event methods.
type Signaler interface {
	// Register performs one registration or keepalive exchange and returns
	// the delay until the next one is due.
	Register(ctx context.Context) (time.Duration, error)
	Dial(ctx context.Context, lineID int, callID, number string) error
	Answer(ctx context.Context, callID string) error
	Hangup(ctx context.Context, callID string) error
}

// CallRecorder persists finished call sessions.
type CallRecorder interface {
	RecordCall(ctx context.Context, rec *models.CallRecord) error
}

// Options configures an Engine.
type Options struct {
	Signaler Signaler
	Router   *audio.Router
	Notifier *notify.Notifier
	Recorder CallRecorder // optional
	Logger   *slog.Logger

	// DialRate limits outbound call attempts per second across all lines.
	// Zero disables the limit.
	DialRate  float64
	DialBurst int

	// RecordQueue bounds the number of call records waiting to be written.
	RecordQueue int

	// RetryBaseDelay is the first registration retry delay. Zero uses 5s.
	RetryBaseDelay time.Duration
}

// session is the identity of the call currently on a line.
type session struct {
	callID      string
	direction   line.Direction
	number      string
	startedAt   time.Time
	answeredAt  time.Time
	disposition string
	cause       string
}

// slot serializes every operation on one line.
type slot struct {
	mu   sync.Mutex
	line *line.Line
	call *session
}

// Engine owns the lines and coordinates signaling, routing and
// notifications. Lock order is slot, then router, then notifier; callsMu and
// regMu are leaves.
type Engine struct {
	slots    [line.NumLines + 1]*slot
	sig      Signaler
	router   *audio.Router
	notifier *notify.Notifier
	recorder CallRecorder
	limiter  *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time

	retryBase time.Duration

	callsMu sync.Mutex
	calls   map[string]int

	regMu sync.RWMutex
	reg   Registration

	recMu      sync.Mutex
	recClosed  bool
	records    chan *models.CallRecord
	callTotals sync.Map // disposition -> *atomic.Uint64

	lifeMu  sync.Mutex
	started bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	recWG   sync.WaitGroup
}

// New builds an engine with eight idle lines. Signaler, Router, Notifier and
// Logger are required.
func New(opts Options) (*Engine, error) {
	if opts.Signaler == nil || opts.Router == nil || opts.Notifier == nil || opts.Logger == nil {
		return nil, fmt.Errorf("engine: signaler, router, notifier and logger are required")
	}

	limit := rate.Inf
	if opts.DialRate > 0 {
		limit = rate.Limit(opts.DialRate)
	}
	burst := opts.DialBurst
	if burst <= 0 {
		burst = line.NumLines
	}
	queue := opts.RecordQueue
	if queue <= 0 {
		queue = 64
	}

	e := &Engine{
		sig:      opts.Signaler,
		router:   opts.Router,
		notifier: opts.Notifier,
		recorder: opts.Recorder,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   opts.Logger.With("subsystem", "engine"),
		now:      time.Now,
		calls:    make(map[string]int),
		records:  make(chan *models.CallRecord, queue),
		reg:      Registration{Status: StatusUnregistered},

		retryBase: opts.RetryBaseDelay,
	}
	for id := 1; id <= line.NumLines; id++ {
		e.slots[id] = &slot{line: line.New(id, e.onTransition)}
	}
	if e.recorder != nil {
		e.recWG.Add(1)
		go e.recordWriter()
	}
	return e, nil
}

// Start launches the registration loop and the audio router.
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.closed.Load() {
		return ErrClosed
	}
	if e.started {
		return fmt.Errorf("engine already started")
	}
	e.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.router.Start(loopCtx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.registrationLoop(loopCtx)
	}()

	e.logger.Info("call engine started", "lines", line.NumLines)
	return nil
}

// Shutdown stops background work, forces every line to IDLE, stops the
// tone, releases all channels and closes the notifier. It is idempotent.
func (e *Engine) Shutdown(ctx context.Context) {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.closed.Swap(true) {
		return
	}

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	for id := 1; id <= line.NumLines; id++ {
		s := e.slots[id]
		s.mu.Lock()
		if s.call != nil && s.call.callID != "" {
			if err := e.sig.Hangup(ctx, s.call.callID); err != nil {
				e.logger.Warn("shutdown hangup failed", "line", id, "error", err)
			}
		}
		if s.call != nil {
			s.call.cause = "shutdown"
		}
		if err := s.line.End(); err != nil {
			e.logger.Error("forcing line idle", "line", id, "error", err)
		}
		s.mu.Unlock()
	}

	e.router.StopContinuousTone()
	e.router.UnrouteAll()
	e.router.Stop()

	e.closeRecords()

	e.setRegistration(func(r *Registration) {
		r.Status = StatusUnregistered
		r.Registered = false
	})
	e.notifier.Close()
	e.logger.Info("call engine stopped")
}

// Subscribe registers an observer for state and route changes.
func (e *Engine) Subscribe(h notify.Handler) *notify.Subscription {
	return e.notifier.Subscribe(h)
}

// Unsubscribe removes an observer. A nil subscription is ignored.
func (e *Engine) Unsubscribe(sub *notify.Subscription) bool {
	if sub == nil {
		return false
	}
	return e.notifier.Unsubscribe(sub.ID)
}

// onTransition runs inside every line transition, with the slot locked.
func (e *Engine) onTransition(id int, old, new line.State) {
	s := e.slots[id]
	snap := e.snapshotLocked(s)

	e.logger.Info("line state changed", "line", id, "from", old, "to", new, "remote", snap.RemoteNumber)
	e.notifier.Publish(notify.Event{
		Type:     notify.EventStateChange,
		LineID:   id,
		OldState: old,
		NewState: new,
		Channel:  snap.AudioOutput.Channel,
		Line:     &snap,
	})

	if new != line.StateIdle && new != line.StateError {
		return
	}
	if old != line.StateError {
		e.finishCall(s, old, snap.AudioOutput.Channel)
	}
	if e.router.ReleaseLine(id) {
		e.logger.Debug("released audio channel", "line", id, "channel", snap.AudioOutput.Channel)
	}
}

// snapshotLocked builds a snapshot; the caller holds s.mu.
func (e *Engine) snapshotLocked(s *slot) line.Snapshot {
	snap := s.line.Snapshot()
	snap.AudioOutput = line.AudioOutput{Channel: e.router.ChannelFor(snap.ID)}
	snap.Registered = e.Registration().Registered
	return snap
}
