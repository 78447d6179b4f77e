package line

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"
)

// NumLines is the fixed number of call lines on the bridge.
const NumLines = 8

// MaxChannel is the highest audio output channel. Channel 0 means unrouted.
const MaxChannel = 8

var (
	// ErrInvalidArgument is returned for out-of-range line ids or channels
	// and empty destination numbers.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrLineBusy is returned when an operation does not fit the line's
	// current state, for example dialing a line that is already dialing.
	ErrLineBusy = errors.New("line busy")
)

// State is the call state of a line.
type State string

const (
	StateIdle      State = "idle"
	StateDialing   State = "dialing"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	StateError     State = "error"
)

// Direction tells whether the current call was placed or received.
type Direction string

const (
	DirectionNone     Direction = ""
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// AudioOutput identifies the channel a line's audio is routed to.
type AudioOutput struct {
	Channel int `json:"channel"`
}

// Routed reports whether the output points at a physical channel.
func (o AudioOutput) Routed() bool {
	return o.Channel != 0
}

// ValidLineID reports whether id names one of the bridge lines.
func ValidLineID(id int) bool {
	return id >= 1 && id <= NumLines
}

// ValidChannel reports whether ch is a channel value, including 0.
func ValidChannel(ch int) bool {
	return ch >= 0 && ch <= MaxChannel
}

// fsm event names.
const (
	eventDial         = "dial"
	eventOffer        = "offer"
	eventRemoteAnswer = "remote_answer"
	eventAnswer       = "answer"
	eventCancel       = "cancel"
	eventHangup       = "hangup"
	eventFail         = "fail"
	eventReset        = "reset"
)

// TransitionFunc is invoked exactly once per state change, synchronously,
// after the line's fields reflect the new state.
type TransitionFunc func(id int, old, new State)

// Line is the state machine for one call endpoint. A Line is not safe for
// concurrent use; the engine serializes access per line.
type Line struct {
	id           int
	machine      *fsm.FSM
	state        State
	remoteNumber string
	direction    Direction
	callStart    time.Time

	now          func() time.Time
	onTransition TransitionFunc
}

// New creates an idle line. onTransition may be nil.
func New(id int, onTransition TransitionFunc) *Line {
	l := &Line{
		id:           id,
		state:        StateIdle,
		now:          time.Now,
		onTransition: onTransition,
	}

	idle := string(StateIdle)
	dialing := string(StateDialing)
	ringing := string(StateRinging)
	connected := string(StateConnected)
	failed := string(StateError)

	l.machine = fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: eventDial, Src: []string{idle}, Dst: dialing},
			{Name: eventOffer, Src: []string{idle}, Dst: ringing},
			{Name: eventRemoteAnswer, Src: []string{dialing}, Dst: connected},
			{Name: eventAnswer, Src: []string{ringing}, Dst: connected},
			{Name: eventCancel, Src: []string{dialing, ringing}, Dst: idle},
			{Name: eventHangup, Src: []string{connected}, Dst: idle},
			{Name: eventFail, Src: []string{idle, dialing, ringing, connected}, Dst: failed},
			{Name: eventReset, Src: []string{failed}, Dst: idle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				l.enterState(e)
			},
		},
	)
	return l
}

// SetClock replaces the time source used for call timing.
func (l *Line) SetClock(now func() time.Time) {
	l.now = now
}

// ID returns the line number, 1 through NumLines.
func (l *Line) ID() int {
	return l.id
}

// State returns the current state.
func (l *Line) State() State {
	return l.state
}

// RemoteNumber returns the far-end number of the current call, if any.
func (l *Line) RemoteNumber() string {
	return l.remoteNumber
}

// Direction returns the direction of the current call.
func (l *Line) Direction() Direction {
	return l.direction
}

// CallStart returns when the call was connected. Zero unless connected.
func (l *Line) CallStart() time.Time {
	return l.callStart
}

// CallDuration returns the elapsed connected time. It is computed on read
// and is zero whenever the line is not connected.
func (l *Line) CallDuration() time.Duration {
	if l.state != StateConnected || l.callStart.IsZero() {
		return 0
	}
	d := l.now().Sub(l.callStart)
	if d < 0 {
		return 0
	}
	return d
}

// Dial starts an outbound call: IDLE -> DIALING.
func (l *Line) Dial(number string) error {
	if number == "" {
		return fmt.Errorf("line %d: empty destination: %w", l.id, ErrInvalidArgument)
	}
	return l.fire(eventDial, number)
}

// Offer presents an inbound call: IDLE -> RINGING.
func (l *Line) Offer(number string) error {
	return l.fire(eventOffer, number)
}

// RemoteAnswer marks an outbound call as answered: DIALING -> CONNECTED.
func (l *Line) RemoteAnswer() error {
	return l.fire(eventRemoteAnswer)
}

// Answer picks up an inbound call locally: RINGING -> CONNECTED.
func (l *Line) Answer() error {
	return l.fire(eventAnswer)
}

// Cancel abandons a call before it connects: DIALING/RINGING -> IDLE.
// Used for remote rejection, timeout and local cancel alike.
func (l *Line) Cancel() error {
	return l.fire(eventCancel)
}

// Hangup ends a connected call: CONNECTED -> IDLE.
func (l *Line) Hangup() error {
	return l.fire(eventHangup)
}

// Fail moves the line to ERROR after an unrecoverable signaling failure.
func (l *Line) Fail() error {
	return l.fire(eventFail)
}

// Reset returns a failed line to IDLE.
func (l *Line) Reset() error {
	return l.fire(eventReset)
}

// End returns the line to IDLE from whatever state it is in, choosing the
// matching transition. It is a no-op on an idle line.
func (l *Line) End() error {
	switch l.state {
	case StateDialing, StateRinging:
		return l.Cancel()
	case StateConnected:
		return l.Hangup()
	case StateError:
		return l.Reset()
	default:
		return nil
	}
}

func (l *Line) fire(event string, args ...any) error {
	err := l.machine.Event(context.Background(), event, args...)
	if err == nil {
		return nil
	}

	var invalid fsm.InvalidEventError
	var noTransition fsm.NoTransitionError
	if errors.As(err, &invalid) || errors.As(err, &noTransition) {
		return fmt.Errorf("line %d: cannot %s while %s: %w", l.id, event, l.state, ErrLineBusy)
	}
	return fmt.Errorf("line %d: %s: %w", l.id, event, err)
}

// enterState applies the field changes for a transition and then reports it.
func (l *Line) enterState(e *fsm.Event) {
	old := l.state
	next := State(e.Dst)

	switch e.Event {
	case eventDial, eventOffer:
		l.remoteNumber = argString(e.Args)
		l.direction = DirectionOutbound
		if e.Event == eventOffer {
			l.direction = DirectionInbound
		}
		l.callStart = time.Time{}
	case eventRemoteAnswer, eventAnswer:
		l.callStart = l.now()
	case eventFail:
		l.callStart = time.Time{}
	}

	if next == StateIdle {
		l.remoteNumber = ""
		l.direction = DirectionNone
		l.callStart = time.Time{}
	}

	l.state = next
	if l.onTransition != nil {
		l.onTransition(l.id, old, next)
	}
}

func argString(args []any) string {
	if len(args) == 0 {
		return ""
	}
	s, _ := args[0].(string)
	return s
}
