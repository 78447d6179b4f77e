package engine

import (
	"fmt"

	"github.com/procomm/phonebridge/internal/database/models"
	"github.com/procomm/phonebridge/internal/line"
)

// The methods in this file are called by the signaling transport when
// something happens on the wire. Events for calls the engine no longer
// tracks are ignored.

// IncomingCall offers an inbound call to a line. A valid lineHint selects
// that line only; otherwise the lowest-numbered idle line is used. It
// returns the line the call was placed on, or ErrLineBusy when none is free.
func (e *Engine) IncomingCall(callID string, lineHint int, from string) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}

	candidates := make([]int, 0, line.NumLines)
	if line.ValidLineID(lineHint) {
		candidates = append(candidates, lineHint)
	} else {
		for id := 1; id <= line.NumLines; id++ {
			candidates = append(candidates, id)
		}
	}

	for _, id := range candidates {
		if e.offer(id, callID, from) {
			return id, nil
		}
	}
	e.logger.Warn("inbound call rejected, no idle line", "call_id", callID, "from", from, "line_hint", lineHint)
	return 0, fmt.Errorf("no idle line for inbound call from %q: %w", from, ErrLineBusy)
}

func (e *Engine) offer(id int, callID, from string) bool {
	s := e.slots[id]
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.line.State() != line.StateIdle {
		return false
	}
	e.trackCall(callID, id)
	s.call = &session{
		callID:    callID,
		direction: line.DirectionInbound,
		number:    from,
		startedAt: e.now(),
	}
	if err := s.line.Offer(from); err != nil {
		s.call = nil
		e.untrackCall(callID)
		return false
	}
	return true
}

// RemoteAnswered reports that the far end answered an outbound call. An
// error means the line has moved on and the transport should tear the call
// down.
func (e *Engine) RemoteAnswered(callID string) error {
	s, ok := e.lockCall(callID)
	if !ok {
		return fmt.Errorf("call %s is not active: %w", callID, ErrLineBusy)
	}
	defer s.mu.Unlock()

	s.call.answeredAt = e.now()
	return s.line.RemoteAnswer()
}

// RemoteRejected reports a final failure response to an outbound call, or
// the caller abandoning an inbound call before it was answered.
func (e *Engine) RemoteRejected(callID string, code int, reason string) {
	s, ok := e.lockCall(callID)
	if !ok {
		return
	}
	defer s.mu.Unlock()

	switch s.line.State() {
	case line.StateDialing:
		s.call.disposition = models.DispositionRejected
	case line.StateRinging:
		s.call.disposition = models.DispositionMissed
	}
	s.call.cause = formatCause(code, reason)
	if err := s.line.Cancel(); err != nil {
		e.logger.Warn("ignoring rejection", "line", s.line.ID(), "call_id", callID, "error", err)
	}
}

// RemoteHangup reports that the far end ended the call.
func (e *Engine) RemoteHangup(callID string) {
	s, ok := e.lockCall(callID)
	if !ok {
		return
	}
	defer s.mu.Unlock()

	s.call.cause = "remote hangup"
	if s.line.State() != line.StateConnected {
		s.call.disposition = models.DispositionMissed
	}
	if err := s.line.End(); err != nil {
		e.logger.Warn("ignoring remote hangup", "line", s.line.ID(), "call_id", callID, "error", err)
	}
}

// CallFailed moves the call's line to ERROR after an unrecoverable
// signaling failure. The other lines are unaffected.
func (e *Engine) CallFailed(callID string, cause error) {
	s, ok := e.lockCall(callID)
	if !ok {
		return
	}
	defer s.mu.Unlock()

	if cause != nil {
		s.call.cause = cause.Error()
	}
	e.logger.Error("call signaling failed", "line", s.line.ID(), "call_id", callID, "error", cause)
	if err := s.line.Fail(); err != nil {
		e.logger.Warn("ignoring call failure", "line", s.line.ID(), "call_id", callID, "error", err)
	}
}

// lockCall finds the slot carrying callID and returns it locked. It fails
// when the call is unknown or the line has already moved to another call.
func (e *Engine) lockCall(callID string) (*slot, bool) {
	id, ok := e.lineForCall(callID)
	if !ok {
		e.logger.Debug("event for unknown call", "call_id", callID)
		return nil, false
	}
	s := e.slots[id]
	s.mu.Lock()
	if s.call == nil || s.call.callID != callID {
		s.mu.Unlock()
		e.logger.Debug("stale event for call", "call_id", callID, "line", id)
		return nil, false
	}
	return s, true
}

func formatCause(code int, reason string) string {
	switch {
	case code > 0 && reason != "":
		return fmt.Sprintf("%d %s", code, reason)
	case code > 0:
		return fmt.Sprintf("%d", code)
	default:
		return reason
	}
}
