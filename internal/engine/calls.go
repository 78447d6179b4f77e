package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/procomm/phonebridge/internal/database/models"
	"github.com/procomm/phonebridge/internal/line"
)

func (e *Engine) slot(lineID int) (*slot, error) {
	if !line.ValidLineID(lineID) {
		return nil, fmt.Errorf("line id %d out of range 1-%d: %w", lineID, line.NumLines, ErrInvalidArgument)
	}
	return e.slots[lineID], nil
}

// MakeCall dials destination on the line. It returns once the call request
// has been dispatched; the answer or rejection arrives later.
func (e *Engine) MakeCall(ctx context.Context, lineID int, destination string) error {
	s, err := e.slot(lineID)
	if err != nil {
		return err
	}
	if destination == "" {
		return fmt.Errorf("line %d: empty destination: %w", lineID, ErrInvalidArgument)
	}
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.Registration().Registered {
		return fmt.Errorf("line %d: %w", lineID, ErrNotRegistered)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.line.State(); st != line.StateIdle {
		return fmt.Errorf("line %d is %s: %w", lineID, st, ErrLineBusy)
	}
	if !e.limiter.Allow() {
		return fmt.Errorf("line %d: dial rate exceeded: %w", lineID, ErrSignalingFailure)
	}

	callID := uuid.NewString()
	e.trackCall(callID, lineID)
	if err := e.sig.Dial(ctx, lineID, callID, destination); err != nil {
		e.untrackCall(callID)
		e.logger.Error("dispatching call", "line", lineID, "destination", destination, "error", err)
		return fmt.Errorf("line %d: dispatching call: %v: %w", lineID, err, ErrSignalingFailure)
	}

	s.call = &session{
		callID:    callID,
		direction: line.DirectionOutbound,
		number:    destination,
		startedAt: e.now(),
	}
	if err := s.line.Dial(destination); err != nil {
		// State was checked under the same lock, so this is unreachable
		// unless the line package changes.
		s.call = nil
		e.untrackCall(callID)
		return err
	}
	return nil
}

// Answer picks up the inbound call ringing on the line.
func (e *Engine) Answer(ctx context.Context, lineID int) error {
	s, err := e.slot(lineID)
	if err != nil {
		return err
	}
	if e.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.line.State(); st != line.StateRinging || s.call == nil {
		return fmt.Errorf("line %d is %s, nothing to answer: %w", lineID, st, ErrLineBusy)
	}
	if err := e.sig.Answer(ctx, s.call.callID); err != nil {
		return fmt.Errorf("line %d: answering call: %v: %w", lineID, err, ErrSignalingFailure)
	}
	s.call.answeredAt = e.now()
	return s.line.Answer()
}

// Hangup ends whatever is happening on the line. Hanging up an idle line
// succeeds without doing anything; a line in ERROR is reset.
func (e *Engine) Hangup(ctx context.Context, lineID int) error {
	s, err := e.slot(lineID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.line.State()
	if st == line.StateIdle {
		return nil
	}

	if s.call != nil {
		if err := e.sig.Hangup(ctx, s.call.callID); err != nil {
			e.logger.Warn("termination signaling failed, releasing line anyway",
				"line", lineID, "call_id", s.call.callID, "error", err)
		}
		switch st {
		case line.StateDialing:
			s.call.disposition = models.DispositionCancelled
		case line.StateRinging:
			s.call.disposition = models.DispositionRejected
		}
		s.call.cause = "local hangup"
	}
	return s.line.End()
}

// Reset returns a line in ERROR to IDLE.
func (e *Engine) Reset(lineID int) error {
	s, err := e.slot(lineID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.line.Reset()
}

// SetAudioChannel routes the line to channel 1-8, or unroutes it for 0. The
// call state is never touched.
func (e *Engine) SetAudioChannel(lineID, channel int) error {
	s, err := e.slot(lineID)
	if err != nil {
		return err
	}
	if !line.ValidChannel(channel) {
		return fmt.Errorf("channel %d out of range 0-%d: %w", channel, line.MaxChannel, ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if channel == 0 {
		return e.router.UnrouteLine(lineID)
	}
	displaced, err := e.router.RouteLineToChannel(lineID, channel)
	if err != nil {
		return err
	}
	e.logger.Info("line routed", "line", lineID, "channel", channel, "displaced", displaced)
	return nil
}

// StartTone starts the test tone on channel 1-8, replacing any active tone.
func (e *Engine) StartTone(channel int) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.router.StartContinuousTone(channel)
}

// StopTone stops the test tone if one is running.
func (e *Engine) StopTone() {
	e.router.StopContinuousTone()
}

// GetLine returns a snapshot of one line.
func (e *Engine) GetLine(lineID int) (line.Snapshot, error) {
	s, err := e.slot(lineID)
	if err != nil {
		return line.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.snapshotLocked(s), nil
}

// Lines returns snapshots of all lines in id order.
func (e *Engine) Lines() []line.Snapshot {
	out := make([]line.Snapshot, 0, line.NumLines)
	for id := 1; id <= line.NumLines; id++ {
		snap, _ := e.GetLine(id)
		out = append(out, snap)
	}
	return out
}

func (e *Engine) trackCall(callID string, lineID int) {
	e.callsMu.Lock()
	e.calls[callID] = lineID
	e.callsMu.Unlock()
}

func (e *Engine) untrackCall(callID string) {
	e.callsMu.Lock()
	delete(e.calls, callID)
	e.callsMu.Unlock()
}

func (e *Engine) lineForCall(callID string) (int, bool) {
	e.callsMu.Lock()
	defer e.callsMu.Unlock()
	id, ok := e.calls[callID]
	return id, ok
}

// ActiveCalls returns the number of calls tracked by Call-ID.
func (e *Engine) ActiveCalls() int {
	e.callsMu.Lock()
	defer e.callsMu.Unlock()
	return len(e.calls)
}
