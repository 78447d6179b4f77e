package engine

import "github.com/procomm/phonebridge/internal/line"

// Health summarizes the engine for operators.
type Health struct {
	Registration   Registration `json:"registration"`
	ToneActive     bool         `json:"tone_active"`
	ToneChannel    int          `json:"tone_channel"`
	RouterRunning  bool         `json:"router_running"`
	LinesInService int          `json:"lines_in_service"`
	ActiveCalls    int          `json:"active_calls"`
	Subscribers    int          `json:"subscribers"`
	DroppedEvents  uint64       `json:"dropped_events"`
}

// Health returns the current health summary. LinesInService counts lines
// not in ERROR.
func (e *Engine) Health() Health {
	h := Health{
		Registration:  e.Registration(),
		ToneChannel:   e.router.ToneChannel(),
		RouterRunning: e.router.IsRunning(),
		ActiveCalls:   e.ActiveCalls(),
		Subscribers:   e.notifier.SubscriberCount(),
		DroppedEvents: e.notifier.Dropped(),
	}
	h.ToneActive = h.ToneChannel != 0

	for id := 1; id <= line.NumLines; id++ {
		s := e.slots[id]
		s.mu.Lock()
		if s.line.State() != line.StateError {
			h.LinesInService++
		}
		s.mu.Unlock()
	}
	return h
}

// Healthy reports whether the engine can place calls.
func (h Health) Healthy() bool {
	return h.Registration.Registered && h.RouterRunning
}
