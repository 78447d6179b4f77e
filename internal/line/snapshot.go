package line

import "time"

// Snapshot is an immutable point-in-time copy of a line's observable fields.
type Snapshot struct {
	ID           int           `json:"id"`
	State        State         `json:"state"`
	RemoteNumber string        `json:"remote_number"`
	CallerID     string        `json:"caller_id,omitempty"`
	Direction    Direction     `json:"direction,omitempty"`
	Duration     time.Duration `json:"-"`
	DurationSecs int64         `json:"call_duration"`
	AudioOutput  AudioOutput   `json:"audio_output"`
	StartedAt    *time.Time    `json:"call_start_time,omitempty"`
	Registered   bool          `json:"sip_registered"`
}

// Snapshot copies the line's fields. The audio output and registration flag
// live outside the line and are filled in by the caller.
func (l *Line) Snapshot() Snapshot {
	s := Snapshot{
		ID:           l.id,
		State:        l.state,
		RemoteNumber: l.remoteNumber,
		Direction:    l.direction,
		Duration:     l.CallDuration(),
	}
	s.DurationSecs = int64(s.Duration / time.Second)
	if l.direction == DirectionInbound {
		s.CallerID = l.remoteNumber
	}
	if !l.callStart.IsZero() {
		t := l.callStart
		s.StartedAt = &t
	}
	return s
}
