package models

import "time"

// Call dispositions.
const (
	DispositionAnswered  = "answered"
	DispositionCancelled = "cancelled"
	DispositionRejected  = "rejected"
	DispositionMissed    = "missed"
	DispositionFailed    = "failed"
)

// CallRecord is one finished call session on a bridge line.
type CallRecord struct {
	ID           int64      `json:"id"`
	CallID       string     `json:"call_id"`
	LineID       int        `json:"line_id"`
	Direction    string     `json:"direction"` // "inbound" | "outbound"
	RemoteNumber string     `json:"remote_number"`
	AudioChannel int        `json:"audio_channel"`
	StartTime    time.Time  `json:"start_time"`
	AnswerTime   *time.Time `json:"answer_time,omitempty"`
	EndTime      time.Time  `json:"end_time"`
	Duration     int        `json:"duration"` // seconds connected
	Disposition  string     `json:"disposition"`
	HangupCause  string     `json:"hangup_cause,omitempty"`
}
