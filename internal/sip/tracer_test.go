package sip

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseTraceLevel(t *testing.T) {
	tests := []struct {
		in   string
		want TraceLevel
	}{
		{"", TraceOff},
		{"off", TraceOff},
		{"headers", TraceHeaders},
		{" FULL ", TraceFull},
		{"bogus", TraceOff},
	}
	for _, tt := range tests {
		if got := ParseTraceLevel(tt.in); got != tt.want {
			t.Errorf("ParseTraceLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

const tracedInvite = "INVITE sip:line1@192.0.2.10 SIP/2.0\r\nCall-ID: abc\r\n\r\nv=0\r\n"

func TestMessageTracerHeaders(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	tr := newMessageTracer(logger, TraceHeaders)
	tr.SIPTraceRead("udp", "192.0.2.10:5060", "198.51.100.7:5060", []byte(tracedInvite))

	out := buf.String()
	if !strings.Contains(out, "sip recv") || !strings.Contains(out, "Call-ID: abc") {
		t.Errorf("trace output missing message: %s", out)
	}
	if strings.Contains(out, "v=0") {
		t.Errorf("headers trace included the body: %s", out)
	}
}

func TestMessageTracerFull(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	tr := newMessageTracer(logger, TraceFull)
	tr.SIPTraceWrite("udp", "192.0.2.10:5060", "198.51.100.7:5060", []byte(tracedInvite))

	out := buf.String()
	if !strings.Contains(out, "sip send") || !strings.Contains(out, "v=0") {
		t.Errorf("full trace missing body: %s", out)
	}
}

func TestMessageTracerOff(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	tr := newMessageTracer(logger, TraceOff)
	tr.SIPTraceRead("udp", "a", "b", []byte(tracedInvite))
	if buf.Len() != 0 {
		t.Errorf("tracing off still logged: %s", buf.String())
	}
}
