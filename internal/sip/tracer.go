package sip

import (
	"bytes"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// TraceLevel controls how much of each SIP message is logged.
type TraceLevel int

const (
	TraceOff TraceLevel = iota
	// TraceHeaders logs the start line and headers without the SDP body.
	TraceHeaders
	TraceFull
)

// ParseTraceLevel maps a configured sip-trace value to a level. Unknown
// values turn tracing off.
func ParseTraceLevel(s string) TraceLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "headers":
		return TraceHeaders
	case "full":
		return TraceFull
	default:
		return TraceOff
	}
}

func (l TraceLevel) String() string {
	switch l {
	case TraceHeaders:
		return "headers"
	case TraceFull:
		return "full"
	default:
		return "off"
	}
}

// messageTracer implements sip.SIPTracer, logging every message the
// transport layer reads or writes at debug level.
type messageTracer struct {
	logger *slog.Logger
	level  TraceLevel
}

func newMessageTracer(logger *slog.Logger, level TraceLevel) *messageTracer {
	return &messageTracer{
		logger: logger.With("subsystem", "trace"),
		level:  level,
	}
}

// enableTracing installs the tracer in sipgo's transport layer. sipgo only
// supports one process-wide tracer.
func enableTracing(logger *slog.Logger, level TraceLevel) {
	if level == TraceOff {
		return
	}
	sip.SIPDebug = true
	sip.SIPDebugTracer(newMessageTracer(logger, level))
	logger.Info("sip message tracing enabled", "level", level.String())
}

func (t *messageTracer) SIPTraceRead(transport string, laddr string, raddr string, sipmsg []byte) {
	t.trace("sip recv", transport, laddr, raddr, sipmsg)
}

func (t *messageTracer) SIPTraceWrite(transport string, laddr string, raddr string, sipmsg []byte) {
	t.trace("sip send", transport, laddr, raddr, sipmsg)
}

func (t *messageTracer) trace(msg, transport, laddr, raddr string, sipmsg []byte) {
	if t.level == TraceOff {
		return
	}
	t.logger.Debug(msg,
		"transport", transport,
		"local_addr", laddr,
		"remote_addr", raddr,
		"message", t.format(sipmsg),
	)
}

// format drops the body at TraceHeaders.
func (t *messageTracer) format(sipmsg []byte) string {
	if t.level == TraceFull {
		return string(sipmsg)
	}
	if idx := bytes.Index(sipmsg, []byte("\r\n\r\n")); idx >= 0 {
		return string(sipmsg[:idx])
	}
	return string(sipmsg)
}
