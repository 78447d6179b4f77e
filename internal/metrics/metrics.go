// Package metrics exposes bridge state to Prometheus.
package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/procomm/phonebridge/internal/engine"
	"github.com/procomm/phonebridge/internal/line"
)

// EngineProvider exposes the engine state read at scrape time.
type EngineProvider interface {
	Lines() []line.Snapshot
	Health() engine.Health
	CallTotals() []engine.CallTotal
}

// ForwardCounter returns the number of line packets written to channels
// and the number dropped while the test tone held their channel.
type ForwardCounter interface {
	Forwarded() uint64
	Preempted() uint64
}

// CallLogCounter returns logged call counts grouped by disposition.
type CallLogCounter interface {
	CountByDisposition(ctx context.Context) (map[string]int64, error)
}

var lineStates = []line.State{
	line.StateIdle,
	line.StateDialing,
	line.StateRinging,
	line.StateConnected,
	line.StateError,
}

// Collector is a prometheus.Collector that gathers bridge metrics at scrape time.
type Collector struct {
	engine    EngineProvider
	audio     ForwardCounter
	callLog   CallLogCounter
	logger    *slog.Logger
	startTime time.Time

	lineStateDesc     *prometheus.Desc
	lineChannelDesc   *prometheus.Desc
	registeredDesc    *prometheus.Desc
	retryAttemptDesc  *prometheus.Desc
	toneActiveDesc    *prometheus.Desc
	activeCallsDesc   *prometheus.Desc
	subscribersDesc   *prometheus.Desc
	droppedEventsDesc *prometheus.Desc
	callsTotalDesc    *prometheus.Desc
	callLogDesc       *prometheus.Desc
	forwardedDesc     *prometheus.Desc
	preemptedDesc     *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. audio and callLog may be
// nil if unavailable.
func NewCollector(eng EngineProvider, audio ForwardCounter, callLog CallLogCounter, logger *slog.Logger, startTime time.Time) *Collector {
	return &Collector{
		engine:    eng,
		audio:     audio,
		callLog:   callLog,
		logger:    logger.With("subsystem", "metrics"),
		startTime: startTime,

		lineStateDesc: prometheus.NewDesc(
			"phonebridge_line_state",
			"Line call state (1 for the current state, 0 otherwise)",
			[]string{"line", "state"}, nil,
		),
		lineChannelDesc: prometheus.NewDesc(
			"phonebridge_line_audio_channel",
			"Physical channel the line is routed to (0 when unrouted)",
			[]string{"line"}, nil,
		),
		registeredDesc: prometheus.NewDesc(
			"phonebridge_sip_registered",
			"Whether the last registration or keepalive exchange succeeded",
			nil, nil,
		),
		retryAttemptDesc: prometheus.NewDesc(
			"phonebridge_sip_retry_attempt",
			"Consecutive failed registration attempts",
			nil, nil,
		),
		toneActiveDesc: prometheus.NewDesc(
			"phonebridge_tone_active",
			"Test tone state by channel (1 while playing)",
			[]string{"channel"}, nil,
		),
		activeCallsDesc: prometheus.NewDesc(
			"phonebridge_active_calls",
			"Number of calls in progress across all lines",
			nil, nil,
		),
		subscribersDesc: prometheus.NewDesc(
			"phonebridge_event_subscribers",
			"Number of event subscribers",
			nil, nil,
		),
		droppedEventsDesc: prometheus.NewDesc(
			"phonebridge_events_dropped_total",
			"Events dropped because a subscriber queue was full",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"phonebridge_calls_total",
			"Calls finished since startup by disposition",
			[]string{"disposition"}, nil,
		),
		callLogDesc: prometheus.NewDesc(
			"phonebridge_call_log_records",
			"Records in the persistent call log by disposition",
			[]string{"disposition"}, nil,
		),
		forwardedDesc: prometheus.NewDesc(
			"phonebridge_audio_packets_forwarded_total",
			"Line packets written to physical channel outputs",
			nil, nil,
		),
		preemptedDesc: prometheus.NewDesc(
			"phonebridge_audio_packets_preempted_total",
			"Line packets dropped because the test tone held their channel",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"phonebridge_uptime_seconds",
			"Seconds since the bridge process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.lineStateDesc
	ch <- c.lineChannelDesc
	ch <- c.registeredDesc
	ch <- c.retryAttemptDesc
	ch <- c.toneActiveDesc
	ch <- c.activeCallsDesc
	ch <- c.subscribersDesc
	ch <- c.droppedEventsDesc
	ch <- c.callsTotalDesc
	ch <- c.callLogDesc
	ch <- c.forwardedDesc
	ch <- c.preemptedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, snap := range c.engine.Lines() {
		id := strconv.Itoa(snap.ID)
		for _, st := range lineStates {
			val := 0.0
			if snap.State == st {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.lineStateDesc, prometheus.GaugeValue, val,
				id, string(st),
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.lineChannelDesc, prometheus.GaugeValue,
			float64(snap.AudioOutput.Channel), id,
		)
	}

	h := c.engine.Health()
	ch <- prometheus.MustNewConstMetric(c.registeredDesc, prometheus.GaugeValue, boolValue(h.Registration.Registered))
	ch <- prometheus.MustNewConstMetric(c.retryAttemptDesc, prometheus.GaugeValue, float64(h.Registration.RetryAttempt))
	for channel := 1; channel <= line.MaxChannel; channel++ {
		ch <- prometheus.MustNewConstMetric(
			c.toneActiveDesc, prometheus.GaugeValue,
			boolValue(h.ToneChannel == channel), strconv.Itoa(channel),
		)
	}
	ch <- prometheus.MustNewConstMetric(c.activeCallsDesc, prometheus.GaugeValue, float64(h.ActiveCalls))
	ch <- prometheus.MustNewConstMetric(c.subscribersDesc, prometheus.GaugeValue, float64(h.Subscribers))
	ch <- prometheus.MustNewConstMetric(c.droppedEventsDesc, prometheus.CounterValue, float64(h.DroppedEvents))

	for _, total := range c.engine.CallTotals() {
		ch <- prometheus.MustNewConstMetric(
			c.callsTotalDesc, prometheus.CounterValue,
			float64(total.Count), total.Disposition,
		)
	}

	if c.callLog != nil {
		counts, err := c.callLog.CountByDisposition(ctx)
		if err != nil {
			c.logger.Error("failed to count call log records", "error", err)
		} else {
			for disposition, n := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.callLogDesc, prometheus.GaugeValue,
					float64(n), disposition,
				)
			}
		}
	}

	if c.audio != nil {
		ch <- prometheus.MustNewConstMetric(
			c.forwardedDesc, prometheus.CounterValue,
			float64(c.audio.Forwarded()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.preemptedDesc, prometheus.CounterValue,
			float64(c.audio.Preempted()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
