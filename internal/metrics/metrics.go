// Package metrics provides Prometheus instrumentation for the FIXT session
// engine: gauges for live sessions, counters for message and rejection
// volume, and a histogram for gap-recovery size.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsEstablished tracks the current number of connections in the
	// Established session state.
	SessionsEstablished = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fixtgw_sessions_established",
		Help: "Current number of connections in the Established session state",
	})

	// MessagesTotal counts processed messages, labeled by direction: "sent"
	// or "received".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fixtgw_messages_total",
		Help: "Total number of session-layer messages processed",
	}, []string{"direction"})

	// RejectsTotal counts rejection messages emitted, labeled by kind:
	// "session" for Reject, "business" for BusinessMessageReject.
	RejectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fixtgw_rejects_total",
		Help: "Total number of Reject/BusinessMessageReject messages emitted",
	}, []string{"kind"})

	// ConnectionsTerminatedTotal counts connection terminations, labeled by
	// ConnectionTerminatedReason.
	ConnectionsTerminatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fixtgw_connections_terminated_total",
		Help: "Total number of connection terminations",
	}, []string{"reason"})

	// GapFillSize records how many sequence numbers a SequenceReset-GapFill
	// covered, for visibility into resend volume.
	GapFillSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fixtgw_gap_fill_size",
		Help:    "Number of sequence numbers covered by an emitted SequenceReset-GapFill",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 500},
	})

	// TimeoutsFiredTotal counts timer-wheel firings, labeled by timeout type
	// (OutboundHeartbeat, InboundTestRequest, Logout, ContinueLogout, HangUp).
	TimeoutsFiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fixtgw_timeouts_fired_total",
		Help: "Total number of timer wheel firings, by timeout type",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		SessionsEstablished,
		MessagesTotal,
		RejectsTotal,
		ConnectionsTerminatedTotal,
		GapFillSize,
		TimeoutsFiredTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler, for a caller that
// wants to expose /metrics alongside the engine.
func Handler() http.Handler {
	return promhttp.Handler()
}
