// Package metrics provides Prometheus instrumentation for the sync layer. It
// exposes a gauge for the channel state, counters for inbound events and
// refetches, and a histogram for refetch latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ChannelState is the current channel state: 0 disconnected, 1 connecting,
	// 2 connected, 3 authenticated.
	ChannelState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livesync_channel_state",
		Help: "Current realtime channel state (0=disconnected 1=connecting 2=connected 3=authenticated)",
	})

	// ChannelErrors counts channel failures, labeled by kind.
	ChannelErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livesync_channel_errors_total",
		Help: "Total number of channel failures",
	}, []string{"kind"}) // kind = "auth_missing", "transport_error", "auth_rejected"

	// EventsTotal counts frames, labeled by direction and event name.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livesync_events_total",
		Help: "Total number of realtime events",
	}, []string{"direction", "event"}) // direction = "in", "out", "dropped"

	// RoomsJoined tracks the number of rooms currently joined.
	RoomsJoined = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livesync_rooms_joined",
		Help: "Current number of joined conversation rooms",
	})

	// RefetchesTotal counts REST refetches, labeled by target and result.
	RefetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livesync_refetches_total",
		Help: "Total number of REST refetches triggered by realtime events",
	}, []string{"target", "result"}) // result = "ok", "error", "stale"

	// CoalescedEvents counts notifications absorbed by a pending debounce.
	CoalescedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livesync_coalesced_events_total",
		Help: "Total number of list notifications collapsed into an already pending refetch",
	})

	// RefetchLatency records REST refetch latency in seconds.
	RefetchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "livesync_refetch_latency_seconds",
		Help:    "REST refetch latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// NoticesTotal counts user-visible notices, labeled by kind.
	NoticesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livesync_notices_total",
		Help: "Total number of user-visible notices",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		ChannelState,
		ChannelErrors,
		EventsTotal,
		RoomsJoined,
		RefetchesTotal,
		CoalescedEvents,
		RefetchLatency,
		NoticesTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
