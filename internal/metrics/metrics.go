package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives counters from the tracker and the Discord adapter.
type Recorder interface {
	IncEventsReceived()
	IncEventsDropped()
	IncSessionsClosed()
	IncAppendRetries()
	IncAppendFailures()
	AddOpenSessions(delta int)
}

type promRecorder struct {
	eventsReceived prometheus.Counter
	eventsDropped  prometheus.Counter
	sessionsClosed prometheus.Counter
	appendRetries  prometheus.Counter
	appendFailures prometheus.Counter
	openSessions   prometheus.Gauge
}

// NewRecorder registers the voicestats collectors on the default registry.
func NewRecorder() Recorder {
	return &promRecorder{
		eventsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicestats_events_received_total",
			Help: "Presence events accepted from the gateway.",
		}),
		eventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicestats_events_dropped_total",
			Help: "Gateway payloads dropped as malformed.",
		}),
		sessionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicestats_sessions_closed_total",
			Help: "Voice sessions closed and handed to the store.",
		}),
		appendRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicestats_store_append_retries_total",
			Help: "Retried store appends.",
		}),
		appendFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicestats_store_append_failures_total",
			Help: "Store appends abandoned after exhausting retries.",
		}),
		openSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voicestats_open_sessions",
			Help: "Currently open voice sessions.",
		}),
	}
}

func (r *promRecorder) IncEventsReceived() { r.eventsReceived.Inc() }
func (r *promRecorder) IncEventsDropped()  { r.eventsDropped.Inc() }
func (r *promRecorder) IncSessionsClosed() { r.sessionsClosed.Inc() }
func (r *promRecorder) IncAppendRetries()  { r.appendRetries.Inc() }
func (r *promRecorder) IncAppendFailures() { r.appendFailures.Inc() }
func (r *promRecorder) AddOpenSessions(delta int) {
	r.openSessions.Add(float64(delta))
}

type noopRecorder struct{}

// Noop returns a Recorder that discards everything, used when metrics are
// disabled.
func Noop() Recorder {
	return noopRecorder{}
}

func (noopRecorder) IncEventsReceived()        {}
func (noopRecorder) IncEventsDropped()         {}
func (noopRecorder) IncSessionsClosed()        {}
func (noopRecorder) IncAppendRetries()         {}
func (noopRecorder) IncAppendFailures()        {}
func (noopRecorder) AddOpenSessions(delta int) {}
