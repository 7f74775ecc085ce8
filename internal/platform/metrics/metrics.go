package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the stream supervisor.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	errorsTotal          prometheus.Counter
	streamsAddedTotal    prometheus.Counter
	streamsRemovedTotal  prometheus.Counter
	workerStartsTotal    prometheus.Counter
	workerRestartsTotal  prometheus.Counter
	launchFailuresTotal  prometheus.Counter
	forcedKillsTotal     prometheus.Counter
	pollErrorsTotal      prometheus.Counter
	cardRendersTotal     prometheus.Counter
	relayBytesTotal      prometheus.Counter
	activeStreams        prometheus.Gauge
	activeRelaySessions  prometheus.Gauge
}

// New creates and registers Prometheus metrics for the supervisor.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}

	m := &Metrics{
		registry:            registry,
		requestsTotal:       counter("relay_requests_total", "Total number of HTTP requests received"),
		errorsTotal:         counter("relay_errors_total", "Total number of HTTP responses with error status (4xx or 5xx)"),
		streamsAddedTotal:   counter("relay_streams_added_total", "Total number of streams added"),
		streamsRemovedTotal: counter("relay_streams_removed_total", "Total number of streams removed"),
		workerStartsTotal:   counter("relay_worker_starts_total", "Total number of successful worker launches"),
		workerRestartsTotal: counter("relay_worker_restarts_total", "Total number of worker restarts"),
		launchFailuresTotal: counter("relay_worker_launch_failures_total", "Total number of failed worker launches"),
		forcedKillsTotal:    counter("relay_worker_forced_kills_total", "Total number of workers killed after the graceful stop timed out"),
		pollErrorsTotal:     counter("relay_poll_errors_total", "Total number of failed metadata poll iterations"),
		cardRendersTotal:    counter("relay_title_card_renders_total", "Total number of title cards rendered"),
		relayBytesTotal:     counter("relay_bytes_total", "Total number of bytes forwarded to viewers"),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_streams",
			Help: "Number of streams currently registered",
		}),
		activeRelaySessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Number of viewer relay sessions currently open",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.streamsAddedTotal,
		m.streamsRemovedTotal,
		m.workerStartsTotal,
		m.workerRestartsTotal,
		m.launchFailuresTotal,
		m.forcedKillsTotal,
		m.pollErrorsTotal,
		m.cardRendersTotal,
		m.relayBytesTotal,
		m.activeStreams,
		m.activeRelaySessions,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncStreamsAdded increments the streams added counter.
func (m *Metrics) IncStreamsAdded() {
	if m == nil {
		return
	}
	m.streamsAddedTotal.Inc()
}

// IncStreamsRemoved increments the streams removed counter.
func (m *Metrics) IncStreamsRemoved() {
	if m == nil {
		return
	}
	m.streamsRemovedTotal.Inc()
}

// IncWorkerStarts increments the successful launch counter.
func (m *Metrics) IncWorkerStarts() {
	if m == nil {
		return
	}
	m.workerStartsTotal.Inc()
}

// IncWorkerRestarts increments the restart counter.
func (m *Metrics) IncWorkerRestarts() {
	if m == nil {
		return
	}
	m.workerRestartsTotal.Inc()
}

// IncLaunchFailures increments the failed launch counter.
func (m *Metrics) IncLaunchFailures() {
	if m == nil {
		return
	}
	m.launchFailuresTotal.Inc()
}

// IncForcedKills increments the forced kill counter.
func (m *Metrics) IncForcedKills() {
	if m == nil {
		return
	}
	m.forcedKillsTotal.Inc()
}

// IncPollErrors increments the poll error counter.
func (m *Metrics) IncPollErrors() {
	if m == nil {
		return
	}
	m.pollErrorsTotal.Inc()
}

// IncCardRenders increments the title card render counter.
func (m *Metrics) IncCardRenders() {
	if m == nil {
		return
	}
	m.cardRendersTotal.Inc()
}

// AddRelayBytes adds n forwarded bytes.
func (m *Metrics) AddRelayBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.relayBytesTotal.Add(float64(n))
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	if m == nil {
		return
	}
	m.activeStreams.Set(float64(n))
}

// RelaySessionOpened increments the open relay session gauge.
func (m *Metrics) RelaySessionOpened() {
	if m == nil {
		return
	}
	m.activeRelaySessions.Inc()
}

// RelaySessionClosed decrements the open relay session gauge.
func (m *Metrics) RelaySessionClosed() {
	if m == nil {
		return
	}
	m.activeRelaySessions.Dec()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active streams).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
