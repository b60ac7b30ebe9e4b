package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event bus metrics
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_events_published_total",
			Help: "Total number of events published by event type",
		},
		[]string{"event_type"},
	)

	HandlersDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_handlers_dispatched_total",
			Help: "Total number of handler invocations by event type",
		},
		[]string{"event_type"},
	)

	HandlerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_handler_failures_total",
			Help: "Total number of failed handler invocations by event type",
		},
		[]string{"event_type"},
	)

	HandlersInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_handlers_in_flight",
			Help: "Number of handler invocations currently executing",
		},
	)

	PublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_publish_duration_seconds",
			Help:    "Time taken to dispatch an event to all handlers in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Plugin manager metrics
	PluginsLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_plugins_loaded",
			Help: "Number of plugins currently loaded",
		},
	)

	HandlersRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_handlers_registered",
			Help: "Number of handlers currently registered",
		},
	)

	ReloadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_reloads_total",
			Help: "Total number of plugin manager reloads",
		},
	)

	ReloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_reload_duration_seconds",
			Help:    "Time taken for a plugin manager reload in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Marketplace metrics
	MarketplaceRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_marketplace_requests_total",
			Help: "Total number of marketplace API requests by operation and status",
		},
		[]string{"operation", "status"},
	)

	InstallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_plugin_installs_total",
			Help: "Total number of plugin install attempts by status",
		},
		[]string{"status"},
	)

	InstallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_plugin_install_duration_seconds",
			Help:    "Time taken for a plugin install in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	DownloadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_plugin_download_bytes_total",
			Help: "Total number of bytes downloaded from the marketplace",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(HandlersDispatchedTotal)
	prometheus.MustRegister(HandlerFailuresTotal)
	prometheus.MustRegister(HandlersInFlight)
	prometheus.MustRegister(PublishDuration)
	prometheus.MustRegister(PluginsLoaded)
	prometheus.MustRegister(HandlersRegistered)
	prometheus.MustRegister(ReloadsTotal)
	prometheus.MustRegister(ReloadDuration)
	prometheus.MustRegister(MarketplaceRequestsTotal)
	prometheus.MustRegister(InstallsTotal)
	prometheus.MustRegister(InstallDuration)
	prometheus.MustRegister(DownloadBytesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
