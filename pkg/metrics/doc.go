/*
Package metrics exposes Courier's Prometheus instrumentation and the
component health registry.

Collectors cover the dispatch path (events published, handlers
dispatched, failures, in-flight gauge, publish latency), the plugin
manager (loaded plugins, registered handlers, reload count and
duration), and the marketplace (API requests, install attempts and
duration, downloaded bytes).

The health registry tracks per-component liveness for the /health,
/ready, and /live endpoints; config, event_bus, and plugin_manager are
the readiness-critical components.

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReloadDuration)

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
*/
package metrics
