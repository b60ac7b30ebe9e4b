/*
Package log provides structured logging for Courier built on zerolog.

All components log through the shared global logger configured once at
startup via Init. Child loggers carry stable identifying fields so that
log lines from the dispatch path can be correlated per plugin, handler,
and event type:

	logger := log.WithComponent("plugin_manager")
	logger.Info().Str("plugin", name).Msg("Plugin loaded")

Console output is the default; JSON output is intended for production
deployments where logs are shipped to an aggregator.
*/
package log
