/*
Package log provides structured logging for converge built on zerolog.

A single global logger is initialized once at startup via Init and consumed
through package-level helpers or component-scoped child loggers:

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithComponent("orchestrator")
	logger.Info().Str("resource", id).Msg("applied")

Console output (human-readable, RFC3339 timestamps) is the default; JSON
output is available for machine consumption.
*/
package log
