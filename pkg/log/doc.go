/*
Package log provides structured logging for LedgerLink using zerolog.

The package wraps a single global zerolog.Logger, initialised once by the CLI
via log.Init, and hands out component-scoped child loggers. Console output is
the default; JSON output is enabled with --log-json for log shippers.

# Component Loggers

	log.WithComponent("queue")              component=queue
	log.WithProvider("adapter", "pos")      component=adapter provider=pos
	log.WithJobID("4f0c...")                job_id=4f0c...
	log.WithCycleID("c-7b1e...")            component=agent cycle_id=c-7b1e...

Packages that are constructed many times in tests (queue, worker pool, agent)
accept a zerolog.Logger in their constructor options and fall back to a
component logger when none is supplied.

# Levels

debug, info, warn and error map to the zerolog levels of the same name; any
other value falls back to info.

# Example

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("replay")
	logger.Info().Int("batch", 2).Int("jobs", 50).Msg("replay batch re-armed")
*/
package log
