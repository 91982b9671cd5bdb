/*
Package log provides structured logging for the asset tracker using zerolog.

A single package-level Logger is initialized once at process start with
Init and then shared by every package. Components derive child loggers that
carry their name and the device they act for, so a line can always be traced
back to the session that produced it.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	logger := log.ForDevice("telemetry", "tracker-01")
	logger.Info().Dur("interval", 10*time.Second).Msg("publish interval changed")

Console output (development):

	10:30:00 INF publish interval changed component=telemetry device_id=tracker-01 interval=10000

JSON output (production):

	{"level":"info","component":"telemetry","device_id":"tracker-01","interval":10000,"message":"publish interval changed"}

# Errors and stacks

Fatal faults are wrapped with github.com/pkg/errors before they are logged.
Init installs the pkgerrors stack marshaler, so logging them with

	logger.Error().Stack().Err(err).Msg("telemetry loop stopped")

adds a "stack" field next to the error.

# Levels

Debug is used for per-tick chatter (skipped samples, twin round trips),
Info for lifecycle transitions, Warn for recoverable transport errors and
Error for faults that end the process.
*/
package log
