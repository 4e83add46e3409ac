/*
Package log provides structured logging for portage using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all portage packages
  - Thread-safe concurrent writes

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithBucket: Add bucket ID context
  - WithEntryID: Add queue entry ID context
  - WithWorkerID: Add copy worker ID context

# Usage

Initializing the Logger:

	import "github.com/cuemby/portage/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component Loggers:

	schedulerLog := log.WithComponent("scheduler")
	schedulerLog.Info().Msg("starting claim loop")

	bucketLog := log.WithBucket(42)
	bucketLog.Info().Int64("entry_id", 7).Msg("claimed file")

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err()

Don't:
  - Log sensitive data (destination credentials, if ever added)
  - Use Debug level in production
  - Log in tight loops (use sampling)
  - Concatenate strings (use .Str, .Int)

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
*/
package log
