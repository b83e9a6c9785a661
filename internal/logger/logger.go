package logger

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Setup builds the process logger.
//   - level: log level string (trace, debug, info, warn, error, fatal, panic)
//   - format: "json" for machine output, "pretty" for human-readable console output
//   - out: destination; the candidate CLI passes stderr because stdout is its console
func Setup(level, format string, out io.Writer) zerolog.Logger {
	writer := out
	if format == "pretty" {
		writer = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	return zerolog.New(writer).
		With().
		Timestamp().
		Caller().
		Logger()
}

// ForAttempt scopes a logger to one candidate attempt.
func ForAttempt(log zerolog.Logger, examID, candidateID string) zerolog.Logger {
	return log.With().
		Str("exam_id", examID).
		Str("candidate_id", candidateID).
		Logger()
}
