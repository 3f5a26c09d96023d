package logreport

import (
	"time"

	"github.com/rs/zerolog"
)

// Hook feeds every emitted log line into a report buffer so the reporting
// agent sees the same stream the operator does. Implements zerolog.Hook.
type Hook struct {
	buffer *Buffer
}

// NewHook wraps a buffer for attachment via zerolog's Logger.Hook.
func NewHook(buffer *Buffer) *Hook {
	return &Hook{buffer: buffer}
}

// Run captures the log line. Fields attached to the event are not
// recoverable from the hook interface; level and message are.
func (h *Hook) Run(e *zerolog.Event, level zerolog.Level, message string) {
	if message == "" {
		return
	}
	h.buffer.Add(Record{
		Timestamp: time.Now().UTC(),
		Level:     severityFromZerolog(level),
		Message:   message,
	})
}

func severityFromZerolog(level zerolog.Level) Severity {
	switch level {
	case zerolog.TraceLevel:
		return SeverityTrace
	case zerolog.DebugLevel:
		return SeverityDebug
	case zerolog.InfoLevel:
		return SeverityInformation
	case zerolog.WarnLevel:
		return SeverityWarning
	case zerolog.ErrorLevel:
		return SeverityError
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return SeverityCritical
	default:
		return SeverityInformation
	}
}
