package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	TraceLevel Level = "trace"
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func parseLevel(l Level) zerolog.Level {
	switch l {
	case TraceLevel:
		return zerolog.TraceLevel
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTenant creates a child logger with tenant field
func WithTenant(tenant string) zerolog.Logger {
	return Logger.With().Str("tenant", tenant).Logger()
}

// RequestScope describes the fields attached to every log line emitted
// while handling a single HTTP request.
type RequestScope struct {
	CorrelationID string
	Tenant        string
	RouteBase     string
	RouteTemplate string
	TraceID       string
	SpanID        string
}

// WithRequest creates a child logger carrying the request scope fields.
// Empty fields are omitted.
func WithRequest(scope RequestScope) zerolog.Logger {
	ctx := Logger.With()
	if scope.CorrelationID != "" {
		ctx = ctx.Str("correlation_id", scope.CorrelationID)
	}
	if scope.Tenant != "" {
		ctx = ctx.Str("tenant", scope.Tenant)
	}
	if scope.RouteBase != "" {
		ctx = ctx.Str("route_base", scope.RouteBase)
	}
	if scope.RouteTemplate != "" {
		ctx = ctx.Str("route_template", scope.RouteTemplate)
	}
	if scope.TraceID != "" {
		ctx = ctx.Str("trace_id", scope.TraceID)
	}
	if scope.SpanID != "" {
		ctx = ctx.Str("span_id", scope.SpanID)
	}
	return ctx.Logger()
}

// Category-level overrides let operators raise verbosity for a single log
// category at runtime without touching the global level.
var (
	overrideMu sync.RWMutex
	overrides  = map[string]zerolog.Level{}
)

// SetCategoryLevel sets a runtime level override for a category.
func SetCategoryLevel(category string, level Level) {
	overrideMu.Lock()
	defer overrideMu.Unlock()
	overrides[strings.ToLower(category)] = parseLevel(level)
}

// ClearCategoryLevel removes a runtime override for a category.
func ClearCategoryLevel(category string) {
	overrideMu.Lock()
	defer overrideMu.Unlock()
	delete(overrides, strings.ToLower(category))
}

// CategoryEnabled reports whether the given level is enabled for a category,
// honoring runtime overrides before the global level.
func CategoryEnabled(category string, level Level) bool {
	want := parseLevel(level)
	overrideMu.RLock()
	override, ok := overrides[strings.ToLower(category)]
	overrideMu.RUnlock()
	if ok {
		return want >= override
	}
	return want >= zerolog.GlobalLevel()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
