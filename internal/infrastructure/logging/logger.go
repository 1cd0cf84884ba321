package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/nerrad567/devserver/internal/infrastructure/config"
)

// serviceName is attached to every record.
const serviceName = "devserver"

// MaxTrace is the highest trace verbosity.
const MaxTrace = 5

// Logger is a slog.Logger whose level can be changed while the server
// runs. Loggers derived with With share the level of their parent.
type Logger struct {
	*slog.Logger
	lv *levelState
}

// levelState is the level shared by a logger tree. trace remembers the
// verbosity asked for, since 3..5 all log at debug.
type levelState struct {
	level slog.LevelVar
	trace atomic.Int32
}

// New creates a logger writing to cfg.Output (stdout unless "stderr").
func New(cfg config.LoggingConfig, version string) *Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}
	return newWithWriter(out, cfg, version)
}

func newWithWriter(w io.Writer, cfg config.LoggingConfig, version string) *Logger {
	lv := &levelState{}
	lv.level.Set(parseLevel(cfg.Level))
	lv.trace.Store(int32(traceFor(lv.level.Level())))

	opts := &slog.HandlerOptions{Level: &lv.level}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}

	base := slog.New(h).With("service", serviceName, "version", version)
	return &Logger{Logger: base, lv: lv}
}

// parseLevel maps a level name onto slog; unknown names are info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LevelForTrace maps the 0..5 command line trace verbosity onto a level
// name understood by New: 0 error, 1 warn, 2 info, 3 and above debug.
func LevelForTrace(trace int) string {
	switch {
	case trace <= 0:
		return "error"
	case trace == 1:
		return "warn"
	case trace == 2:
		return "info"
	default:
		return "debug"
	}
}

func traceFor(l slog.Level) int {
	switch {
	case l >= slog.LevelError:
		return 0
	case l >= slog.LevelWarn:
		return 1
	case l >= slog.LevelInfo:
		return 2
	default:
		return 3
	}
}

// Trace returns the current trace verbosity.
func (l *Logger) Trace() int {
	return int(l.lv.trace.Load())
}

// SetTrace changes the verbosity of l and every logger sharing its level.
// Values are clamped to 0..MaxTrace.
func (l *Logger) SetTrace(trace int) {
	trace = max(0, min(trace, MaxTrace))
	l.lv.level.Set(parseLevel(LevelForTrace(trace)))
	l.lv.trace.Store(int32(trace))
}

// With returns a logger with extra default attributes and the same level.
//
//	pollLogger := logger.With("component", "polling")
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), lv: l.lv}
}

// Default creates a logger for use before configuration is loaded: JSON
// on stdout at info.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json"}, "dev")
}

// Discard returns a logger that drops every record. Used by tests.
func Discard() *Logger {
	return newWithWriter(io.Discard, config.LoggingConfig{Level: "error"}, "test")
}
