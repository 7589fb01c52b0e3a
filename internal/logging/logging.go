package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the process logger.
type Options struct {
	Level  string
	Pretty bool
	Output io.Writer
}

// Logger writes structured key/value log lines.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger creates a Logger at info level writing JSON to stdout.
func NewLogger() *Logger {
	return New(Options{Level: "info"})
}

// New creates a Logger from opts.
func New(opts Options) *Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	return &Logger{zl: zerolog.New(out).Level(level).With().Timestamp().Logger()}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// With returns a child logger that always carries keyvals.
func (l *Logger) With(keyvals ...any) *Logger {
	return &Logger{zl: l.zl.With().Fields(keyvals).Logger()}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, keyvals ...any) {
	l.zl.Debug().Fields(keyvals).Msg(msg)
}

// Info logs an informational message.
func (l *Logger) Info(msg string, keyvals ...any) {
	l.zl.Info().Fields(keyvals).Msg(msg)
}

// Warn logs a warning.
func (l *Logger) Warn(msg string, keyvals ...any) {
	l.zl.Warn().Fields(keyvals).Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(msg string, keyvals ...any) {
	l.zl.Error().Fields(keyvals).Msg(msg)
}
