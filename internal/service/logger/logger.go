package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var Log = zerolog.New(os.Stderr).With().Timestamp().Logger()

type ctxKey struct{}

// Init configures the global logger. Logs go to stderr so that commands
// emitting JSON on stdout stay machine readable.
func Init(serviceName string, level string) {
	InitWithWriter(os.Stderr, serviceName, level)
}

func InitWithWriter(w io.Writer, serviceName string, level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	Log = zerolog.New(w).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

func WithContext(ctx context.Context, log zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext returns the logger stored by WithContext, or the global one.
func FromContext(ctx context.Context) *zerolog.Logger {
	if log, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return &log
	}
	return &Log
}
