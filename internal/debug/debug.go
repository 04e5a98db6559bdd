// Package debug provides context-based debug mode with structured logging.
package debug

import (
	"context"
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

type contextKey string

const debugKey contextKey = "debug_enabled"

// WithDebug returns a context with debug mode enabled/disabled.
func WithDebug(ctx context.Context, enabled bool) context.Context {
	return context.WithValue(ctx, debugKey, enabled)
}

// IsEnabled returns true if debug mode is enabled in the context.
func IsEnabled(ctx context.Context) bool {
	if v, ok := ctx.Value(debugKey).(bool); ok {
		return v
	}
	return false
}

// Options configures SetupLogger.
type Options struct {
	// Debug forces slog.LevelDebug.
	Debug bool
	// Level applies when Debug is false.
	Level slog.Level
	// File, when set, receives a JSON copy of every record.
	File string
	// Stderr overrides os.Stderr.
	Stderr io.Writer
}

func (o Options) level() slog.Level {
	if o.Debug {
		return slog.LevelDebug
	}
	return o.Level
}

// SetupLogger builds the process logger, installs it as slog's default and
// returns it with a cleanup func closing the log file. Text goes to stderr;
// with File set, records fan out to a JSON handler on that file as well.
func SetupLogger(opts Options) (*slog.Logger, func() error) {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	level := opts.level()
	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})

	cleanup := func() error { return nil }
	logger := slog.New(stderrHandler)

	if opts.File != "" {
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Error("failed to open log file, using stderr only", "error", err, "file", opts.File)
		} else {
			fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
			logger = slog.New(slogmulti.Fanout(stderrHandler, fileHandler))
			cleanup = file.Close
		}
	}

	slog.SetDefault(logger)
	return logger, cleanup
}
