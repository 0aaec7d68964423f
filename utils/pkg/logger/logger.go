package logger

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// New returns a colored slog logger writing to stderr.
// Debug logging is enabled when verbose is true.
func New(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		NoColor:    os.Getenv("NO_COLOR") != "",
	}))
}

// NewDefault installs a logger built by New as the slog default and returns it.
func NewDefault(verbose bool) *slog.Logger {
	log := New(verbose)
	slog.SetDefault(log)
	return log
}
