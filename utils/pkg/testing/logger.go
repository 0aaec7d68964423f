package testing

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// NewLogger returns a logger for tests. Output is discarded unless DEBUG is set.
func NewLogger() *slog.Logger {
	if os.Getenv("DEBUG") == "" {
		return slog.New(slog.DiscardHandler)
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelDebug}))
}
