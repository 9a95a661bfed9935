package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"thermonode/internal/config"
)

// New builds the process logger. Development builds get coloured tint output
// with source locations; release builds emit JSON for the journal.
func New(cfg config.Config, version, appName, bootID string) *slog.Logger {
	return newLogger(os.Stdout, cfg, version, appName, bootID)
}

func newLogger(w io.Writer, cfg config.Config, version, appName, bootID string) *slog.Logger {
	if version == "dev" {
		h := tint.NewHandler(w, &tint.Options{
			Level:      cfg.LogLevel,
			AddSource:  true,
			TimeFormat: time.Kitchen,
		})
		return slog.New(h).With("app", appName, "boot_id", bootID)
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})
	return slog.New(h).With(
		"app", appName,
		"version", version,
		"env", cfg.AppEnv,
		"boot_id", bootID,
	)
}
