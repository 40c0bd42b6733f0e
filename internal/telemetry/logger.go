package telemetry

import (
	"fmt"
	"log/slog"
	"os"
)

// SetupLogger installs a JSON slog handler at the given level as the default logger.
func SetupLogger(level string) error {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return fmt.Errorf("parse log level %q: %w", level, err)
		}
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
	return nil
}
