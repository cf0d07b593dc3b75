package cmd

import (
	"log/slog"
	"os"
)

// ProvideLogger builds the process-wide structured logger. JSON to
// stdout so the log shipper stays dumb.
func ProvideLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})).With(slog.String("service", ServiceName))
	slog.SetDefault(logger)
	return logger
}
