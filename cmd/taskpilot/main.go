package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"taskpilot/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:           "taskpilot",
		Short:         "Turns comment triggers into rate-limited agent runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), tokenCmd(), hashPasswordCmd())

	if err := root.Execute(); err != nil {
		slog.Error("taskpilot failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
