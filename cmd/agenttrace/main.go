package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	LogLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "agenttrace",
		Short: "Agent telemetry ingest-tail-broadcast pipeline",
	}
	cmd.SilenceUsage = true
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", envOrDefault("AGENTTRACE_LOG_LEVEL", "info"), "Log level: debug|info|warn|error")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newTailCmd(opts))
	cmd.AddCommand(newStatsCmd(opts))

	return cmd
}

func newLogger(level string) *slog.Logger {
	logLevel := new(slog.LevelVar)
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "warn":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		logLevel.Set(slog.LevelInfo)
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	return slog.New(handler)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
