package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agenttrace/agenttrace/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	var logPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingest/tail/broadcast HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(opts.LogLevel)

			srv, err := server.New(server.Config{
				Addr:    addr,
				LogPath: logPath,
				Logger:  logger,
				Debug:   debug,
			})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			ctx, cancel := signalContext()
			defer cancel()

			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", envOrDefault("AGENTTRACE_ADDR", ":8080"), "HTTP listen address")
	cmd.Flags().StringVar(&logPath, "log-path", envOrDefault("AGENTTRACE_LOG_PATH", "agenttrace-events.jsonl"), "Path to the append-only event log")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable ordering/state invariant assertions (halt instead of silently resetting)")
	return cmd
}
