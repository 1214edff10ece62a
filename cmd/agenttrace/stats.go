package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/agenttrace/agenttrace/pkg/telemetry"
)

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the current pipeline stats snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(addr)
			if err != nil {
				return fmt.Errorf("stats: request %s: %w", addr, err)
			}
			defer func() { _ = resp.Body.Close() }()

			var snapshot telemetry.Stats
			if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
				return fmt.Errorf("stats: decode response: %w", err)
			}

			fmt.Printf("log_size_bytes:            %d\n", snapshot.LogSizeBytes)
			fmt.Printf("log_signature:             %s\n", snapshot.LogSignature)
			fmt.Printf("watcher_offset:            %d\n", snapshot.WatcherOffset)
			fmt.Printf("watcher_carry_bytes:       %d\n", snapshot.WatcherCarryBytes)
			fmt.Printf("watcher_seen_entries:      %d\n", snapshot.WatcherSeenEntries)
			fmt.Printf("watcher_consecutive_errors: %d\n", snapshot.WatcherConsecutiveErrors)
			fmt.Printf("connected_clients:         %d\n", snapshot.ConnectedClients)
			fmt.Printf("queue_depth:               %d\n", snapshot.QueueDepth)
			fmt.Printf("total_batches:             %d\n", snapshot.TotalBatches)
			fmt.Printf("total_events:              %d\n", snapshot.TotalEvents)
			fmt.Printf("total_dropped:             %d\n", snapshot.TotalDropped)
			fmt.Printf("dropped_last_60s:          %d\n", snapshot.DroppedLast60s)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", envOrDefault("AGENTTRACE_STATS_URL", "http://127.0.0.1:8080/api/stats"), "Server stats endpoint URL")
	return cmd
}
