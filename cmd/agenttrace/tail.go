package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

type tailBatch struct {
	Type   string           `json:"type"`
	Events []map[string]any `json:"events"`
}

func newTailCmd(opts *rootOptions) *cobra.Command {
	var addr string
	var jsonMode bool

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream live events from a running server over /ws",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd.OutOrStdout(), addr, jsonMode)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", envOrDefault("AGENTTRACE_WS_ADDR", "ws://127.0.0.1:8080/ws"), "Server websocket address")
	cmd.Flags().BoolVar(&jsonMode, "json", false, "emit raw JSONL batches instead of the pretty renderer")
	return cmd
}

func runTail(stdout io.Writer, addr string, jsonMode bool) error {
	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("tail: invalid address %q: %w", addr, err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("tail: connect %s: %w", u.String(), err)
	}
	defer func() { _ = conn.Close() }()

	recent := make([]string, 0, 30)
	for {
		var batch tailBatch
		if err := conn.ReadJSON(&batch); err != nil {
			return fmt.Errorf("tail: connection closed: %w", err)
		}

		if jsonMode {
			enc := json.NewEncoder(stdout)
			if err := enc.Encode(batch); err != nil {
				return err
			}
			continue
		}

		for _, event := range batch.Events {
			recent = appendRecent(recent, formatTailEvent(event), 30)
		}
		if err := renderTail(stdout, recent); err != nil {
			return err
		}
	}
}

func formatTailEvent(event map[string]any) string {
	kind, _ := event["type"].(string)
	session, _ := event["session_id"].(string)
	ts, _ := event["ts"].(float64)
	when := time.Unix(int64(ts), 0).UTC().Format(time.RFC3339)
	return fmt.Sprintf("%s  %-12s session=%s", when, kind, session)
}

func appendRecent(recent []string, line string, max int) []string {
	recent = append(recent, line)
	if len(recent) > max {
		recent = recent[len(recent)-max:]
	}
	return recent
}

func renderTail(stdout io.Writer, recent []string) error {
	lines := make([]string, 0, len(recent)+2)
	lines = append(lines, "\033[H\033[2J")
	lines = append(lines, fmt.Sprintf("agenttrace tail  %s", time.Now().UTC().Format(time.RFC3339)))
	lines = append(lines, recent...)
	_, err := fmt.Fprintln(stdout, strings.Join(lines, "\n"))
	return err
}
