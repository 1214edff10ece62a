package telemetry

import (
	"path/filepath"
	"testing"
	"time"
)

func TestProberSnapshotCombinesOwners(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.jsonl")
	log, err := OpenAppendLog(path)
	if err != nil {
		t.Fatalf("OpenAppendLog() error = %v", err)
	}
	defer func() { _ = log.Close() }()

	raw := []byte(`{"v":1,"ts":1700000000,"type":"session","session_id":"s1","state":"start"}`)
	result := Ingest(log, raw, func() time.Time { return time.Unix(1700000000, 0) })
	if !result.OK {
		t.Fatalf("Ingest() = %+v, want success", result)
	}

	q := NewQueue(QueueConfig{})
	w, err := NewWatcher(WatcherConfig{LogPath: path, Sink: q})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	prober := NewProber(log, w, q)
	snapshot := prober.Snapshot()
	if snapshot.LogSizeBytes == 0 {
		t.Fatal("expected a non-zero log size after ingest")
	}
	if snapshot.ConnectedClients != 0 {
		t.Fatalf("ConnectedClients = %d, want 0 before any client connects", snapshot.ConnectedClients)
	}
	if snapshot.LogSignature == "" {
		t.Fatal("expected a non-empty log signature after ingest")
	}
}
