package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakeSender records delivered batches; the queue invokes Send from each
// session's send goroutine, so access is guarded for the race detector's
// benefit.
type fakeSender struct {
	mu      sync.Mutex
	batches []Batch
}

func (f *fakeSender) Send(batch Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeSender) delivered() []Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Batch(nil), f.batches...)
}

func newTestQueue(t *testing.T) (*Queue, *fakeSender) {
	t.Helper()
	q := NewQueue(QueueConfig{
		BatchWindow: time.Millisecond,
		Debug:       true,
	})
	sender := &fakeSender{}
	q.Connect(sender)
	return q, sender
}

func waitForBatches(t *testing.T, sender *fakeSender, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		total := 0
		for _, b := range sender.delivered() {
			total += len(b.Events)
		}
		if total >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %d batches", n, len(sender.delivered()))
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatalf("WriteString() error = %v", err)
	}
}

func TestWatcherAssignsByteOffsetIDs(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	line1 := `{"v":1,"ts":1700000000,"type":"session","session_id":"s1","state":"start"}`
	line2 := `{"v":1,"ts":1700000001,"type":"session","session_id":"s1","state":"stop"}`
	appendLine(t, path, line1)
	appendLine(t, path, line2)

	q, sender := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	w, err := NewWatcher(WatcherConfig{LogPath: path, Sink: q, Debug: true})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	waitForBatches(t, sender, 2, time.Second)

	var ids []string
	for _, b := range sender.delivered() {
		for _, e := range b.Events {
			ids = append(ids, e.ID())
		}
	}
	want := []string{"file_watcher:0", "file_watcher:" + strconv.Itoa(len(line1)+1)}
	if len(ids) != 2 || ids[0] != want[0] || ids[1] != want[1] {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
}

func TestWatcherSkipsDuplicateOffsetOnRescan(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	appendLine(t, path, `{"v":1,"ts":1700000000,"type":"session","session_id":"s1","state":"start"}`)

	q, sender := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	w, err := NewWatcher(WatcherConfig{LogPath: path, Sink: q, Debug: true})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	// A second scan with no new bytes must not re-emit the same line.
	if err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	waitForBatches(t, sender, 1, time.Second)
	time.Sleep(20 * time.Millisecond)

	total := 0
	for _, b := range sender.delivered() {
		total += len(b.Events)
	}
	if total != 1 {
		t.Fatalf("total events = %d, want 1", total)
	}
}

func TestWatcherHandlesPartialLineAcrossScans(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	q, sender := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	w, err := NewWatcher(WatcherConfig{LogPath: path, Sink: q, Debug: true})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	partial := `{"v":1,"ts":1700000000,"type":"session","session_id":"s1",`
	if _, err := f.WriteString(partial); err != nil {
		t.Fatalf("WriteString() error = %v", err)
	}
	if err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if got := sender.delivered(); len(got) != 0 {
		t.Fatalf("unexpected batch before line completion: %v", got)
	}

	if _, err := f.WriteString(`"state":"start"}` + "\n"); err != nil {
		t.Fatalf("WriteString() error = %v", err)
	}
	_ = f.Close()
	if err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	waitForBatches(t, sender, 1, time.Second)

	// A further complete line lands at the byte offset immediately after
	// the reassembled one, proving the carried bytes were not re-read.
	appendLine(t, path, `{"v":1,"ts":1700000001,"type":"session","session_id":"s1","state":"stop"}`)
	if err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	waitForBatches(t, sender, 2, time.Second)

	firstLen := len(partial) + len(`"state":"start"}`) + 1
	var ids []string
	for _, b := range sender.delivered() {
		for _, e := range b.Events {
			ids = append(ids, e.ID())
		}
	}
	want := []string{"file_watcher:0", "file_watcher:" + strconv.Itoa(firstLen)}
	if len(ids) != 2 || ids[0] != want[0] || ids[1] != want[1] {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
}

func TestSeenSetBoundsMemory(t *testing.T) {
	t.Parallel()

	s := newSeenSet(4)
	for i := 0; i < 100; i++ {
		s.add("file_watcher:" + strconv.Itoa(i))
	}

	if s.len() != 4 {
		t.Fatalf("len() = %d, want 4", s.len())
	}
	if len(s.order) > 2*4 {
		t.Fatalf("order length = %d, want at most twice capacity", len(s.order))
	}
	for i := 96; i < 100; i++ {
		if !s.has("file_watcher:" + strconv.Itoa(i)) {
			t.Fatalf("expected most recent id %d to be retained", i)
		}
	}
}

func TestWatcherSynthesizesResetMarkerOnTruncation(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.jsonl")
	appendLine(t, path, `{"v":1,"ts":1700000000,"type":"session","session_id":"s1","state":"start"}`)
	appendLine(t, path, `{"v":1,"ts":1700000001,"type":"session","session_id":"s1","state":"stop"}`)

	q, sender := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	w, err := NewWatcher(WatcherConfig{LogPath: path, Sink: q, Debug: true})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	waitForBatches(t, sender, 2, time.Second)

	// Truncate to a file strictly shorter than the prior lastOffset, so the
	// rotation check (info.Size() < lastOffset) reliably fires.
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("truncate WriteFile() error = %v", err)
	}
	appendLine(t, path, `{"v":1,"type":"session","ts":2,"session_id":"s","state":"start"}`)
	if err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	waitForBatches(t, sender, 4, time.Second)

	foundReset := false
	for _, b := range sender.delivered() {
		for _, e := range b.Events {
			if unk, ok := e.(UnknownEvent); ok && unk.Reason == "File truncated or rotated" {
				foundReset = true
			}
		}
	}
	if !foundReset {
		t.Fatal("expected a reset marker event after truncation")
	}
}

func TestWatcherRefusesSecondInstanceInProcess(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	q := NewQueue(QueueConfig{})

	w1, err := NewWatcher(WatcherConfig{LogPath: path, Sink: q})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w2, err := NewWatcher(WatcherConfig{LogPath: path, Sink: q})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w1.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	if err := w2.Run(context.Background()); err == nil {
		t.Fatal("expected second Run() to fail while the first is active")
	}

	cancel()
	<-errCh
}
