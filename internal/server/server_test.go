package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	srv, err := New(Config{LogPath: path})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = srv.log.Close() })
	return srv, ts
}

func TestHandleIngestAcceptsValidEvent(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	raw := []byte(`{"v":1,"ts":1700000000,"type":"session","session_id":"s1","state":"start"}`)
	resp, err := http.Post(ts.URL+"/api/event", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var decoded ingestResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !decoded.OK {
		t.Fatalf("response = %+v, want ok", decoded)
	}
}

func TestHandleIngestRejectsInvalidEvent(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	raw := []byte(`{"v":1,"ts":1700000000,"type":"file_touch","session_id":"s1","path":"","kind":"read"}`)
	resp, err := http.Post(ts.URL+"/api/event", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleHistoryAfterIngest(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	raw := []byte(`{"v":1,"ts":1700000000,"type":"session","session_id":"s1","state":"start"}`)
	resp, err := http.Post(ts.URL+"/api/event", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	_ = resp.Body.Close()

	// The historical-read endpoint re-scans the file directly, so it
	// observes ingested events without needing the live watcher running.
	resp, err = http.Get(ts.URL + "/api/events?tail=10")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var decoded struct {
		Events []map[string]any `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(decoded.Events) != 1 {
		t.Fatalf("events = %d, want 1", len(decoded.Events))
	}
}

func TestHandleStatsReturnsSnapshot(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/stats")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
