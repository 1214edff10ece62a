package telemetry

import (
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"
)

// AppendLog is the single append-only byte stream of newline-terminated
// JSON event lines. Byte offsets into this stream are the ground truth the
// watcher uses to mint canonical IDs: the append path never assigns IDs
// and never triggers broadcast itself.
type AppendLog struct {
	path string
	lock *flock.Flock

	mu sync.Mutex
	f  *os.File
}

// OpenAppendLog opens (creating if absent) the append-only log at path.
// A companion "<path>.lock" file serializes append access across any
// number of writer processes sharing the log.
func OpenAppendLog(path string) (*AppendLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open append log %s: %w", path, err)
	}
	return &AppendLog{
		path: path,
		lock: flock.New(path + ".lock"),
		f:    f,
	}, nil
}

// Path returns the underlying file path.
func (l *AppendLog) Path() string { return l.path }

// Append serializes event to its canonical JSON line and atomically appends
// the bytes plus one terminating newline. It is the only path by which
// events enter the pipeline; it never invokes broadcast.
func (l *AppendLog) Append(event Event) error {
	payload, err := MarshalEvent(event)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	if err := l.lock.Lock(); err != nil {
		return fmt.Errorf("telemetry: lock %s: %w", l.path, err)
	}
	defer func() { _ = l.lock.Unlock() }()

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.f.Write(payload); err != nil {
		return fmt.Errorf("telemetry: append %s: %w", l.path, err)
	}
	return nil
}

// Close releases the underlying file handle.
func (l *AppendLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Size returns the current size of the log file, used by the stats probe
// and by readers establishing a starting offset.
func (l *AppendLog) Size() (int64, error) {
	info, err := os.Stat(l.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Signature returns a short identifying tag for the current log file,
// combining its modification time and size, so a stats consumer can tell
// whether the log was rotated or replaced between polls.
func (l *AppendLog) Signature() (string, error) {
	info, err := os.Stat(l.path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%d", info.ModTime().UnixNano(), info.Size()), nil
}
