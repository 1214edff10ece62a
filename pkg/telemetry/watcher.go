package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
)

const (
	// DefaultSeenCapacity bounds the offset-dedup set, sized at twice the
	// fan-out queue's soft cap so it comfortably outlives anything still
	// in flight.
	DefaultSeenCapacity = 2 * DefaultQueueSoftCap
	// DefaultConsecutiveErrorThreshold is the number of consecutive I/O
	// failures after which the watcher performs a full state reset.
	DefaultConsecutiveErrorThreshold = 10
	// DefaultReinitDelay is the pause before resuming scans after a full
	// error-triggered reset.
	DefaultReinitDelay = 250 * time.Millisecond
	// DefaultCreationPollInterval is how often the watcher checks for the
	// append log's existence before it has been created.
	DefaultCreationPollInterval = 100 * time.Millisecond
	// DefaultFallbackScanInterval is a backstop tick that re-triggers a
	// scan even if an fsnotify event was missed; it supplements, and never
	// substitutes for, change-signal-driven tailing.
	DefaultFallbackScanInterval = 2 * time.Second
)

var watcherActive atomic.Bool

// watcherSource is the canonical ID prefix for watcher-minted IDs.
const watcherSource = "file_watcher"

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	LogPath string
	Sink    *Queue
	Logger  *slog.Logger

	// Now, if set, overrides time.Now for validation and testing.
	Now func() time.Time

	// Debug enables the ordering and carry invariant assertions as hard
	// failures (panics) instead of silent resets. Leave false in production.
	Debug bool

	SeenCapacity              int
	ConsecutiveErrorThreshold int
	ReinitDelay               time.Duration
	CreationPollInterval      time.Duration
	FallbackScanInterval      time.Duration
}

// Watcher tails the append log, assigns canonical IDs by byte offset, and
// enqueues decoded events into a Queue in ascending offset order. Exactly
// one Watcher may run per process; a second Run call fails loudly rather
// than silently racing the first over lastOffset/carry.
type Watcher struct {
	path   string
	sink   *Queue
	logger *slog.Logger
	now    func() time.Time
	debug  bool

	seenCap      int
	errThreshold int
	reinitDelay  time.Duration
	createPoll   time.Duration
	fallbackTick time.Duration

	instanceLock *flock.Flock

	stateMu sync.Mutex
	state   watcherState

	// single-flight
	sfMu    sync.Mutex
	reading bool
	dirty   bool
}

type watcherState struct {
	lastOffset        int64
	lastEmittedOffset int64
	haveEmitted       bool
	carry             []byte
	seen              *seenSet
	consecutiveErrors int
}

// NewWatcher constructs a watcher for the append log at cfg.LogPath. It does
// not start tailing; call Run.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.LogPath == "" {
		return nil, errors.New("telemetry: watcher requires a log path")
	}
	if cfg.Sink == nil {
		return nil, errors.New("telemetry: watcher requires a sink queue")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.SeenCapacity <= 0 {
		cfg.SeenCapacity = DefaultSeenCapacity
	}
	if cfg.ConsecutiveErrorThreshold <= 0 {
		cfg.ConsecutiveErrorThreshold = DefaultConsecutiveErrorThreshold
	}
	if cfg.ReinitDelay <= 0 {
		cfg.ReinitDelay = DefaultReinitDelay
	}
	if cfg.CreationPollInterval <= 0 {
		cfg.CreationPollInterval = DefaultCreationPollInterval
	}
	if cfg.FallbackScanInterval <= 0 {
		cfg.FallbackScanInterval = DefaultFallbackScanInterval
	}

	return &Watcher{
		path:         cfg.LogPath,
		sink:         cfg.Sink,
		logger:       cfg.Logger,
		now:          cfg.Now,
		debug:        cfg.Debug,
		seenCap:      cfg.SeenCapacity,
		errThreshold: cfg.ConsecutiveErrorThreshold,
		reinitDelay:  cfg.ReinitDelay,
		createPoll:   cfg.CreationPollInterval,
		fallbackTick: cfg.FallbackScanInterval,
		instanceLock: flock.New(cfg.LogPath + ".watcher.lock"),
		state: watcherState{
			lastEmittedOffset: -1,
			seen:              newSeenSet(cfg.SeenCapacity),
		},
	}, nil
}

// Run starts tailing and blocks until ctx is cancelled or an unrecoverable
// error occurs. Starting a second Watcher in the same process is refused.
func (w *Watcher) Run(ctx context.Context) error {
	if !watcherActive.CompareAndSwap(false, true) {
		return errors.New("telemetry: a watcher instance is already running in this process")
	}
	defer watcherActive.Store(false)

	ok, err := w.instanceLock.TryLock()
	if err != nil {
		return fmt.Errorf("telemetry: acquire watcher instance lock: %w", err)
	}
	if !ok {
		return errors.New("telemetry: another process already holds the watcher instance lock")
	}
	defer func() { _ = w.instanceLock.Unlock() }()

	if err := w.waitForLog(ctx); err != nil {
		return err
	}

	dir := filepath.Dir(w.path)
	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("telemetry: create fsnotify watcher: %w", err)
	}
	defer func() { _ = notify.Close() }()
	if err := notify.Add(dir); err != nil {
		return fmt.Errorf("telemetry: watch %s: %w", dir, err)
	}

	fallback := time.NewTicker(w.fallbackTick)
	defer fallback.Stop()

	base := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-notify.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) == base {
				w.trigger(ctx)
			}
		case err, ok := <-notify.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("telemetry: fsnotify error", "error", err)
		case <-fallback.C:
			w.trigger(ctx)
		}
	}
}

// RunOnce performs a single synchronous scan, useful for tests and one-shot
// tooling. Historical reads do not go through the watcher: ReadHistory
// applies the same line framing and ID rule on its own.
func (w *Watcher) RunOnce(ctx context.Context) error {
	return w.scanOnce(ctx)
}

func (w *Watcher) waitForLog(ctx context.Context) error {
	for {
		info, err := os.Stat(w.path)
		if err == nil {
			w.stateMu.Lock()
			w.state.lastOffset = info.Size()
			w.stateMu.Unlock()
			return nil
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("telemetry: stat %s: %w", w.path, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.createPoll):
		}
	}
}

// trigger implements the single-flight discipline: at most one scan runs at
// a time; a signal arriving mid-scan sets dirty and is honored by one more
// pass once the in-flight scan completes.
func (w *Watcher) trigger(ctx context.Context) {
	w.sfMu.Lock()
	if w.reading {
		w.dirty = true
		w.sfMu.Unlock()
		return
	}
	w.reading = true
	w.sfMu.Unlock()

	for {
		if err := w.scanOnce(ctx); err != nil {
			w.logger.Warn("telemetry: scan failed", "error", err)
		}

		w.sfMu.Lock()
		if w.dirty {
			w.dirty = false
			w.sfMu.Unlock()
			continue
		}
		w.reading = false
		w.sfMu.Unlock()
		return
	}
}

func (w *Watcher) scanOnce(ctx context.Context) error {
	info, err := os.Stat(w.path)
	if err != nil {
		w.handleIOError(ctx, err)
		return err
	}

	w.stateMu.Lock()
	defer w.stateMu.Unlock()

	if info.Size() < w.state.lastOffset {
		w.synthesizeResetLocked(ctx)
	}

	if info.Size() == w.state.lastOffset {
		w.state.consecutiveErrors = 0
		return nil
	}

	f, err := os.Open(w.path)
	if err != nil {
		w.handleIOErrorLocked(err)
		return err
	}
	defer func() { _ = f.Close() }()

	readStart := w.state.lastOffset
	if _, err := f.Seek(readStart, io.SeekStart); err != nil {
		w.handleIOErrorLocked(err)
		return err
	}
	chunk := make([]byte, info.Size()-readStart)
	if _, err := io.ReadFull(f, chunk); err != nil && err != io.ErrUnexpectedEOF {
		w.handleIOErrorLocked(err)
		return err
	}

	carryBefore := w.state.carry
	combined := append(append([]byte(nil), carryBefore...), chunk...)
	base := readStart - int64(len(carryBefore))

	cursor := 0
	for {
		idx := bytes.IndexByte(combined[cursor:], '\n')
		if idx < 0 {
			break
		}
		lineEnd := cursor + idx
		startOffset := base + int64(cursor)
		line := combined[cursor:lineEnd]
		cursor = lineEnd + 1

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		w.emitLineLocked(ctx, startOffset, line)
	}

	newCarry := append([]byte(nil), combined[cursor:]...)
	if w.debug && bytes.IndexByte(newCarry, '\n') >= 0 {
		panic("telemetry: carry invariant violated: carry contains a newline")
	}
	w.state.carry = newCarry
	// The next read must start past everything consumed from the file,
	// including the bytes now held in carry; starting at the carry's own
	// file position would re-read them and prepend carry a second time.
	w.state.lastOffset = readStart + int64(len(chunk))
	w.state.consecutiveErrors = 0
	return nil
}

func (w *Watcher) emitLineLocked(ctx context.Context, startOffset int64, line []byte) {
	id := fmt.Sprintf("%s:%d", watcherSource, startOffset)

	if w.state.seen.has(id) {
		w.logger.Debug("telemetry: duplicate canonical ID skipped", "id", id)
		return
	}
	w.state.seen.add(id)

	event, errs := Validate(line, w.now())
	if len(errs) > 0 {
		// A corrected re-submission of the same byte range must not be
		// permanently blocked by the premature seen-insertion above.
		w.state.seen.remove(id)
		w.logger.Debug("telemetry: dropped unparseable line", "id", id, "errors", errs)
		return
	}

	if w.debug && w.state.haveEmitted && startOffset <= w.state.lastEmittedOffset {
		panic("telemetry: lastEmittedOffset invariant violated: offsets must be strictly increasing")
	}
	w.state.lastEmittedOffset = startOffset
	w.state.haveEmitted = true

	w.sink.Enqueue(ctx, event.WithID(id))
}

func (w *Watcher) synthesizeResetLocked(ctx context.Context) {
	w.state.carry = nil
	w.state.lastOffset = 0
	w.state.lastEmittedOffset = -1
	w.state.haveEmitted = false
	w.state.seen = newSeenSet(w.seenCap)

	marker := UnknownEvent{
		Meta: Meta{
			V:         1,
			TS:        float64(w.now().UnixNano()) / float64(time.Second),
			EventType: KindUnknown,
			Session:   "file_watcher",
			EventID:   watcherSource + ":reset",
		},
		Reason: resetReason,
	}
	w.sink.Enqueue(ctx, marker)
}

func (w *Watcher) handleIOError(ctx context.Context, err error) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	w.handleIOErrorLocked(err)
}

func (w *Watcher) handleIOErrorLocked(err error) {
	w.state.consecutiveErrors++
	// Intentionally lossy: the append log itself is the source of truth,
	// so a locked-or-missing file is safer to resume from 0 than to trust
	// a stale offset.
	w.state.lastOffset = 0

	if w.state.consecutiveErrors >= w.errThreshold {
		w.state.lastEmittedOffset = -1
		w.state.haveEmitted = false
		w.state.carry = nil
		w.state.seen = newSeenSet(w.seenCap)
		w.state.consecutiveErrors = 0
		w.logger.Warn("telemetry: watcher reset after consecutive errors", "error", err)
		time.Sleep(w.reinitDelay)
	}
}

// Snapshot returns a read-only view of watcher state for the stats probe.
// It tolerates transient inconsistency with in-flight scans.
func (w *Watcher) Snapshot() WatcherStats {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return WatcherStats{
		Offset:            w.state.lastOffset,
		CarrySize:         len(w.state.carry),
		SeenSize:          w.state.seen.len(),
		ConsecutiveErrors: w.state.consecutiveErrors,
	}
}

// WatcherStats is the watcher-owned slice of the stats snapshot.
type WatcherStats struct {
	Offset            int64
	CarrySize         int
	SeenSize          int
	ConsecutiveErrors int
}

// seenSet is a bounded, insertion-ordered set of canonical IDs enforcing
// offset-based duplicate suppression within a watcher generation, evicting
// the oldest entries once full.
type seenSet struct {
	cap   int
	order []string
	index map[string]struct{}
	head  int
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	return &seenSet{
		cap:   capacity,
		order: make([]string, 0, capacity),
		index: make(map[string]struct{}, capacity),
	}
}

func (s *seenSet) has(id string) bool {
	_, ok := s.index[id]
	return ok
}

func (s *seenSet) add(id string) {
	if s.has(id) {
		return
	}
	if len(s.index) >= s.cap {
		s.evictOldest()
	}
	s.index[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) >= 2*s.cap {
		s.compact()
	}
}

func (s *seenSet) remove(id string) {
	delete(s.index, id)
}

func (s *seenSet) evictOldest() {
	for s.head < len(s.order) {
		oldest := s.order[s.head]
		s.head++
		if _, ok := s.index[oldest]; ok {
			delete(s.index, oldest)
			return
		}
	}
}

// compact rebuilds order from the IDs still present in index, discarding
// evicted and removed entries so memory stays proportional to cap rather
// than to the total number of IDs ever added.
func (s *seenSet) compact() {
	live := make([]string, 0, len(s.index))
	for _, id := range s.order[s.head:] {
		if _, ok := s.index[id]; ok {
			live = append(live, id)
		}
	}
	s.order = live
	s.head = 0
}

func (s *seenSet) len() int { return len(s.index) }
