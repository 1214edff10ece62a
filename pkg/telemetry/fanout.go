package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultBatchWindow is the windowed-batching delay.
	DefaultBatchWindow = 50 * time.Millisecond
	// DefaultMaxBatchSize caps events per delivered batch.
	DefaultMaxBatchSize = 100
	// DefaultQueueSoftCap triggers backpressure once exceeded.
	DefaultQueueSoftCap = 1000
	// DefaultDedupWindow is the ID-recent-window duplicate filter horizon.
	DefaultDedupWindow = 5000 * time.Millisecond
	// recentTrimInterval governs how often the recent-ID map and the
	// dropped-event timestamp list are swept of expired entries.
	recentTrimInterval = 10 * time.Second
	// sessionSendBuffer is the per-client batch buffer between a flush and
	// the session's send goroutine. A client that falls this many batches
	// behind is treated as failed and evicted.
	sessionSendBuffer = 16
	// droppedWindow is the "dropped in last 60s" horizon reported by stats.
	droppedWindow = 60 * time.Second
)

// Batch is the wire envelope delivered to clients:
// {"type":"batch","events":[...]}.
type Batch struct {
	Type   string  `json:"type"`
	Events []Event `json:"events"`
}

// ClientSender delivers one batch envelope to a single connected client.
// Send is invoked from the session's own goroutine, never under the
// queue's lock, so it may block on the network; a non-nil error is treated
// as a permanent send failure and the client is evicted, not retried.
type ClientSender interface {
	Send(batch Batch) error
}

// Session is a registered client's fan-out handle. Each session drains its
// own buffered send queue on a dedicated goroutine: sends to one client
// are strictly ordered, distinct clients proceed independently, and a
// stalled client stalls only itself.
type Session struct {
	id     int
	ID     string // diagnostic identifier, stable for the session's lifetime
	sender ClientSender
	sendCh chan Batch

	lastBatchLastID string
}

// QueueConfig configures a Queue. Zero values take the package defaults.
type QueueConfig struct {
	BatchWindow  time.Duration
	MaxBatchSize int
	SoftCap      int
	DedupWindow  time.Duration

	Now    func() time.Time
	Logger *slog.Logger
	// Debug enables the ordering assertions as hard failures.
	Debug bool
}

// Queue is the fan-out stage: an ordered per-process queue with
// leading-edge/windowed batching and backpressure that materializes loss as
// a single gap marker rather than silent drops.
type Queue struct {
	cfg    QueueConfig
	logger *slog.Logger
	now    func() time.Time

	mu              sync.Mutex
	items           []Event
	recent          *recentWindow
	lastDeliveredID string
	clients         map[int]*Session
	nextClientID    int
	timer           *time.Timer
	timerPending    bool

	droppedAt []time.Time

	stats queueCounters
}

type queueCounters struct {
	totalBatches int64
	totalEvents  int64
	totalDropped int64
}

// NewQueue constructs a fan-out queue.
func NewQueue(cfg QueueConfig) *Queue {
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = DefaultBatchWindow
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.SoftCap <= 0 {
		cfg.SoftCap = DefaultQueueSoftCap
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		cfg:     cfg,
		logger:  cfg.Logger,
		now:     cfg.Now,
		recent:  newRecentWindow(cfg.DedupWindow, cfg.Now),
		clients: make(map[int]*Session),
	}
}

// Run performs periodic maintenance (recent-window and dropped-timestamp
// trimming) until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(recentTrimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.trim()
		}
	}
}

func (q *Queue) trim() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.recent.trim()

	now := q.now()
	cutoff := now.Add(-droppedWindow)
	kept := q.droppedAt[:0]
	for _, at := range q.droppedAt {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	q.droppedAt = kept
}

// Connect registers a new client session and returns its handle.
func (q *Queue) Connect(sender ClientSender) *Session {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextClientID++
	session := &Session{
		id:     q.nextClientID,
		ID:     uuid.NewString(),
		sender: sender,
		sendCh: make(chan Batch, sessionSendBuffer),
	}
	q.clients[session.id] = session
	go q.sendLoop(session)
	return session
}

// sendLoop drains one session's send queue until the queue is closed by
// eviction or disconnect, or a send fails.
func (q *Queue) sendLoop(session *Session) {
	for batch := range session.sendCh {
		if err := session.sender.Send(batch); err != nil {
			q.logger.Warn("telemetry: evicting client after send failure", "client", session.ID, "error", err)
			q.Disconnect(session)
			return
		}
	}
}

// Disconnect releases a client session's per-client state. It is safe to
// call more than once and from any goroutine.
func (q *Queue) Disconnect(session *Session) {
	if session == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictLocked(session)
}

// evictLocked removes a session from the client set and closes its send
// queue. Closing under the queue lock, only after the session leaves the
// set, guarantees no flush can write to a closed channel.
func (q *Queue) evictLocked(session *Session) {
	if _, ok := q.clients[session.id]; !ok {
		return
	}
	delete(q.clients, session.id)
	close(session.sendCh)
}

// ClientCount returns the number of currently connected sessions.
func (q *Queue) ClientCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.clients)
}

// Depth returns the current queue depth.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Enqueue admits one event into the queue, applying the ID-recent-window
// duplicate filter before scheduling a flush.
func (q *Queue) Enqueue(ctx context.Context, event Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// A rotation restarts the watcher's offsets at zero, so IDs admitted
	// before the reset no longer identify the same bytes. Forget them, or
	// the first post-rotation events would be suppressed as duplicates.
	if unk, ok := event.(UnknownEvent); ok && unk.IsReset() {
		q.recent.reset()
	}

	if id := event.ID(); id != "" && !q.recent.admit(id) {
		q.logger.Debug("telemetry: duplicate event ID suppressed by recent window", "id", id)
		return
	}

	wasEmpty := len(q.items) == 0
	q.items = append(q.items, event)
	q.applyBackpressureLocked()
	q.scheduleLocked(ctx, wasEmpty)
}

// applyBackpressureLocked drops the oldest queueSize-cap events once the
// soft cap is exceeded and unshifts a single bracketing gap marker, which
// rides above the cap rather than occupying one of its slots. If an
// earlier backpressure pass already left an un-delivered gap marker at the
// head of the queue, the new drop is folded into it (dropped_count and
// to_offset are updated in place) rather than prepending a second marker.
// Otherwise the next pass would sweep that very marker up as "oldest" and
// double-count it as a dropped event; folding also keeps the contract of
// one marker per backpressure episode.
func (q *Queue) applyBackpressureLocked() {
	if len(q.items) <= q.cfg.SoftCap {
		return
	}

	var existing *UnknownEvent
	bodyStart := 0
	if head, ok := q.items[0].(UnknownEvent); ok && head.IsGap() {
		h := head
		existing = &h
		bodyStart = 1
	}

	body := q.items[bodyStart:]
	excess := len(body) - q.cfg.SoftCap
	if excess <= 0 {
		return
	}

	dropped := body[:excess]
	kept := body[excess:]

	newest := dropped[len(dropped)-1]
	fromID := q.lastDeliveredID
	if fromID == "" {
		fromID = "unknown"
	}
	droppedCount := excess
	if existing != nil {
		fromID = existing.FromEventID
		droppedCount += existing.DroppedCount
	}

	gap := UnknownEvent{
		Meta: Meta{
			V:         1,
			TS:        float64(q.now().UnixNano()) / float64(time.Second),
			EventType: KindUnknown,
			Session:   "fanout",
			EventID:   newest.ID() + ":gap",
		},
		GapType:      "dropped",
		DroppedCount: droppedCount,
		FromEventID:  fromID,
		ToOffset:     offsetOf(newest.ID()),
		Reason:       "queue soft cap exceeded",
	}

	q.items = append([]Event{gap}, kept...)
	q.stats.totalDropped += int64(excess)
	q.droppedAt = append(q.droppedAt, q.now())
}

// scheduleLocked implements the scheduling policy: max-batch flushes
// immediately; a previously empty queue gets a zero-delay "leading edge"
// flush; otherwise a batch-window timer accumulates further admissions.
func (q *Queue) scheduleLocked(ctx context.Context, leadingEdgeEligible bool) {
	if len(q.items) >= q.cfg.MaxBatchSize {
		if q.timer != nil {
			q.timer.Stop()
			q.timerPending = false
		}
		q.flushLocked(ctx)
		return
	}

	if q.timerPending {
		return
	}

	delay := q.cfg.BatchWindow
	if leadingEdgeEligible {
		delay = 0
	}
	q.timerPending = true
	q.timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		q.timerPending = false
		q.flushLocked(context.Background())
		q.mu.Unlock()
	})
}

// flushLocked removes up to MaxBatchSize events and delivers them to every
// connected session.
func (q *Queue) flushLocked(ctx context.Context) {
	n := len(q.items)
	if n == 0 {
		return
	}
	if n > q.cfg.MaxBatchSize {
		n = q.cfg.MaxBatchSize
	}
	batch := append([]Event(nil), q.items[:n]...)
	q.items = q.items[n:]

	if q.cfg.Debug {
		assertBatchOrdering(batch)
	}

	envelope := Batch{Type: "batch", Events: batch}
	for _, session := range q.clients {
		if q.cfg.Debug {
			assertCrossBatchOrdering(session, batch)
		}
		select {
		case session.sendCh <- envelope:
			session.lastBatchLastID = batch[len(batch)-1].ID()
		default:
			// The client's buffer limit is its write timeout: a peer this
			// far behind surfaces as a send failure rather than holding
			// the queue lock hostage.
			q.logger.Warn("telemetry: evicting client with stalled send queue", "client", session.ID)
			q.evictLocked(session)
		}
	}

	if last := batch[len(batch)-1].ID(); last != "" {
		q.lastDeliveredID = last
	}
	q.stats.totalBatches++
	q.stats.totalEvents += int64(len(batch))

	if len(q.items) > 0 {
		q.scheduleLocked(ctx, false)
	}
}

func assertBatchOrdering(batch []Event) {
	for i := 1; i < len(batch); i++ {
		prev, prevOK := offsetOfOK(batch[i-1].ID())
		curr, currOK := offsetOfOK(batch[i].ID())
		if prevOK && currOK && !(prev < curr) {
			panic(fmt.Sprintf("telemetry: batch ordering invariant violated: %s >= %s", batch[i-1].ID(), batch[i].ID()))
		}
	}
}

func assertCrossBatchOrdering(session *Session, batch []Event) {
	if session.lastBatchLastID == "" || len(batch) == 0 {
		return
	}
	first, ok := batch[0].(UnknownEvent)
	if ok && (first.IsGap() || first.IsReset()) {
		// A gap marker may legitimately bracket missing IDs, and a reset
		// marker starts a new generation whose offsets restart at zero.
		return
	}
	prevOffset, prevOK := offsetOfOK(session.lastBatchLastID)
	currOffset, currOK := offsetOfOK(batch[0].ID())
	if prevOK && currOK && !(prevOffset < currOffset) {
		panic(fmt.Sprintf("telemetry: cross-batch ordering invariant violated: %s >= %s", session.lastBatchLastID, batch[0].ID()))
	}
}

// Stats returns the fan-out-owned slice of the stats snapshot.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	cutoff := now.Add(-droppedWindow)
	droppedRecent := 0
	for _, at := range q.droppedAt {
		if at.After(cutoff) {
			droppedRecent++
		}
	}

	return QueueStats{
		ConnectedClients: len(q.clients),
		QueueDepth:       len(q.items),
		TotalBatches:     q.stats.totalBatches,
		TotalEvents:      q.stats.totalEvents,
		TotalDropped:     q.stats.totalDropped,
		DroppedLast60s:   droppedRecent,
	}
}

// QueueStats is the fan-out-owned slice of the stats snapshot.
type QueueStats struct {
	ConnectedClients int
	QueueDepth       int
	TotalBatches     int64
	TotalEvents      int64
	TotalDropped     int64
	DroppedLast60s   int
}

// offsetOf parses the numeric byte offset embedded in a canonical ID of
// the form "<source>:<decimal-offset>", or "<id>:gap" for gap markers. It
// returns 0 for IDs it cannot parse; that value becomes a gap marker's
// to_offset. The debug ordering assertions use offsetOfOK instead and skip
// IDs that carry no offset.
func offsetOf(id string) int64 {
	v, _ := offsetOfOK(id)
	return v
}

func offsetOfOK(id string) (int64, bool) {
	parts := strings.Split(id, ":")
	for i := len(parts) - 1; i >= 0; i-- {
		if v, err := strconv.ParseInt(parts[i], 10, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}
