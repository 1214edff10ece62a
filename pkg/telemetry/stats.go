package telemetry

// Stats is the read-only snapshot returned by the stats probe, combining
// the watcher's tailing state with the fan-out queue's delivery counters
// and the append log's current size.
type Stats struct {
	LogSizeBytes int64  `json:"log_size_bytes"`
	LogSignature string `json:"log_signature"`

	WatcherOffset            int64 `json:"watcher_offset"`
	WatcherCarryBytes        int   `json:"watcher_carry_bytes"`
	WatcherSeenEntries       int   `json:"watcher_seen_entries"`
	WatcherConsecutiveErrors int   `json:"watcher_consecutive_errors"`

	ConnectedClients int   `json:"connected_clients"`
	QueueDepth       int   `json:"queue_depth"`
	TotalBatches     int64 `json:"total_batches"`
	TotalEvents      int64 `json:"total_events"`
	TotalDropped     int64 `json:"total_dropped"`
	DroppedLast60s   int   `json:"dropped_last_60s"`
}

// Prober reports the combined stats snapshot for a running pipeline.
type Prober struct {
	log     *AppendLog
	watcher *Watcher
	queue   *Queue
}

// NewProber builds a Prober over the three core components.
func NewProber(log *AppendLog, watcher *Watcher, queue *Queue) *Prober {
	return &Prober{log: log, watcher: watcher, queue: queue}
}

// Snapshot assembles the current Stats. A failure to stat the log file
// yields a zero size rather than an error, since stats are best-effort
// diagnostics and must never block on a transient I/O hiccup.
func (p *Prober) Snapshot() Stats {
	size, _ := p.log.Size()
	sig, _ := p.log.Signature()
	ws := p.watcher.Snapshot()
	qs := p.queue.Stats()

	return Stats{
		LogSizeBytes:             size,
		LogSignature:             sig,
		WatcherOffset:            ws.Offset,
		WatcherCarryBytes:        ws.CarrySize,
		WatcherSeenEntries:       ws.SeenSize,
		WatcherConsecutiveErrors: ws.ConsecutiveErrors,
		ConnectedClients:         qs.ConnectedClients,
		QueueDepth:               qs.QueueDepth,
		TotalBatches:             qs.TotalBatches,
		TotalEvents:              qs.TotalEvents,
		TotalDropped:             qs.TotalDropped,
		DroppedLast60s:           qs.DroppedLast60s,
	}
}
