package telemetry

import "time"

// recentWindow is the second duplicate-suppression layer: a time-windowed
// filter keyed by canonical ID, applied inside the fan-out queue just
// before admission. It catches duplicates the watcher's offset-based seen
// set cannot, such as an external producer re-injecting a line the watcher
// already emitted.
type recentWindow struct {
	window time.Duration
	now    func() time.Time
	seen   map[string]time.Time
}

func newRecentWindow(window time.Duration, now func() time.Time) *recentWindow {
	return &recentWindow{
		window: window,
		now:    now,
		seen:   make(map[string]time.Time),
	}
}

// admit records id's arrival and reports whether it is fresh. IDs with no
// value (the empty string) are never deduplicated.
func (r *recentWindow) admit(id string) bool {
	if id == "" {
		return true
	}
	if last, ok := r.seen[id]; ok && r.now().Sub(last) < r.window {
		return false
	}
	r.seen[id] = r.now()
	return true
}

// trim drops entries older than the window so the map does not grow
// unbounded across a long-running process.
func (r *recentWindow) trim() {
	now := r.now()
	for id, at := range r.seen {
		if now.Sub(at) >= r.window {
			delete(r.seen, id)
		}
	}
}

// reset forgets everything, used when a log rotation invalidates the
// offset-derived identity of every previously admitted ID.
func (r *recentWindow) reset() {
	r.seen = make(map[string]time.Time)
}
