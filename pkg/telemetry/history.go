package telemetry

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"time"
)

// DefaultHistoryLimit is the default page size for historical reads.
const DefaultHistoryLimit = 1000

// HistoryQuery selects a page of the append log. Tail and BeforeTS are
// mutually exclusive selectors; Tail takes precedence if a caller sets
// both.
type HistoryQuery struct {
	Tail        int
	BeforeTS    float64
	HasBeforeTS bool
	Limit       int
}

// HistoryPage is the result of a historical read.
type HistoryPage struct {
	Events     []Event
	NextBefore *float64
}

// ReadHistory scans the append log at path and returns a page of events,
// always in ascending offset/timestamp order, assigning canonical IDs with
// the same file_watcher:<offset> rule the live watcher uses so a client
// cannot tell a replayed event from a tailed one.
func ReadHistory(path string, q HistoryQuery) (HistoryPage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return HistoryPage{Events: []Event{}}, nil
		}
		return HistoryPage{}, fmt.Errorf("telemetry: read history %s: %w", path, err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	var all []Event
	cursor := 0
	for {
		idx := bytes.IndexByte(data[cursor:], '\n')
		if idx < 0 {
			break
		}
		lineEnd := cursor + idx
		startOffset := int64(cursor)
		line := data[cursor:lineEnd]
		cursor = lineEnd + 1

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		id := fmt.Sprintf("%s:%d", watcherSource, startOffset)
		event, errs := Validate(line, time.Time{})
		if len(errs) > 0 {
			continue // a corrupted historical line is silently skipped, as the live tail does.
		}
		all = append(all, event.WithID(id))
	}

	if q.HasBeforeTS && q.Tail <= 0 {
		filtered := all[:0:0]
		for _, e := range all {
			if secondsOf(e.Timestamp()) < q.BeforeTS {
				filtered = append(filtered, e)
			}
		}
		all = filtered
	}

	if q.Tail > 0 && len(all) > q.Tail {
		all = all[len(all)-q.Tail:]
	}

	if len(all) > limit {
		all = all[len(all)-limit:]
	}

	var nextBefore *float64
	if len(all) > 0 {
		// The next representable value below the oldest timestamp: at
		// epoch-scale magnitudes a fixed 1ns subtraction rounds away.
		oldest := math.Nextafter(secondsOf(all[0].Timestamp()), math.Inf(-1))
		nextBefore = &oldest
	}

	return HistoryPage{Events: all, NextBefore: nextBefore}, nil
}

func secondsOf(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
