package server

import (
	"net/http"
	"strconv"

	"github.com/agenttrace/agenttrace/pkg/telemetry"
)

type historyResponse struct {
	Events     []telemetry.Event `json:"events"`
	NextBefore *float64          `json:"next_before"`
}

// handleHistory implements GET /api/events?tail=N|before_ts=T[&limit=L].
// Results are always returned in ascending offset/timestamp order,
// whichever selector picked them.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var q telemetry.HistoryQuery
	if raw := query.Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, ingestResponse{Error: "bad_json", Details: []telemetry.ValidationError{{Field: "tail", Message: "must be a non-negative integer"}}})
			return
		}
		q.Tail = n
	}
	if raw := query.Get("before_ts"); raw != "" {
		ts, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ingestResponse{Error: "bad_json", Details: []telemetry.ValidationError{{Field: "before_ts", Message: "must be a number"}}})
			return
		}
		q.BeforeTS = ts
		q.HasBeforeTS = true
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, ingestResponse{Error: "bad_json", Details: []telemetry.ValidationError{{Field: "limit", Message: "must be a non-negative integer"}}})
			return
		}
		q.Limit = limit
	}

	page, err := telemetry.ReadHistory(s.cfg.LogPath, q)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ingestResponse{Error: "io"})
		return
	}

	writeJSON(w, http.StatusOK, historyResponse{Events: page.Events, NextBefore: page.NextBefore})
}
