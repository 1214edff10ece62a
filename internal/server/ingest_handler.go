package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/agenttrace/agenttrace/pkg/telemetry"
)

type ingestResponse struct {
	OK      bool                        `json:"ok"`
	Error   string                      `json:"error,omitempty"`
	Details []telemetry.ValidationError `json:"details,omitempty"`
}

// handleIngest implements POST /api/event. It never broadcasts: success
// only means the line reached the append log, not that any client has seen
// it yet.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, telemetry.MaxIngestBytes+1))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ingestResponse{Error: "io"})
		return
	}
	if len(body) > telemetry.MaxIngestBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, ingestResponse{Error: "oversize"})
		return
	}

	result := telemetry.Ingest(s.log, body, func() time.Time { return time.Now().UTC() })
	switch result.Kind {
	case telemetry.ErrKindNone:
		writeJSON(w, http.StatusOK, ingestResponse{OK: true})
	case telemetry.ErrKindBadJSON:
		writeJSON(w, http.StatusBadRequest, ingestResponse{Error: "bad_json", Details: result.Details})
	case telemetry.ErrKindValidation:
		writeJSON(w, http.StatusBadRequest, ingestResponse{Error: "invalid_event", Details: result.Details})
	case telemetry.ErrKindIO:
		writeJSON(w, http.StatusInternalServerError, ingestResponse{Error: "io"})
	default:
		writeJSON(w, http.StatusInternalServerError, ingestResponse{Error: "io"})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
