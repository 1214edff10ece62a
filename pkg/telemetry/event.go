// Package telemetry implements the ingest-tail-broadcast engine for the
// agent activity pipeline: an append-only event log, a byte-offset tailing
// watcher, duplicate suppression, and an ordered, backpressured fan-out
// queue delivering batches to long-lived client sessions.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind identifies the event variant in the wire protocol.
type Kind string

const (
	KindSession    Kind = "session"
	KindFileTouch  Kind = "file_touch"
	KindToolCall   Kind = "tool_call"
	KindAgentState Kind = "agent_state"
	KindUnknown    Kind = "unknown"
)

// Valid reports whether k is a recognized variant discriminator.
func (k Kind) Valid() bool {
	switch k {
	case KindSession, KindFileTouch, KindToolCall, KindAgentState, KindUnknown:
		return true
	default:
		return false
	}
}

const (
	maxSessionIDBytes     = 256
	maxPathBytes          = 4096
	maxToolBytes          = 256
	maxCommandBytes       = 8192
	maxReasonBytes        = 512
	maxHookEventNameBytes = 256
	maxPayloadKeys        = 100
	maxMetadataBytes      = 10_000
	futureSkewSeconds     = 60.0
)

// Meta carries the fields common to every event variant.
type Meta struct {
	V         int             `json:"v"`
	TS        float64         `json:"ts"`
	EventType Kind            `json:"type"`
	Session   string          `json:"session_id"`
	EventID   string          `json:"id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Version returns the schema version.
func (m Meta) Version() int { return m.V }

// Timestamp returns the wall-clock time the event carries.
func (m Meta) Timestamp() time.Time {
	secs := int64(m.TS)
	nsec := int64((m.TS - float64(secs)) * float64(time.Second))
	return time.Unix(secs, nsec).UTC()
}

// SessionID returns the owning session identifier.
func (m Meta) SessionID() string { return m.Session }

// Type returns the variant discriminator.
func (m Meta) Type() Kind { return m.EventType }

// ID returns the canonical identifier, or "" if unassigned.
func (m Meta) ID() string { return m.EventID }

// Event is the common interface implemented by every event variant.
//
// Events are immutable after validation; WithID returns a copy carrying a
// newly assigned canonical ID rather than mutating the receiver, since the
// watcher is the only component permitted to mint IDs and must not race
// with any other holder of the original value.
type Event interface {
	Version() int
	Timestamp() time.Time
	SessionID() string
	Type() Kind
	ID() string
	WithID(id string) Event
}

// SessionEvent reports session lifecycle transitions.
type SessionEvent struct {
	Meta
	State    string `json:"state"`
	RepoRoot string `json:"repo_root,omitempty"`
}

// WithID returns a copy of e with its canonical ID set.
func (e SessionEvent) WithID(id string) Event { e.EventID = id; return e }

// FileTouchEvent reports a read or write of a file path.
type FileTouchEvent struct {
	Meta
	Path      string `json:"path"`
	TouchKind string `json:"kind"`
}

// WithID returns a copy of e with its canonical ID set.
func (e FileTouchEvent) WithID(id string) Event { e.EventID = id; return e }

// ToolCallEvent reports the start or end of a tool invocation.
type ToolCallEvent struct {
	Meta
	Tool    string `json:"tool"`
	Phase   string `json:"phase"`
	Command string `json:"command,omitempty"`
}

// WithID returns a copy of e with its canonical ID set.
func (e ToolCallEvent) WithID(id string) Event { e.EventID = id; return e }

// AgentStateEvent reports a coarse agent activity state.
type AgentStateEvent struct {
	Meta
	State string `json:"state"`
}

// WithID returns a copy of e with its canonical ID set.
func (e AgentStateEvent) WithID(id string) Event { e.EventID = id; return e }

// UnknownEvent covers unrecognized hook payloads and system-synthesized
// markers (gap and reset notifications carry this same variant).
type UnknownEvent struct {
	Meta
	PayloadKeys   []string `json:"payload_keys,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	HookEventName string   `json:"hook_event_name,omitempty"`

	// Gap-marker-only fields.
	GapType      string `json:"gap_type,omitempty"`
	DroppedCount int    `json:"dropped_count,omitempty"`
	FromEventID  string `json:"from_event_id,omitempty"`
	ToOffset     int64  `json:"to_offset,omitempty"`
}

// WithID returns a copy of e with its canonical ID set.
func (e UnknownEvent) WithID(id string) Event { e.EventID = id; return e }

// IsGap reports whether e is a backpressure gap marker.
func (e UnknownEvent) IsGap() bool { return e.GapType == "dropped" }

// resetReason is the Reason carried by the watcher's rotation reset marker.
const resetReason = "File truncated or rotated"

// IsReset reports whether e is the watcher's rotation reset marker.
func (e UnknownEvent) IsReset() bool { return e.Reason == resetReason }

// ValidationError describes one field that failed validation.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v ValidationError) Error() string { return fmt.Sprintf("%s: %s", v.Field, v.Message) }

// Validate parses and validates a single JSON event line. It never mutates
// its input and never panics on malformed data: structural problems are
// reported as ValidationErrors, not as Go errors. A nil error slice means
// the returned event is safe to use.
func Validate(raw []byte, now time.Time) (Event, []ValidationError) {
	var envelope struct {
		V       int             `json:"v"`
		TS      json.Number     `json:"ts"`
		Type    Kind            `json:"type"`
		Session string          `json:"session_id"`
		ID      string          `json:"id,omitempty"`
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&envelope); err != nil {
		return nil, []ValidationError{{Field: "", Message: "invalid JSON: " + err.Error()}}
	}

	var errs []ValidationError
	if envelope.V != 1 {
		errs = append(errs, ValidationError{Field: "v", Message: "must equal 1"})
	}
	ts, tsErr := envelope.TS.Float64()
	if tsErr != nil {
		errs = append(errs, ValidationError{Field: "ts", Message: "must be a number"})
	} else {
		if ts < 0 {
			errs = append(errs, ValidationError{Field: "ts", Message: "must be non-negative"})
		}
		if !now.IsZero() && ts > float64(now.Unix())+futureSkewSeconds {
			errs = append(errs, ValidationError{Field: "ts", Message: "must not be more than 60s in the future"})
		}
	}
	if !envelope.Type.Valid() {
		errs = append(errs, ValidationError{Field: "type", Message: fmt.Sprintf("unknown event type %q", envelope.Type)})
	}
	if envelope.Session == "" {
		errs = append(errs, ValidationError{Field: "session_id", Message: "must not be empty"})
	} else if len(envelope.Session) > maxSessionIDBytes {
		errs = append(errs, ValidationError{Field: "session_id", Message: "exceeds 256 bytes"})
	}

	metaErrs := validateMetadata(raw)
	errs = append(errs, metaErrs...)

	if envelope.Type.Valid() {
		if variantErrs := validateVariant(envelope.Type, raw); len(variantErrs) > 0 {
			errs = append(errs, variantErrs...)
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}

	event, err := decodeVariant(envelope.Type, raw)
	if err != nil {
		return nil, []ValidationError{{Field: "", Message: err.Error()}}
	}
	return event, nil
}

func validateMetadata(raw []byte) []ValidationError {
	var probe struct {
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Metadata == nil {
		return nil
	}
	if len(probe.Metadata) > maxMetadataBytes {
		return []ValidationError{{Field: "metadata", Message: "exceeds 10000 bytes serialized"}}
	}
	trimmed := strings.TrimSpace(string(probe.Metadata))
	if trimmed != "null" && !strings.HasPrefix(trimmed, "{") {
		return []ValidationError{{Field: "metadata", Message: "must be a JSON object"}}
	}
	return nil
}

func validateVariant(kind Kind, raw []byte) []ValidationError {
	switch kind {
	case KindFileTouch:
		var v struct {
			Path string `json:"path"`
			Kind string `json:"kind"`
		}
		_ = json.Unmarshal(raw, &v)
		var errs []ValidationError
		if v.Path == "" {
			errs = append(errs, ValidationError{Field: "path", Message: "must not be empty"})
		} else if len(v.Path) > maxPathBytes {
			errs = append(errs, ValidationError{Field: "path", Message: "exceeds 4096 bytes"})
		}
		if v.Kind != "read" && v.Kind != "write" {
			errs = append(errs, ValidationError{Field: "kind", Message: "must be read or write"})
		}
		return errs
	case KindToolCall:
		var v struct {
			Tool    string `json:"tool"`
			Phase   string `json:"phase"`
			Command string `json:"command"`
		}
		_ = json.Unmarshal(raw, &v)
		var errs []ValidationError
		if v.Tool == "" {
			errs = append(errs, ValidationError{Field: "tool", Message: "must not be empty"})
		} else if len(v.Tool) > maxToolBytes {
			errs = append(errs, ValidationError{Field: "tool", Message: "exceeds 256 bytes"})
		}
		if v.Phase != "start" && v.Phase != "end" {
			errs = append(errs, ValidationError{Field: "phase", Message: "must be start or end"})
		}
		if len(v.Command) > maxCommandBytes {
			errs = append(errs, ValidationError{Field: "command", Message: "exceeds 8192 bytes"})
		}
		return errs
	case KindSession:
		var v struct {
			State string `json:"state"`
		}
		_ = json.Unmarshal(raw, &v)
		switch v.State {
		case "start", "stop", "interrupt", "crash":
			return nil
		default:
			return []ValidationError{{Field: "state", Message: "must be one of start, stop, interrupt, crash"}}
		}
	case KindAgentState:
		var v struct {
			State string `json:"state"`
		}
		_ = json.Unmarshal(raw, &v)
		switch v.State {
		case "thinking", "responding":
			return nil
		default:
			return []ValidationError{{Field: "state", Message: "must be thinking or responding"}}
		}
	case KindUnknown:
		var v struct {
			PayloadKeys   []string `json:"payload_keys"`
			Reason        string   `json:"reason"`
			HookEventName string   `json:"hook_event_name"`
		}
		_ = json.Unmarshal(raw, &v)
		var errs []ValidationError
		if len(v.PayloadKeys) > maxPayloadKeys {
			errs = append(errs, ValidationError{Field: "payload_keys", Message: "exceeds 100 entries"})
		}
		if len(v.Reason) > maxReasonBytes {
			errs = append(errs, ValidationError{Field: "reason", Message: "exceeds 512 bytes"})
		}
		if len(v.HookEventName) > maxHookEventNameBytes {
			errs = append(errs, ValidationError{Field: "hook_event_name", Message: "exceeds 256 bytes"})
		}
		return errs
	default:
		return nil
	}
}

func decodeVariant(kind Kind, raw []byte) (Event, error) {
	var err error
	var event Event
	switch kind {
	case KindSession:
		var v SessionEvent
		err = json.Unmarshal(raw, &v)
		event = v
	case KindFileTouch:
		var v FileTouchEvent
		err = json.Unmarshal(raw, &v)
		event = v
	case KindToolCall:
		var v ToolCallEvent
		err = json.Unmarshal(raw, &v)
		event = v
	case KindAgentState:
		var v AgentStateEvent
		err = json.Unmarshal(raw, &v)
		event = v
	case KindUnknown:
		var v UnknownEvent
		err = json.Unmarshal(raw, &v)
		event = v
	default:
		return nil, fmt.Errorf("telemetry: unknown event type %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: decode %s event: %w", kind, err)
	}
	return event, nil
}

// MarshalEvent encodes event as a single canonical JSON line, without the
// trailing newline (callers append that at the append-log layer).
func MarshalEvent(event Event) ([]byte, error) {
	if event == nil {
		return nil, fmt.Errorf("telemetry: nil event")
	}
	return json.Marshal(event)
}
