// Package stream implements the append-only event journal (spec §4.4):
// a global registry stream plus one per-session stream, both newline-
// delimited JSON, both canonical for recovery.
package stream

import (
	"encoding/json"
	"time"
)

// Record is one line of a stream: offset, timestamp, kind, payload.
type Record struct {
	Offset    uint64          `json:"offset"`
	Timestamp time.Time       `json:"ts"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// Registry event kinds (spec §3, §6).
const (
	KindCreated   = "created"
	KindUpdated   = "updated"
	KindCompleted = "completed"
	KindFailed    = "failed"
	KindCancelled = "cancelled"
)

// Session event kinds (spec §3, §6).
const (
	KindDaemonStarted   = "daemon_started"
	KindStatusChange    = "status_change"
	KindOutput          = "output"
	KindApprovalRequest = "approval_request"
	KindInputRequest    = "input_request"
	KindCLISessionID    = "cli_session_id"
	KindAgentState      = "agent_state"
)

// EncodePayload marshals v into a Record payload; panics only on a
// programmer error (an un-marshalable type), never on user data.
func EncodePayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// All payload types in this package are plain structs/maps of
		// JSON-safe values; a marshal failure here is a bug, not a
		// runtime condition to recover from gracefully.
		panic("stream: payload not marshalable: " + err.Error())
	}
	return b
}
