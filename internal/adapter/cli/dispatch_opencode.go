package cli

import (
	"encoding/json"

	"github.com/agentz/agentz/internal/adapter"
	"github.com/agentz/agentz/internal/session"
)

// opencodeLine is Product C's nested shape (spec §4.3.a).
type opencodeLine struct {
	SessionID string `json:"sessionID"`
	Type      string `json:"type"` // message | tool_call | tool_result | error
	Text      string `json:"text"`
	ToolName  string `json:"toolName"`
	Success   *bool  `json:"success"`
	Error     string `json:"error"`
}

func dispatchOpencode(line []byte, st *dispatchState) ([]adapter.Event, bool) {
	var l opencodeLine
	if err := json.Unmarshal(line, &l); err != nil {
		return nil, false
	}
	if l.Type == "" {
		return nil, false
	}

	var events []adapter.Event
	if l.SessionID != "" && st.backendSessionID != l.SessionID {
		st.backendSessionID = l.SessionID
		events = append(events, adapter.Event{Kind: adapter.EventSessionID, BackendSessionID: l.SessionID})
	}

	switch l.Type {
	case "message":
		events = append(events, textChunk(l.Text))
	case "tool_call":
		events = append(events, toolUseChunk(l.ToolName, nil))
	case "tool_result":
		meta := map[string]any{session.MetaToolName: l.ToolName}
		if l.Success != nil {
			meta[session.MetaSuccess] = *l.Success
		}
		events = append(events, adapter.Event{Kind: adapter.EventOutput, Chunk: session.OutputChunk{
			Kind: session.ChunkToolResult, Content: l.Text, Metadata: meta,
		}})
	case "error":
		events = append(events, adapter.Event{Kind: adapter.EventError, ErrorMessage: l.Error}, errorChunk(l.Error))
	}
	return events, true
}
