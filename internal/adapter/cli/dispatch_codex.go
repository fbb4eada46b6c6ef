package cli

import (
	"encoding/json"
	"strings"

	"github.com/agentz/agentz/internal/adapter"
)

// codexLine is the superset of shapes Product B's --json output emits
// (spec §4.3.a).
type codexLine struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Item     *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

func dispatchCodex(line []byte, st *dispatchState) ([]adapter.Event, bool) {
	var l codexLine
	if err := json.Unmarshal(line, &l); err != nil {
		return nil, false
	}
	if l.Type == "" {
		return nil, false
	}

	if strings.Contains(l.Type, "approval") {
		return []adapter.Event{{Kind: adapter.EventWaitingApproval}}, true
	}

	switch l.Type {
	case "thread.started":
		if l.ThreadID != "" {
			st.backendSessionID = l.ThreadID
			return []adapter.Event{{Kind: adapter.EventSessionID, BackendSessionID: l.ThreadID}}, true
		}
		return nil, true

	case "item.completed", "item.started":
		if l.Item == nil {
			return nil, true
		}
		switch l.Item.Type {
		case "agent_message":
			return []adapter.Event{textChunk(l.Item.Text)}, true
		case "reasoning":
			return []adapter.Event{thinkingChunk(l.Item.Text)}, true
		}
		return nil, true

	default:
		return nil, true
	}
}
