package cli

import (
	"encoding/json"
	"time"

	"github.com/agentz/agentz/internal/adapter"
	"github.com/agentz/agentz/internal/session"
)

// claudeLine is the superset of shapes Product A's stream-json output
// emits (spec §4.3.a).
type claudeLine struct {
	Type string `json:"type"`

	// type: stream_event
	Event *struct {
		Type  string `json:"type"`
		Delta *struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"event"`

	// type: result
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`

	// type: assistant
	Message *struct {
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
	} `json:"message"`

	// type: system, subtype: init
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
}

func dispatchClaude(line []byte, st *dispatchState) ([]adapter.Event, bool) {
	var l claudeLine
	if err := json.Unmarshal(line, &l); err != nil {
		return nil, false
	}
	if l.Type == "" {
		return nil, false
	}

	switch l.Type {
	case "stream_event":
		if l.Event != nil && l.Event.Type == "content_block_delta" && l.Event.Delta != nil && l.Event.Delta.Type == "text_delta" {
			return []adapter.Event{textChunk(l.Event.Delta.Text)}, true
		}
		return nil, true

	case "result":
		if l.IsError {
			return []adapter.Event{{Kind: adapter.EventError, ErrorMessage: l.Result}, errorChunk(l.Result)}, true
		}
		return nil, true

	case "assistant":
		if l.Message == nil {
			return nil, true
		}
		var events []adapter.Event
		for _, block := range l.Message.Content {
			switch block.Type {
			case "text":
				events = append(events, textChunk(block.Text))
			case "thinking":
				events = append(events, thinkingChunk(block.Text))
			case "tool_use":
				events = append(events, toolUseChunk(block.Name, block.Input))
			}
		}
		return events, true

	case "system":
		if l.Subtype == "init" && l.SessionID != "" {
			st.backendSessionID = l.SessionID
			return []adapter.Event{{Kind: adapter.EventSessionID, BackendSessionID: l.SessionID}}, true
		}
		return nil, true

	default:
		return nil, true
	}
}

func textChunk(text string) adapter.Event {
	return adapter.Event{Kind: adapter.EventOutput, Chunk: session.OutputChunk{
		Kind: session.ChunkText, Content: text, Timestamp: time.Now(),
	}}
}

func thinkingChunk(text string) adapter.Event {
	return adapter.Event{Kind: adapter.EventOutput, Chunk: session.OutputChunk{
		Kind: session.ChunkThinking, Content: text, Timestamp: time.Now(),
	}}
}

func errorChunk(text string) adapter.Event {
	return adapter.Event{Kind: adapter.EventOutput, Chunk: session.OutputChunk{
		Kind: session.ChunkError, Content: text, Timestamp: time.Now(),
	}}
}

func toolUseChunk(toolName string, rawInput json.RawMessage) adapter.Event {
	meta := map[string]any{session.MetaToolName: toolName}
	var input map[string]any
	if len(rawInput) > 0 {
		if err := json.Unmarshal(rawInput, &input); err == nil {
			meta["input"] = input
			if path, ok := input["path"].(string); ok {
				meta[session.MetaPath] = path
			} else if path, ok := input["file_path"].(string); ok {
				meta[session.MetaPath] = path
			}
		}
	}
	return adapter.Event{Kind: adapter.EventOutput, Chunk: session.OutputChunk{
		Kind: session.ChunkToolUse, Content: toolName, Timestamp: time.Now(), Metadata: meta,
	}}
}
