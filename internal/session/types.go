// Package session defines the Session data model and its state machine
// (spec §3, §4.2). A Session owns its own fields and its backend adapter;
// the supervisor owns the collection.
package session

import "time"

// AgentKind identifies which backend adapter drives a session.
type AgentKind string

const (
	AgentCLIClaude   AgentKind = "cli-claude"
	AgentCLICodex    AgentKind = "cli-codex"
	AgentCLIOpencode AgentKind = "cli-opencode"
	AgentSDKChat     AgentKind = "sdk-chat"
	AgentSDKMultimod AgentKind = "sdk-multimodal"
	AgentSDKMCP      AgentKind = "sdk-mcp"
)

// IsCLI reports whether this agent kind is driven by the subprocess
// adapter (as opposed to an in-process SDK loop).
func (k AgentKind) IsCLI() bool {
	switch k {
	case AgentCLIClaude, AgentCLICodex, AgentCLIOpencode:
		return true
	default:
		return false
	}
}

// Status is a session's position in the state machine (spec §4.2).
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusWorking          Status = "working"
	StatusWaitingApproval  Status = "waiting_approval"
	StatusWaitingInput     Status = "waiting_input"
	StatusIdle             Status = "idle"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Active returns true for every non-terminal status.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusRunning, StatusWorking, StatusWaitingApproval, StatusWaitingInput, StatusIdle:
		return true
	default:
		return false
	}
}

// Terminal returns true for completed/failed/cancelled.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ChunkKind is the kind of one unit of agent output.
type ChunkKind string

const (
	ChunkText        ChunkKind = "text"
	ChunkThinking    ChunkKind = "thinking"
	ChunkToolUse     ChunkKind = "tool_use"
	ChunkToolResult  ChunkKind = "tool_result"
	ChunkUserMessage ChunkKind = "user_message"
	ChunkSystem      ChunkKind = "system"
	ChunkError       ChunkKind = "error"
)

// ImageAttachment is an inline image carried on a user_message chunk.
type ImageAttachment struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
	FileName string `json:"fileName,omitempty"`
}

// OutputChunk is one immutable unit of observable agent output (spec §3).
type OutputChunk struct {
	Seq         uint64                 `json:"seq"`
	Kind        ChunkKind              `json:"kind"`
	Content     string                 `json:"content"`
	Timestamp   time.Time              `json:"timestamp"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
	Attachments []ImageAttachment      `json:"attachments,omitempty"`
}

// Recognized metadata keys on a chunk, per spec §3.
const (
	MetaTool     = "tool"
	MetaToolName = "toolName"
	MetaPath     = "path"
	MetaSuccess  = "success"
)

// TokenUsage tracks input/output token counts for a session.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// ResumeAttempt records one follow-up turn.
type ResumeAttempt struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// ConversationMessage is an adapter-private turn, persisted only for
// adapters whose native protocol supports re-hydration (spec §3).
type ConversationMessage struct {
	Role      string `json:"role"` // system | user | assistant | tool
	Content   string `json:"content"`
	ToolCalls []ToolCallRef `json:"toolCalls,omitempty"`
}

// ToolCallRef references a tool invocation inside a conversation message.
type ToolCallRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Metadata is the derived-state snapshot the metadata analyzer maintains
// (spec §4.7).
type Metadata struct {
	TextChunks        int            `json:"textChunks"`
	ThinkingChunks     int           `json:"thinkingChunks"`
	ErrorChunks        int           `json:"errorChunks"`
	SystemChunks       int           `json:"systemChunks"`
	ToolCalls          int           `json:"toolCalls"`
	ToolHistogram      map[string]int `json:"toolHistogram,omitempty"`
	CategoryRead       int           `json:"categoryRead"`
	CategoryWrite      int           `json:"categoryWrite"`
	CategoryExecute    int           `json:"categoryExecute"`
	CategoryOther      int           `json:"categoryOther"`
	EditedFiles        []string      `json:"editedFiles,omitempty"`
	EstimatedTokens    int           `json:"estimatedTokens"`
	ActualTokens       *TokenUsage   `json:"actualTokens,omitempty"`
	UtilizationPercent float64       `json:"utilizationPercent"`
}

// Session is the top-level entity (spec §3).
type Session struct {
	ID             string
	AgentKind      AgentKind
	Prompt         string
	Title          string
	TaskPath       string
	WorkingDir     string
	WorktreePath   string
	Branch         string
	Model          string
	Status         Status
	StartedAt      time.Time
	CompletedAt    *time.Time
	LastResumedAt  *time.Time

	Metadata Metadata
	Tokens   TokenUsage

	BackendSessionID string // opaque id the external agent uses for its own resume
	Messages         []ConversationMessage

	ResumeAttempts int
	ResumeHistory  []ResumeAttempt

	Error string

	Output []OutputChunk

	mu nextSeqHolder
}

type nextSeqHolder struct {
	next uint64
}

// NextSeq returns the next monotonic per-session sequence number to
// stamp an appended chunk with. Callers hold the session's owning lock
// (the state machine serializes mutation; see statemachine.go).
func (s *Session) NextSeq() uint64 {
	s.mu.next++
	return s.mu.next
}

// AppendChunk appends an immutable chunk, stamping it with the next
// sequence number. Output is append-only (spec invariant).
func (s *Session) AppendChunk(c OutputChunk) OutputChunk {
	c.Seq = s.NextSeq()
	s.Output = append(s.Output, c)
	return c
}

// RestoreOutput appends chunks recovered by replaying the session's
// stream onto Output and re-arms the sequence counter from the
// resulting slice. mu is unexported and so never round-trips through
// the snapshot's JSON encoding; calling this after loading a snapshot
// (even with no chunks to append) re-derives it so a later AppendChunk
// continues the sequence instead of restarting from zero.
func (s *Session) RestoreOutput(chunks []OutputChunk) {
	if len(chunks) > 0 {
		s.Output = append(s.Output, chunks...)
	}
	var max uint64
	for _, c := range s.Output {
		if c.Seq > max {
			max = c.Seq
		}
	}
	s.mu.next = max
}
