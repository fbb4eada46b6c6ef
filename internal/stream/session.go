package stream

import (
	"context"

	"github.com/agentz/agentz/internal/session"
)

// DaemonStartedPayload records the liveness tuple used by crash recovery
// (spec §4.4): pid + nonce defeats PID reuse across restarts.
type DaemonStartedPayload struct {
	PID   int    `json:"pid"`
	Nonce string `json:"nonce"`
}

type StatusChangePayload struct {
	NewStatus string `json:"newStatus"`
}

type OutputPayload struct {
	Chunk session.OutputChunk `json:"chunk"`
}

type CLISessionIDPayload struct {
	BackendSessionID string `json:"backendSessionId"`
}

type AgentStatePayload struct {
	Backend  string                       `json:"backend"`
	Messages []session.ConversationMessage `json:"messages"`
}

// SessionStream wraps a per-session Log with typed publish helpers.
type SessionStream struct {
	log *Log
}

func NewSessionStream(log *Log) *SessionStream { return &SessionStream{log: log} }

func (s *SessionStream) DaemonStarted(ctx context.Context, p DaemonStartedPayload) (Record, error) {
	return s.log.Append(ctx, KindDaemonStarted, p)
}

func (s *SessionStream) StatusChange(ctx context.Context, p StatusChangePayload) (Record, error) {
	return s.log.Append(ctx, KindStatusChange, p)
}

func (s *SessionStream) Output(ctx context.Context, chunk session.OutputChunk) (Record, error) {
	return s.log.Append(ctx, KindOutput, OutputPayload{Chunk: chunk})
}

func (s *SessionStream) ApprovalRequest(ctx context.Context) (Record, error) {
	return s.log.Append(ctx, KindApprovalRequest, struct{}{})
}

func (s *SessionStream) InputRequest(ctx context.Context) (Record, error) {
	return s.log.Append(ctx, KindInputRequest, struct{}{})
}

func (s *SessionStream) CLISessionID(ctx context.Context, id string) (Record, error) {
	return s.log.Append(ctx, KindCLISessionID, CLISessionIDPayload{BackendSessionID: id})
}

func (s *SessionStream) AgentState(ctx context.Context, p AgentStatePayload) (Record, error) {
	return s.log.Append(ctx, KindAgentState, p)
}

func (s *SessionStream) Subscribe() (<-chan Record, func())         { return s.log.Subscribe() }
func (s *SessionStream) Replay(from uint64, fn func(Record) error) error { return s.log.Replay(from, fn) }
func (s *SessionStream) Offset() uint64                             { return s.log.Offset() }
func (s *SessionStream) Close() error                               { return s.log.Close() }
