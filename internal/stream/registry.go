package stream

import (
	"context"
	"time"
)

// CreatedPayload mirrors the session fields captured at spawn time.
type CreatedPayload struct {
	ID         string            `json:"id"`
	AgentKind  string            `json:"agentKind"`
	Prompt     string            `json:"prompt"`
	Title      string            `json:"title,omitempty"`
	TaskPath   string            `json:"taskPath,omitempty"`
	WorkingDir string            `json:"workingDir"`
	Model      string            `json:"model,omitempty"`
	StartedAt  time.Time         `json:"startedAt"`
}

// UpdatedPayload is a partial update: status and/or error and/or metadata.
type UpdatedPayload struct {
	ID       string         `json:"id"`
	Status   string         `json:"status,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CompletedPayload / FailedPayload / CancelledPayload close out a session.
type CompletedPayload struct {
	ID             string         `json:"id"`
	FinalMetadata  map[string]any `json:"finalMetadata,omitempty"`
}

type FailedPayload struct {
	ID            string         `json:"id"`
	Error         string         `json:"error"`
	FinalMetadata map[string]any `json:"finalMetadata,omitempty"`
}

type CancelledPayload struct {
	ID string `json:"id"`
}

// Registry wraps a Log with typed publish helpers for the global
// lifecycle stream (spec §3, §4.4).
type Registry struct {
	log *Log
}

// NewRegistry wraps an opened Log as a Registry stream.
func NewRegistry(log *Log) *Registry { return &Registry{log: log} }

func (r *Registry) Created(ctx context.Context, p CreatedPayload) (Record, error) {
	return r.log.Append(ctx, KindCreated, p)
}

func (r *Registry) Updated(ctx context.Context, p UpdatedPayload) (Record, error) {
	return r.log.Append(ctx, KindUpdated, p)
}

func (r *Registry) Completed(ctx context.Context, p CompletedPayload) (Record, error) {
	return r.log.Append(ctx, KindCompleted, p)
}

func (r *Registry) Failed(ctx context.Context, p FailedPayload) (Record, error) {
	return r.log.Append(ctx, KindFailed, p)
}

func (r *Registry) Cancelled(ctx context.Context, p CancelledPayload) (Record, error) {
	return r.log.Append(ctx, KindCancelled, p)
}

// Subscribe/Replay/Offset/Close delegate to the underlying Log.
func (r *Registry) Subscribe() (<-chan Record, func()) { return r.log.Subscribe() }
func (r *Registry) Replay(from uint64, fn func(Record) error) error { return r.log.Replay(from, fn) }
func (r *Registry) Offset() uint64                     { return r.log.Offset() }
func (r *Registry) Close() error                       { return r.log.Close() }
