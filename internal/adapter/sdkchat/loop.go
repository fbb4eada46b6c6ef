package sdkchat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/agentz/agentz/internal/adapter"
	"github.com/agentz/agentz/internal/apperr"
	"github.com/agentz/agentz/internal/logging"
	"github.com/agentz/agentz/internal/session"
)

// maxIterations is the tool-calling loop's hard iteration cap (spec §4.3.b).
const maxIterations = 20

// maxRateLimitAttempts bounds the total number of completion attempts
// (the first call plus its 429 backoff retries) (spec §4.3.b).
const maxRateLimitAttempts = 5

// Config configures an Adapter.
type Config struct {
	Client     ChatClient
	Model      string
	WorkingDir string
	ModelLimit int // context window, for pruning/warn thresholds
}

// Adapter is the SDK chat tool-calling-loop adapter (spec §4.3.b).
type Adapter struct {
	cfg    Config
	logger *logging.Logger

	mu                 sync.Mutex
	messages           []Message
	pendingAttachments []Attachment
	aborted            bool
	cancel             context.CancelFunc
}

// SetPendingAttachments stages attachments to be carried on the next
// outgoing user message, then cleared (spec §4.3.c: "on the initial
// prompt and on follow-ups").
func (a *Adapter) SetPendingAttachments(atts []Attachment) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingAttachments = atts
}

// New constructs an Adapter seeded with a system message.
func New(cfg Config, systemPrompt string, logger *logging.Logger) *Adapter {
	if logger == nil {
		logger = logging.Default()
	}
	var messages []Message
	if systemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: systemPrompt})
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger.WithFields(zap.String("component", "sdkchat-adapter")),
		messages: messages,
	}
}

var _ adapter.Adapter = (*Adapter)(nil)

// GetMessages implements adapter.MessageExporter.
func (a *Adapter) GetMessages() []session.ConversationMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]session.ConversationMessage, len(a.messages))
	for i, m := range a.messages {
		out[i] = session.ConversationMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// Run appends prompt as a user message and iterates the tool-calling
// loop until the model stops calling tools, the iteration cap is hit,
// or ctx is cancelled.
func (a *Adapter) Run(ctx context.Context, prompt string, sink adapter.Sink) adapter.RunResult {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.aborted = false
	userMsg := Message{Role: "user", Content: prompt}
	if len(a.pendingAttachments) > 0 {
		userMsg.Attachments = a.pendingAttachments
		a.pendingAttachments = nil
	}
	a.messages = append(a.messages, userMsg)
	a.mu.Unlock()
	defer cancel()

	var usage session.TokenUsage

	for iter := 0; iter < maxIterations; iter++ {
		select {
		case <-runCtx.Done():
			return adapter.RunResult{Usage: usage, Err: runCtx.Err()}
		default:
		}

		a.maybePrune(sink)

		a.mu.Lock()
		msgs := append([]Message(nil), a.messages...)
		a.mu.Unlock()

		resp, err := a.completeWithRetry(runCtx, msgs)
		if err != nil {
			sink.Emit(adapter.Event{Kind: adapter.EventError, ErrorMessage: err.Error()})
			return adapter.RunResult{Usage: usage, Err: apperr.Wrap(apperr.KindBackendRuntime, "chat completion failed", err)}
		}

		usage.Input += resp.Usage.InputTokens
		usage.Output += resp.Usage.OutputTokens

		if resp.Text != "" {
			sink.Emit(adapter.Event{Kind: adapter.EventOutput, Chunk: session.OutputChunk{
				Kind: session.ChunkText, Content: resp.Text, Timestamp: time.Now(),
			}})
		}

		a.mu.Lock()
		assistantMsg := Message{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls}
		a.messages = append(a.messages, assistantMsg)
		a.mu.Unlock()

		if len(resp.ToolCalls) == 0 || resp.FinishReason == "stop" {
			sink.Emit(adapter.Event{Kind: adapter.EventComplete, Usage: usage})
			return adapter.RunResult{Usage: usage}
		}

		for _, call := range resp.ToolCalls {
			a.runToolCall(runCtx, call, sink)
		}
	}

	sink.Emit(adapter.Event{Kind: adapter.EventComplete, Usage: usage})
	return adapter.RunResult{Usage: usage}
}

func (a *Adapter) runToolCall(ctx context.Context, call ToolCall, sink adapter.Sink) {
	var args map[string]any
	_ = json.Unmarshal(call.Arguments, &args)
	meta := map[string]any{session.MetaToolName: call.Name}
	if len(args) > 0 {
		meta["input"] = args
	}
	sink.Emit(adapter.Event{Kind: adapter.EventOutput, Chunk: session.OutputChunk{
		Kind: session.ChunkToolUse, Content: call.Name, Timestamp: time.Now(), Metadata: meta,
	}})

	result := executeTool(ctx, a.cfg.WorkingDir, call)

	resultMeta := map[string]any{session.MetaToolName: call.Name, session.MetaSuccess: result.Success}
	sink.Emit(adapter.Event{Kind: adapter.EventOutput, Chunk: session.OutputChunk{
		Kind: session.ChunkToolResult, Content: result.Output, Timestamp: time.Now(), Metadata: resultMeta,
	}})

	a.mu.Lock()
	a.messages = append(a.messages, Message{Role: "tool", Content: result.Output, ToolCallID: call.ID})
	a.mu.Unlock()
}

// maybePrune emits the 85% warning and performs the 90% prune (spec §4.3.b).
func (a *Adapter) maybePrune(sink adapter.Sink) {
	a.mu.Lock()
	defer a.mu.Unlock()

	u := utilization(a.messages, a.cfg.ModelLimit)
	if u >= pruneThreshold {
		a.messages = pruneMessages(a.messages)
		return
	}
	if u >= warnThreshold {
		sink.Emit(adapter.Event{Kind: adapter.EventOutput, Chunk: session.OutputChunk{
			Kind: session.ChunkSystem, Content: "context window nearing limit", Timestamp: time.Now(),
		}})
	}
}

func (a *Adapter) completeWithRetry(ctx context.Context, msgs []Message) (*CompletionResponse, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2.0
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0 // bounded by maxRateLimitAttempts instead of elapsed time
	bo := backoff.WithContext(backoff.WithMaxRetries(b, maxRateLimitAttempts-1), ctx)

	var resp *CompletionResponse
	err := backoff.Retry(func() error {
		r, err := a.cfg.Client.Complete(ctx, CompletionRequest{Model: a.cfg.Model, Messages: msgs, Tools: toolSchema})
		if err != nil {
			if _, ok := err.(*RateLimitError); ok {
				return err // retryable: backoff.Retry applies bo's own interval
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}, bo)
	return resp, err
}

// Abort cancels the in-flight Run, if any.
func (a *Adapter) Abort() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.aborted {
		return
	}
	a.aborted = true
	if a.cancel != nil {
		a.cancel()
	}
}
