package sdkmcp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agentz/agentz/internal/adapter"
	"github.com/agentz/agentz/internal/adapter/sdkchat"
	"github.com/agentz/agentz/internal/apperr"
	"github.com/agentz/agentz/internal/logging"
	"github.com/agentz/agentz/internal/session"
)

const maxIterations = 20

// Config configures an Adapter.
type Config struct {
	Client     sdkchat.ChatClient
	Model      string
	ConfigPath string // overrides LoadConfig's default resolution, for tests
}

// Adapter is the SDK MCP adapter (spec §4.3.d): it discovers its tool
// schema from configured MCP servers on first Run instead of using a
// fixed tool list.
type Adapter struct {
	cfg    Config
	logger *logging.Logger
	pool   *Pool

	mu         sync.Mutex
	messages   []sdkchat.Message
	discovered bool
	specs      []sdkchat.ToolSpec
	lookup     map[string]discoveredTool
	aborted    bool
	cancel     context.CancelFunc
}

// New constructs an Adapter. Tool discovery happens lazily on first Run.
func New(cfg Config, systemPrompt string, logger *logging.Logger) *Adapter {
	if logger == nil {
		logger = logging.Default()
	}
	var messages []sdkchat.Message
	if systemPrompt != "" {
		messages = append(messages, sdkchat.Message{Role: "system", Content: systemPrompt})
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger.WithFields(zap.String("component", "sdkmcp-adapter")),
		pool:     NewPool(logger),
		messages: messages,
	}
}

var _ adapter.Adapter = (*Adapter)(nil)

func (a *Adapter) ensureDiscovered(ctx context.Context) error {
	a.mu.Lock()
	if a.discovered {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	var cfg *Config
	var err error
	if a.cfg.ConfigPath != "" {
		cfg, err = loadConfigFrom(a.cfg.ConfigPath)
	} else {
		cfg, err = LoadConfig()
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidArgument, "load mcp server config", err)
	}

	specs, lookup, err := Discover(ctx, cfg, a.pool, a.logger)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.specs = specs
	a.lookup = lookup
	a.discovered = true
	a.mu.Unlock()
	return nil
}

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

// Run discovers tools (on first call), then iterates the tool-calling
// loop, proxying tool execution through the MCP connection pool.
func (a *Adapter) Run(ctx context.Context, prompt string, sink adapter.Sink) adapter.RunResult {
	if err := a.ensureDiscovered(ctx); err != nil {
		sink.Emit(adapter.Event{Kind: adapter.EventError, ErrorMessage: err.Error()})
		return adapter.RunResult{Err: err}
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.aborted = false
	a.messages = append(a.messages, sdkchat.Message{Role: "user", Content: prompt})
	specs := a.specs
	a.mu.Unlock()
	defer cancel()

	var usage session.TokenUsage

	for iter := 0; iter < maxIterations; iter++ {
		select {
		case <-runCtx.Done():
			return adapter.RunResult{Usage: usage, Err: runCtx.Err()}
		default:
		}

		a.mu.Lock()
		msgs := append([]sdkchat.Message(nil), a.messages...)
		a.mu.Unlock()

		resp, err := a.cfg.Client.Complete(runCtx, sdkchat.CompletionRequest{Model: a.cfg.Model, Messages: msgs, Tools: specs})
		if err != nil {
			sink.Emit(adapter.Event{Kind: adapter.EventError, ErrorMessage: err.Error()})
			return adapter.RunResult{Usage: usage, Err: apperr.Wrap(apperr.KindBackendRuntime, "mcp chat completion failed", err)}
		}

		usage.Input += resp.Usage.InputTokens
		usage.Output += resp.Usage.OutputTokens

		if resp.Text != "" {
			sink.Emit(adapter.Event{Kind: adapter.EventOutput, Chunk: session.OutputChunk{
				Kind: session.ChunkText, Content: resp.Text, Timestamp: time.Now(),
			}})
		}

		a.mu.Lock()
		a.messages = append(a.messages, sdkchat.Message{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls})
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

func (a *Adapter) runToolCall(ctx context.Context, call sdkchat.ToolCall, sink adapter.Sink) {
	var args map[string]any
	_ = json.Unmarshal(call.Arguments, &args)
	meta := map[string]any{session.MetaToolName: call.Name}
	if len(args) > 0 {
		meta["input"] = args
	}
	sink.Emit(adapter.Event{Kind: adapter.EventOutput, Chunk: session.OutputChunk{
		Kind: session.ChunkToolUse, Content: call.Name, Timestamp: time.Now(), Metadata: meta,
	}})

	output, success := a.callMCPTool(ctx, call.Name, args)

	sink.Emit(adapter.Event{Kind: adapter.EventOutput, Chunk: session.OutputChunk{
		Kind: session.ChunkToolResult, Content: output, Timestamp: time.Now(),
		Metadata: map[string]any{session.MetaToolName: call.Name, session.MetaSuccess: success},
	}})

	a.mu.Lock()
	a.messages = append(a.messages, sdkchat.Message{Role: "tool", Content: output, ToolCallID: call.ID})
	a.mu.Unlock()
}

func (a *Adapter) callMCPTool(ctx context.Context, key string, args map[string]any) (string, bool) {
	a.mu.Lock()
	target, ok := a.lookup[key]
	a.mu.Unlock()
	if !ok {
		return "unknown mcp tool: " + key, false
	}

	client, err := a.pool.Acquire(ctx, target.server)
	if err != nil {
		return err.Error(), false
	}
	defer a.pool.Release(target.server, client)

	req := mcp.CallToolRequest{}
	req.Params.Name = target.name
	req.Params.Arguments = args

	result, err := client.CallTool(ctx, req)
	if err != nil {
		return err.Error(), false
	}
	if result.IsError {
		return textFromContent(result.Content), false
	}
	return textFromContent(result.Content), true
}

func textFromContent(content []mcp.Content) string {
	var out string
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}

// Abort cancels the in-flight Run. The connection pool is left open, so
// a later Run can reuse its pooled connections.
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
