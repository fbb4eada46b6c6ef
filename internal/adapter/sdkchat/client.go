// Package sdkchat implements the SDK chat adapter (spec §4.3.b): an
// in-process tool-calling loop against a chat-completion API, with
// context-window pruning and exponential-backoff retry on rate limits.
package sdkchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Message is one turn in the chat history.
type Message struct {
	Role        string       `json:"role"` // system | user | assistant | tool
	Content     string       `json:"content"`
	ToolCallID  string       `json:"tool_call_id,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"` // multimodal adapter only
}

// ToolCall is one model-issued tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolSpec describes one callable tool in the request's tool schema.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// CompletionRequest is what ChatClient.Complete sends upstream.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolSpec
	Attachments []Attachment // not set by the loop; attachments travel on Message.Attachments
}

// Attachment mirrors session.ImageAttachment without importing session,
// keeping this package usable standalone.
type Attachment struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
	FileName string `json:"fileName,omitempty"`
}

// CompletionResponse is one non-streaming completion result.
type CompletionResponse struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string // stop | tool_calls | length
	Usage        struct {
		InputTokens  int
		OutputTokens int
	}
}

// RateLimitError is returned by a ChatClient when the upstream API
// responds with HTTP 429, so the loop's backoff can recognize it
// specifically (spec §4.3.b).
type RateLimitError struct{ RetryAfter time.Duration }

func (e *RateLimitError) Error() string { return "sdkchat: rate limited" }

// ChatClient is the minimal surface the loop needs from an LLM provider.
type ChatClient interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// HTTPChatClient is a generic JSON-over-HTTP ChatClient for an
// OpenAI-compatible chat completions endpoint. Its transport is wrapped
// with otelhttp so every completion call produces a span under the
// session's trace (mirrors the teacher's OTel wiring).
type HTTPChatClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// NewHTTPChatClient builds a ChatClient against endpoint, authenticating
// with apiKey as a bearer token.
func NewHTTPChatClient(endpoint, apiKey string) *HTTPChatClient {
	return &HTTPChatClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: 120 * time.Second},
	}
}

type wireRequest struct {
	Model    string     `json:"model"`
	Messages []Message  `json:"messages"`
	Tools    []ToolSpec `json:"tools,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *HTTPChatClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	body, err := json.Marshal(wireRequest{Model: req.Model, Messages: req.Messages, Tools: req.Tools})
	if err != nil {
		return nil, fmt.Errorf("sdkchat: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sdkchat: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sdkchat: completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 2 * time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := time.ParseDuration(ra + "s"); err == nil {
				retryAfter = secs
			}
		}
		return nil, &RateLimitError{RetryAfter: retryAfter}
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sdkchat: completion request failed with status %d", resp.StatusCode)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("sdkchat: decode response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("sdkchat: completion response had no choices")
	}

	choice := wire.Choices[0]
	out := &CompletionResponse{
		Text:         choice.Message.Content,
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
	}
	out.Usage.InputTokens = wire.Usage.PromptTokens
	out.Usage.OutputTokens = wire.Usage.CompletionTokens
	return out, nil
}
