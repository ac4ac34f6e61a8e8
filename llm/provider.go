// Package llm defines the capability interface between the execution engine
// and language models, plus the adapter registry the engine selects from by
// a configured string key.
package llm

import (
	"context"
	"time"

	"github.com/dataelem/linsight/types"
)

// ErrorCode aligns LLM failures with retryability and degradation policy.
type ErrorCode string

const (
	ErrInvalidRequest  ErrorCode = "LLM_INVALID_REQUEST"
	ErrUnauthorized    ErrorCode = "LLM_UNAUTHORIZED"
	ErrRateLimited     ErrorCode = "LLM_RATE_LIMITED"
	ErrContentFiltered ErrorCode = "LLM_CONTENT_FILTERED"
	ErrUpstreamTimeout ErrorCode = "LLM_UPSTREAM_TIMEOUT"
	ErrUpstreamError   ErrorCode = "LLM_UPSTREAM_ERROR"
)

// Error is a structured LLM failure.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// IsRetryable lets the retry package respect transport-level retryability.
func (e *Error) IsRetryable() bool { return e.Retryable }

// ChatRequest is a provider-agnostic completion request.
type ChatRequest struct {
	Model       string             `json:"model"`
	Messages    []types.Message    `json:"messages"`
	Tools       []types.ToolSchema `json:"tools,omitempty"`
	ToolChoice  string             `json:"tool_choice,omitempty"` // auto/none/<tool name>
	Temperature float32            `json:"temperature,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Stop        []string           `json:"stop,omitempty"`
	Timeout     time.Duration      `json:"timeout,omitempty"`
}

// ChatUsage reports token accounting for one call.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// ChatChoice is one candidate completion.
type ChatChoice struct {
	Index        int           `json:"index"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Message      types.Message `json:"message"`
}

// ChatResponse is a complete model response.
type ChatResponse struct {
	ID       string       `json:"id,omitempty"`
	Provider string       `json:"provider,omitempty"`
	Model    string       `json:"model"`
	Choices  []ChatChoice `json:"choices"`
	Usage    ChatUsage    `json:"usage,omitempty"`
}

// Message returns the message of the first choice, or a zero message when the
// response carries no choices.
func (r *ChatResponse) Message() types.Message {
	if r == nil || len(r.Choices) == 0 {
		return types.Message{}
	}
	return r.Choices[0].Message
}

// StreamChunk is one increment of a streamed response.
type StreamChunk struct {
	ID           string        `json:"id,omitempty"`
	Delta        types.Message `json:"delta"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        *ChatUsage    `json:"usage,omitempty"`
	Err          *Error        `json:"error,omitempty"`
}

// Provider is the uniform LLM adapter capability. Tool schemas ride on
// ChatRequest.Tools; tool execution belongs to the tool package.
type Provider interface {
	// Completion issues a synchronous chat request.
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream issues a streaming chat request; the channel closes after the
	// final chunk. Providers without streaming support return a nil channel
	// and a nil error.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// Name returns the unique adapter key.
	Name() string
}
