package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dataelem/linsight/types"
)

// OpenAICompatConfig configures a generic OpenAI-compatible adapter. Most
// hosted and self-deployed chat endpoints (vLLM, DeepSeek, Qwen, GLM, ...)
// speak this dialect; vendor-specific adapters stay outside the engine.
type OpenAICompatConfig struct {
	ProviderName string        `yaml:"provider_name"`
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	EndpointPath string        `yaml:"endpoint_path"` // default /v1/chat/completions
	Timeout      time.Duration `yaml:"timeout"`       // default 120s
}

// OpenAICompatProvider implements Provider against an OpenAI-compatible
// chat completions endpoint.
type OpenAICompatProvider struct {
	cfg    OpenAICompatConfig
	client *http.Client
	logger *zap.Logger
}

// NewOpenAICompat creates the adapter.
func NewOpenAICompat(cfg OpenAICompatConfig, logger *zap.Logger) *OpenAICompatProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAICompatProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

func (p *OpenAICompatProvider) Name() string { return p.cfg.ProviderName }

// wireRequest mirrors the OpenAI chat/completions body.
type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function types.ToolSchema `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func toWireMessages(msgs []types.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wtc := wireToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		out = append(out, wm)
	}
	return out
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int    `json:"index"`
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			Reasoning string `json:"reasoning_content,omitempty"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string          `json:"name"`
					Arguments json.RawMessage `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Usage ChatUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (p *OpenAICompatProvider) buildBody(req *ChatRequest, stream bool) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}
	body := wireRequest{
		Model:       model,
		Messages:    toWireMessages(req.Messages),
		ToolChoice:  req.ToolChoice,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Stream:      stream,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, wireTool{Type: "function", Function: t})
	}
	return json.Marshal(body)
}

func (p *OpenAICompatProvider) newHTTPRequest(ctx context.Context, payload []byte) (*http.Request, error) {
	url := strings.TrimRight(p.cfg.BaseURL, "/") + p.cfg.EndpointPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	return httpReq, nil
}

// normalizeArguments accepts both wire encodings of tool-call arguments:
// a JSON object, or a JSON string containing serialized JSON (the OpenAI
// form). The result is always the inner object.
func normalizeArguments(raw json.RawMessage) json.RawMessage {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return json.RawMessage(s)
	}
	return raw
}

func mapHTTPError(provider string, status int, body string) *Error {
	e := &Error{Provider: provider, HTTPStatus: status, Message: body}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Code = ErrUnauthorized
	case status == http.StatusTooManyRequests:
		e.Code = ErrRateLimited
		e.Retryable = true
	case status == http.StatusBadRequest:
		e.Code = ErrInvalidRequest
	case status >= 500:
		e.Code = ErrUpstreamError
		e.Retryable = true
	default:
		e.Code = ErrUpstreamError
	}
	return e
}

// Completion implements Provider.
func (p *OpenAICompatProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	payload, err := p.buildBody(req, false)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := p.newHTTPRequest(ctx, payload)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Code: ErrUpstreamTimeout, Message: err.Error(), Retryable: true, Provider: p.Name()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(p.Name(), resp.StatusCode, string(raw))
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if wire.Error != nil {
		return nil, &Error{Code: ErrUpstreamError, Message: wire.Error.Message, Provider: p.Name()}
	}

	out := &ChatResponse{ID: wire.ID, Provider: p.Name(), Model: wire.Model, Usage: wire.Usage}
	for _, c := range wire.Choices {
		msg := types.Message{
			Role:      types.Role(c.Message.Role),
			Content:   c.Message.Content,
			Reasoning: c.Message.Reasoning,
		}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: normalizeArguments(tc.Function.Arguments),
			})
		}
		out.Choices = append(out.Choices, ChatChoice{Index: c.Index, FinishReason: c.FinishReason, Message: msg})
	}
	return out, nil
}

// sseChunk mirrors one streamed delta line.
type sseChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Delta        struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			Reasoning string `json:"reasoning_content,omitempty"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *ChatUsage `json:"usage,omitempty"`
}

// Stream implements Provider. Tool-call argument fragments are forwarded as
// raw string segments; callers assemble them per call index.
func (p *OpenAICompatProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	payload, err := p.buildBody(req, true)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := p.newHTTPRequest(ctx, payload)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Code: ErrUpstreamTimeout, Message: err.Error(), Retryable: true, Provider: p.Name()}
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, mapHTTPError(p.Name(), resp.StatusCode, string(raw))
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var chunk sseChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				p.logger.Warn("skip malformed stream chunk", zap.Error(err))
				continue
			}

			out := StreamChunk{ID: chunk.ID, Usage: chunk.Usage}
			if len(chunk.Choices) > 0 {
				c := chunk.Choices[0]
				out.FinishReason = c.FinishReason
				out.Delta = types.Message{
					Role:      types.Role(c.Delta.Role),
					Content:   c.Delta.Content,
					Reasoning: c.Delta.Reasoning,
				}
				for _, tc := range c.Delta.ToolCalls {
					out.Delta.ToolCalls = append(out.Delta.ToolCalls, types.ToolCall{
						ID:        tc.ID,
						Name:      tc.Function.Name,
						Arguments: json.RawMessage(tc.Function.Arguments),
					})
				}
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case ch <- StreamChunk{Err: &Error{Code: ErrUpstreamError, Message: err.Error(), Provider: p.Name()}}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}
