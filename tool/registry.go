// Package tool implements the tool registry the executor invokes tools
// through. Every schema is augmented with a mandatory call_reason parameter,
// and a synthetic request_user_input tool is always present.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dataelem/linsight/types"
)

// UserInputToolName is the reserved synthetic tool that suspends a task
// until an external reply arrives. The registry lists its schema; the
// executor intercepts calls to it before Invoke.
const UserInputToolName = "request_user_input"

// CallReasonField is the mandatory parameter added to every tool schema.
const CallReasonField = "call_reason"

// Func is the tool function signature. args is the JSON object of call
// parameters, call_reason included.
type Func func(ctx context.Context, args json.RawMessage) (string, error)

// Metadata describes a registered tool.
type Metadata struct {
	Schema  types.ToolSchema
	Timeout time.Duration // execution timeout, default 30s
	// ProducesFile marks tools whose result JSON carries a local_path the
	// executor must upload and attach to the step's file_info.
	ProducesFile bool
}

// Registry is the capability the executor sees: list schemas, invoke by name.
type Registry interface {
	// ListTools returns all augmented schemas, request_user_input included.
	ListTools() []types.ToolSchema

	// Invoke runs the named tool. ok=false signals a recoverable error whose
	// message must be fed back to the LLM as an observation.
	Invoke(ctx context.Context, name string, params json.RawMessage) (string, bool)

	// Meta returns the metadata of a registered tool.
	Meta(name string) (Metadata, bool)

	// Has reports whether the tool is registered.
	Has(name string) bool
}

// DefaultRegistry is the standard thread-safe Registry implementation.
type DefaultRegistry struct {
	mu     sync.RWMutex
	tools  map[string]Func
	meta   map[string]Metadata
	logger *zap.Logger
}

// NewRegistry 创建默认的工具注册中心。
func NewRegistry(logger *zap.Logger) *DefaultRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultRegistry{
		tools:  make(map[string]Func),
		meta:   make(map[string]Metadata),
		logger: logger,
	}
}

// Register adds a tool. The schema is augmented with call_reason on
// registration so ListTools needs no rewriting per call.
func (r *DefaultRegistry) Register(name string, fn Func, meta Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == UserInputToolName {
		return fmt.Errorf("tool name %s is reserved", name)
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}

	if meta.Schema.Name == "" {
		meta.Schema.Name = name
	}
	if meta.Schema.Name != name {
		return fmt.Errorf("tool name mismatch: schema.Name=%s, register name=%s", meta.Schema.Name, name)
	}
	if meta.Timeout == 0 {
		meta.Timeout = 30 * time.Second
	}

	augmented, err := augmentSchema(meta.Schema.Parameters)
	if err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}
	meta.Schema.Parameters = augmented

	r.tools[name] = fn
	r.meta[name] = meta
	r.logger.Info("tool registered", zap.String("name", name), zap.Duration("timeout", meta.Timeout))
	return nil
}

// ListTools implements Registry.
func (r *DefaultRegistry) ListTools() []types.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]types.ToolSchema, 0, len(r.meta)+1)
	for _, m := range r.meta {
		schemas = append(schemas, m.Schema)
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	schemas = append(schemas, UserInputSchema())
	return schemas
}

// Has implements Registry.
func (r *DefaultRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Meta implements Registry.
func (r *DefaultRegistry) Meta(name string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.meta[name]
	return m, ok
}

// Invoke implements Registry. Unknown tools and missing call_reason are
// recoverable: the observation text goes back to the LLM.
func (r *DefaultRegistry) Invoke(ctx context.Context, name string, params json.RawMessage) (string, bool) {
	r.mu.RLock()
	fn, ok := r.tools[name]
	meta := r.meta[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Sprintf("tool %s exec error: unknown tool", name), false
	}
	if err := requireCallReason(params); err != nil {
		return fmt.Sprintf("tool %s exec error: %s", name, err), false
	}

	execCtx, cancel := context.WithTimeout(ctx, meta.Timeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	// 带缓冲, 超时后 goroutine 也能退出
	done := make(chan outcome, 1)
	go func() {
		res, err := fn(execCtx, params)
		done <- outcome{res, err}
	}()

	start := time.Now()
	select {
	case out := <-done:
		if out.err != nil {
			r.logger.Warn("tool execution failed",
				zap.String("name", name),
				zap.Error(out.err),
				zap.Duration("duration", time.Since(start)))
			return fmt.Sprintf("tool %s exec error: %s", name, out.err), false
		}
		r.logger.Debug("tool executed",
			zap.String("name", name),
			zap.Duration("duration", time.Since(start)))
		return out.result, true
	case <-execCtx.Done():
		r.logger.Warn("tool execution timeout",
			zap.String("name", name),
			zap.Duration("timeout", meta.Timeout))
		return fmt.Sprintf("tool %s exec error: execution timeout after %s", name, meta.Timeout), false
	}
}

// requireCallReason validates that params is a JSON object carrying a
// non-empty call_reason string.
func requireCallReason(params json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(params, &obj); err != nil {
		return fmt.Errorf("invalid arguments: %s", err)
	}
	raw, ok := obj[CallReasonField]
	if !ok {
		return fmt.Errorf("missing required parameter %s", CallReasonField)
	}
	var reason string
	if err := json.Unmarshal(raw, &reason); err != nil || reason == "" {
		return fmt.Errorf("parameter %s must be a non-empty string", CallReasonField)
	}
	return nil
}

// augmentSchema injects call_reason into a JSON Schema object's properties
// and required list.
func augmentSchema(params json.RawMessage) (json.RawMessage, error) {
	schema := map[string]any{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &schema); err != nil {
			return nil, fmt.Errorf("invalid parameter schema: %w", err)
		}
	}
	if schema["type"] == nil {
		schema["type"] = "object"
	}

	props, _ := schema["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	props[CallReasonField] = map[string]any{
		"type":        "string",
		"description": "Explain in natural language why this tool call is needed.",
	}
	schema["properties"] = props

	required := []any{}
	if existing, ok := schema["required"].([]any); ok {
		required = existing
	}
	hasReason := false
	for _, v := range required {
		if v == CallReasonField {
			hasReason = true
			break
		}
	}
	if !hasReason {
		required = append(required, CallReasonField)
	}
	schema["required"] = required

	return json.Marshal(schema)
}

// UserInputSchema returns the synthetic request_user_input schema. Its only
// parameter is call_reason.
func UserInputSchema() types.ToolSchema {
	params, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			CallReasonField: map[string]any{
				"type":        "string",
				"description": "Explain to the user why their input is needed before continuing.",
			},
		},
		"required": []string{CallReasonField},
	})
	return types.ToolSchema{
		Name:        UserInputToolName,
		Description: "Pause execution and ask the user for input. Use when a decision or missing information blocks progress.",
		Parameters:  params,
	}
}

// CallReason extracts call_reason from tool-call arguments, empty when absent.
func CallReason(params json.RawMessage) string {
	var obj struct {
		Reason string `json:"call_reason"`
	}
	if err := json.Unmarshal(params, &obj); err != nil {
		return ""
	}
	return obj.Reason
}
