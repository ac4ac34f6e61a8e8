package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataelem/linsight/types"
)

func echoTool(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", err
	}
	return in.Text, nil
}

func newTestRegistry(t *testing.T) *DefaultRegistry {
	t.Helper()
	r := NewRegistry(nil)
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required": []string{"text"},
	})
	require.NoError(t, r.Register("echo", echoTool, Metadata{
		Schema: types.ToolSchema{Name: "echo", Description: "echo back text", Parameters: schema},
	}))
	return r
}

func TestListToolsAugmentsCallReason(t *testing.T) {
	r := newTestRegistry(t)

	schemas := r.ListTools()
	require.Len(t, schemas, 2) // echo + request_user_input
	assert.Equal(t, "echo", schemas[0].Name)
	assert.Equal(t, UserInputToolName, schemas[1].Name)

	var params struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	require.NoError(t, json.Unmarshal(schemas[0].Parameters, &params))
	assert.Contains(t, params.Properties, CallReasonField)
	assert.Contains(t, params.Required, CallReasonField)
	assert.Contains(t, params.Required, "text")
}

func TestInvoke(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		result, ok := r.Invoke(ctx, "echo", json.RawMessage(`{"text":"hi","call_reason":"testing"}`))
		assert.True(t, ok)
		assert.Equal(t, "hi", result)
	})

	t.Run("MissingCallReason", func(t *testing.T) {
		result, ok := r.Invoke(ctx, "echo", json.RawMessage(`{"text":"hi"}`))
		assert.False(t, ok)
		assert.Contains(t, result, "tool echo exec error")
		assert.Contains(t, result, CallReasonField)
	})

	t.Run("EmptyCallReason", func(t *testing.T) {
		_, ok := r.Invoke(ctx, "echo", json.RawMessage(`{"text":"hi","call_reason":""}`))
		assert.False(t, ok)
	})

	t.Run("UnknownTool", func(t *testing.T) {
		result, ok := r.Invoke(ctx, "nope", json.RawMessage(`{"call_reason":"x"}`))
		assert.False(t, ok)
		assert.Contains(t, result, "unknown tool")
	})

	t.Run("InvalidArguments", func(t *testing.T) {
		result, ok := r.Invoke(ctx, "echo", json.RawMessage(`not json`))
		assert.False(t, ok)
		assert.Contains(t, result, "invalid arguments")
	})
}

func TestInvokeToolError(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("fail", func(ctx context.Context, args json.RawMessage) (string, error) {
		return "", errors.New("backend unavailable")
	}, Metadata{}))

	result, ok := r.Invoke(context.Background(), "fail", json.RawMessage(`{"call_reason":"x"}`))
	assert.False(t, ok)
	assert.Equal(t, "tool fail exec error: backend unavailable", result)
}

func TestInvokeTimeout(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("slow", func(ctx context.Context, args json.RawMessage) (string, error) {
		select {
		case <-time.After(5 * time.Second):
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}, Metadata{Timeout: 20 * time.Millisecond}))

	result, ok := r.Invoke(context.Background(), "slow", json.RawMessage(`{"call_reason":"x"}`))
	assert.False(t, ok)
	assert.Contains(t, result, "timeout")
}

func TestRegisterRejectsReservedName(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register(UserInputToolName, echoTool, Metadata{})
	assert.Error(t, err)
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Register("echo", echoTool, Metadata{})
	assert.Error(t, err)
}

func TestCallReason(t *testing.T) {
	assert.Equal(t, "why", CallReason(json.RawMessage(`{"call_reason":"why"}`)))
	assert.Equal(t, "", CallReason(json.RawMessage(`{}`)))
	assert.Equal(t, "", CallReason(json.RawMessage(`garbage`)))
}

func TestLocalFile(t *testing.T) {
	path, ok := LocalFile(`{"local_path":"/tmp/report.xlsx","text":"written"}`)
	assert.True(t, ok)
	assert.Equal(t, "/tmp/report.xlsx", path)

	_, ok = LocalFile(`{"text":"no file"}`)
	assert.False(t, ok)

	_, ok = LocalFile(`plain text result`)
	assert.False(t, ok)
}
