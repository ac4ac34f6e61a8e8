package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dataelem/linsight/llm"
	"github.com/dataelem/linsight/llm/tokenizer"
	"github.com/dataelem/linsight/types"
)

type summarizerStub struct {
	summary string
	calls   int
}

func (s *summarizerStub) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	s.calls++
	return &llm.ChatResponse{
		Choices: []llm.ChatChoice{{Message: types.NewAssistantMessage(s.summary)}},
	}, nil
}

func (s *summarizerStub) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return nil, nil
}

func (s *summarizerStub) Name() string { return "summarizer" }

func toolExchange(id, name, args, result string) []types.Message {
	call := types.Message{
		Role:      types.RoleAssistant,
		ToolCalls: []types.ToolCall{{ID: id, Name: name, Arguments: json.RawMessage(args)}},
	}
	return []types.Message{call, types.NewToolMessage(id, name, result)}
}

func TestCompactBelowBudgetKeepsHistory(t *testing.T) {
	stub := &summarizerStub{summary: "summary"}
	c := &compactor{provider: stub, counter: tokenizer.NewEstimator(), model: "m", budget: 1 << 20, logger: zap.NewNop()}

	history := []types.Message{types.NewSystemMessage("sys")}
	history = append(history, toolExchange("1", "search", `{"q":"x"}`, "result")...)

	out := c.compact(context.Background(), history)
	assert.Equal(t, history, out)
	assert.Zero(t, stub.calls)
}

func TestCompactReplacesOldToolMessages(t *testing.T) {
	stub := &summarizerStub{summary: "searched three things, found sales figures"}
	c := &compactor{provider: stub, counter: tokenizer.NewEstimator(), model: "m", budget: 10, logger: zap.NewNop()}

	history := []types.Message{
		types.NewSystemMessage("system prompt"),
		types.NewUserMessage("do the task"),
	}
	history = append(history, toolExchange("1", "search", `{"q":"first thing to look up"}`, "a very long first result text")...)
	history = append(history, toolExchange("2", "search", `{"q":"second thing to look up"}`, "a very long second result text")...)
	history = append(history, toolExchange("3", "search", `{"q":"third"}`, "third result")...)

	out := c.compact(context.Background(), history)
	require.Equal(t, 1, stub.calls)

	// system and user messages survive verbatim
	assert.Equal(t, "system prompt", out[0].Content)
	assert.Equal(t, "do the task", out[1].Content)

	// old exchanges collapsed into one summary, latest exchange kept
	assert.Contains(t, out[2].Content, "Summary of earlier tool activity")
	assert.Contains(t, out[2].Content, "sales figures")
	require.Len(t, out, 5)
	require.Len(t, out[3].ToolCalls, 1)
	assert.Equal(t, "3", out[3].ToolCalls[0].ID)
	assert.Equal(t, "third result", out[4].Content)
}

func TestCompactZeroBudgetDisabled(t *testing.T) {
	stub := &summarizerStub{summary: "s"}
	c := &compactor{provider: stub, counter: tokenizer.NewEstimator(), model: "m", budget: 0, logger: zap.NewNop()}

	history := toolExchange("1", "search", `{"q":"x"}`, "r")
	out := c.compact(context.Background(), history)
	assert.Equal(t, history, out)
	assert.Zero(t, stub.calls)
}
