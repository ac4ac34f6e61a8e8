package executor

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dataelem/linsight/llm"
	"github.com/dataelem/linsight/llm/tokenizer"
	"github.com/dataelem/linsight/types"
)

// compactor shrinks the tool-call portion of a conversation once it exceeds
// the token budget. Non-tool messages are kept verbatim.
type compactor struct {
	provider llm.Provider
	counter  tokenizer.Tokenizer
	model    string
	budget   int
	logger   *zap.Logger
}

// toolTokens counts the tokens of all tool-related messages. Counter errors
// degrade to a zero count for the affected message.
func (c *compactor) toolTokens(history []types.Message) int {
	total := 0
	for _, m := range history {
		if !m.IsToolRelated() {
			continue
		}
		n, err := c.counter.CountTokens(m.Content)
		if err == nil {
			total += n
		}
		for _, tc := range m.ToolCalls {
			n, err := c.counter.CountTokens(string(tc.Arguments))
			if err == nil {
				total += n
			}
		}
	}
	return total
}

// compact replaces the tool-related messages with one summary message when
// the budget is exceeded. The most recent tool exchange is kept verbatim so
// the model retains its immediate context. On summarization failure the
// original history is returned untouched.
func (c *compactor) compact(ctx context.Context, history []types.Message) []types.Message {
	if c.budget <= 0 || c.toolTokens(history) <= c.budget {
		return history
	}

	// 最近一次工具交互保持原样
	lastKept := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		if len(history[i].ToolCalls) > 0 {
			lastKept = i
			break
		}
	}

	var transcript strings.Builder
	for i := 0; i < lastKept; i++ {
		m := history[i]
		if !m.IsToolRelated() {
			continue
		}
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&transcript, "call %s(%s)\n", tc.Name, tc.Arguments)
		}
		if m.Role == types.RoleTool {
			fmt.Fprintf(&transcript, "result: %s\n", m.Content)
		}
	}
	if transcript.Len() == 0 {
		return history
	}

	resp, err := c.provider.Completion(ctx, &llm.ChatRequest{
		Model: c.model,
		Messages: []types.Message{
			types.NewUserMessage(fmt.Sprintf(summarizeHistoryPrompt, transcript.String())),
		},
	})
	if err != nil {
		c.logger.Warn("history summarization failed, keeping full history", zap.Error(err))
		return history
	}
	summary := resp.Message().Content
	if summary == "" {
		return history
	}

	out := make([]types.Message, 0, len(history))
	inserted := false
	for i, m := range history {
		if i < lastKept && m.IsToolRelated() {
			if !inserted {
				out = append(out, types.NewAssistantMessage("Summary of earlier tool activity:\n"+summary))
				inserted = true
			}
			continue
		}
		out = append(out, m)
	}
	c.logger.Info("history compacted",
		zap.Int("before", len(history)),
		zap.Int("after", len(out)))
	return out
}
