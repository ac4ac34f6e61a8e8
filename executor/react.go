package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dataelem/linsight/types"
)

// reactInstructions is appended to the system prompt in ReAct mode. The model
// answers in Thought/Action/Action Input blocks instead of native tool calls.
const reactInstructions = `
Answer using this exact format:

Thought: what you are reasoning about
Action: the tool name, one of [%s]
Action Input: a JSON object with the tool arguments, call_reason included

After each observation continue with another Thought. When you have the final
result, answer with:

Thought: I now know the final answer
Final Answer: the result`

// reactStep is one parsed assistant turn in ReAct mode.
type reactStep struct {
	Thought     string
	Action      string
	ActionInput json.RawMessage
	FinalAnswer string
	IsFinal     bool
}

var errReactFormat = errors.New("response does not follow the Thought/Action format")

func reactToolList(tools []types.ToolSchema) string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	return strings.Join(names, ", ")
}

// parseReact extracts the action or final answer from a ReAct turn. A missing
// Action plus missing Final Answer is a format error the caller retries with
// a raised temperature.
func parseReact(text string) (reactStep, error) {
	step := reactStep{}
	step.Thought = section(text, "Thought:")

	if answer, ok := sectionOK(text, "Final Answer:"); ok {
		step.FinalAnswer = strings.TrimSpace(answer)
		step.IsFinal = true
		return step, nil
	}

	action, ok := sectionOK(text, "Action:")
	if !ok || strings.TrimSpace(action) == "" {
		return step, errReactFormat
	}
	step.Action = strings.TrimSpace(action)

	rawInput, ok := sectionOK(text, "Action Input:")
	if !ok {
		return step, fmt.Errorf("action %s: missing Action Input", step.Action)
	}
	input, err := extractObject(rawInput)
	if err != nil {
		return step, fmt.Errorf("action %s: %w", step.Action, err)
	}
	step.ActionInput = input
	return step, nil
}

// section returns the text between the marker and the next known marker.
func section(text, marker string) string {
	s, _ := sectionOK(text, marker)
	return s
}

func sectionOK(text, marker string) (string, bool) {
	idx := strings.Index(text, marker)
	if idx < 0 {
		return "", false
	}
	rest := text[idx+len(marker):]
	end := len(rest)
	for _, next := range []string{"Thought:", "Action:", "Action Input:", "Observation:", "Final Answer:"} {
		if next == marker {
			continue
		}
		if j := strings.Index(rest, next); j >= 0 && j < end {
			end = j
		}
	}
	return strings.TrimSpace(rest[:end]), true
}

// extractObject pulls the first balanced JSON object out of the Action Input
// block, tolerating code fences and trailing prose.
func extractObject(text string) (json.RawMessage, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	start := strings.Index(text, "{")
	if start < 0 {
		return nil, errors.New("no JSON object in action input")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == '{':
			depth++
		case !inString && ch == '}':
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				if !json.Valid([]byte(candidate)) {
					return nil, errors.New("invalid JSON in action input")
				}
				return json.RawMessage(candidate), nil
			}
		}
	}
	return nil, errors.New("unbalanced JSON object in action input")
}
