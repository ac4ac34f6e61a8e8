package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReactAction(t *testing.T) {
	text := `Thought: I need last quarter's numbers
Action: search
Action Input: {"query": "Q2 sales", "call_reason": "need raw data"}`

	step, err := parseReact(text)
	require.NoError(t, err)
	assert.False(t, step.IsFinal)
	assert.Equal(t, "I need last quarter's numbers", step.Thought)
	assert.Equal(t, "search", step.Action)
	assert.JSONEq(t, `{"query":"Q2 sales","call_reason":"need raw data"}`, string(step.ActionInput))
}

func TestParseReactFinalAnswer(t *testing.T) {
	text := `Thought: I now know the final answer
Final Answer: revenue grew 12%`

	step, err := parseReact(text)
	require.NoError(t, err)
	assert.True(t, step.IsFinal)
	assert.Equal(t, "revenue grew 12%", step.FinalAnswer)
}

func TestParseReactFencedInput(t *testing.T) {
	text := "Action: excel\nAction Input: ```json\n{\"path\": \"a.xlsx\", \"call_reason\": \"write\"}\n```"

	step, err := parseReact(text)
	require.NoError(t, err)
	assert.Equal(t, "excel", step.Action)
	assert.JSONEq(t, `{"path":"a.xlsx","call_reason":"write"}`, string(step.ActionInput))
}

func TestParseReactNestedJSON(t *testing.T) {
	text := `Action: write
Action Input: {"data": {"rows": [1, 2]}, "note": "has {braces} inside", "call_reason": "x"} trailing prose`

	step, err := parseReact(text)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"rows":[1,2]},"note":"has {braces} inside","call_reason":"x"}`, string(step.ActionInput))
}

func TestParseReactRejectsFreeText(t *testing.T) {
	_, err := parseReact("Sure! Let me think about that.")
	assert.ErrorIs(t, err, errReactFormat)
}

func TestParseReactRejectsMissingInput(t *testing.T) {
	_, err := parseReact("Thought: hm\nAction: search")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, errReactFormat)
}

func TestParseReactRejectsInvalidJSON(t *testing.T) {
	_, err := parseReact(`Action: search
Action Input: {"query": oops}`)
	assert.Error(t, err)
}
