package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataelem/linsight/types"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	events := []Event{
		NodeStart("sv-1", "task-1", "step_1"),
		NodeEnd("sv-1", "task-1", "step_1"),
		StreamToken("sv-1", "task-1", "hel"),
		StreamOver("sv-1", "task-1", "hello", "thinking...", json.RawMessage(`[{"doc":"a"}]`)),
		OutputMessage("sv-1", "task-1", "final answer", []types.FileRef{{Name: "out.txt", URL: "https://x/out.txt"}}),
		TerminalOutput("sv-1", "stopped by user", false),
		OutputChoose("sv-1", "task-1", "pick one", []string{"a", "b"}),
		OutputInput("sv-1", "task-1", "type something"),
		GuideWord("sv-1", "welcome"),
		GuideQuestion("sv-1", []string{"q1", "q2"}),
		UserInputRequest("sv-1", "task-2", "Confirm proceed?"),
		ExecStepStart("sv-1", "task-1", 3, "search", json.RawMessage(`{"q":"golang","call_reason":"find docs"}`)),
		ExecStepEnd("sv-1", "task-1", 3, "search", "10 results", &types.FileRef{Name: "r.csv", URL: "https://x/r.csv"}),
		GenerateSubTask("sv-1", "task-3", []types.Task{{ID: "t-c1", StepID: "step_3_1", Target: "sub"}}),
	}

	for _, ev := range events {
		data, err := Encode(ev)
		require.NoError(t, err)

		got, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, ev, got, "category %s", ev.Category)
	}
}

func TestDecodeRejectsUntagged(t *testing.T) {
	_, err := Decode([]byte(`{"flow_id":"sv-1"}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestTerminalOutputFlags(t *testing.T) {
	failed := TerminalOutput("sv-1", "boom", true)
	require.NotNil(t, failed.Extra)
	assert.True(t, failed.Extra.Error)
	assert.False(t, failed.Extra.Unfinished)

	stopped := TerminalOutput("sv-1", "stopped", false)
	require.NotNil(t, stopped.Extra)
	assert.False(t, stopped.Extra.Error)
	assert.True(t, stopped.Extra.Unfinished)
}
