package event

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// Property: event serialization round-trips to the same typed variant for
// arbitrary field contents.
func TestProperty_EventRoundTrip(t *testing.T) {
	categories := []Category{
		CategoryNodeRun, CategoryStreamMsg, CategoryOutputMsg,
		CategoryOutputChoose, CategoryOutputInput, CategoryUserInput,
		CategoryGuideWord, CategoryGuideQuestion, CategoryExecStep, CategorySubTask,
	}
	phases := []Type{TypeStart, TypeEnd, TypeStream, TypeOver}

	rapid.Check(t, func(rt *rapid.T) {
		ev := Event{
			Type:        phases[rapid.IntRange(0, len(phases)-1).Draw(rt, "type")],
			Category:    categories[rapid.IntRange(0, len(categories)-1).Draw(rt, "category")],
			FlowID:      rapid.StringMatching(`sv-[a-f0-9]{8}`).Draw(rt, "flowID"),
			TaskID:      rapid.StringMatching(`task-[a-f0-9]{0,8}`).Draw(rt, "taskID"),
			StepOrdinal: rapid.IntRange(0, 1000).Draw(rt, "ordinal"),
			Message:     rapid.String().Draw(rt, "message"),
		}
		if rapid.Bool().Draw(rt, "hasExtra") {
			ev.Extra = &Extra{
				CallReason: rapid.String().Draw(rt, "callReason"),
				ToolName:   rapid.StringMatching(`[a-z_]{1,20}`).Draw(rt, "toolName"),
				ToolResult: rapid.String().Draw(rt, "toolResult"),
				Error:      rapid.Bool().Draw(rt, "errFlag"),
				Unfinished: rapid.Bool().Draw(rt, "unfinished"),
			}
		}

		data, err := Encode(ev)
		require.NoError(rt, err)

		got, err := Decode(data)
		require.NoError(rt, err)
		require.Equal(rt, ev, got)
	})
}
