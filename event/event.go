// Package event defines the closed set of observable agent events emitted
// into a session's broker event list and consumed by UI gateways.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/dataelem/linsight/types"
)

// Type is the stream phase of an event.
type Type string

const (
	TypeStart  Type = "start"
	TypeEnd    Type = "end"
	TypeStream Type = "stream"
	TypeOver   Type = "over"
)

// Category tags which variant an event carries.
type Category string

const (
	CategoryNodeRun       Category = "node_run"
	CategoryStreamMsg     Category = "stream_msg"
	CategoryOutputMsg     Category = "output_msg"
	CategoryOutputChoose  Category = "output_choose_msg"
	CategoryOutputInput   Category = "output_input_msg"
	CategoryUserInput     Category = "user_input"
	CategoryGuideWord     Category = "guide_word"
	CategoryGuideQuestion Category = "guide_question"
	CategoryExecStep      Category = "exec_step"
	CategorySubTask       Category = "generate_sub_task"
)

// Extra carries variant-specific fields the core reads. Anything else rides
// along as opaque JSON on the wire.
type Extra struct {
	NodeName   string          `json:"node_name,omitempty"`
	CallReason string          `json:"call_reason,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolParams json.RawMessage `json:"tool_params,omitempty"`
	ToolResult string          `json:"tool_result,omitempty"`
	FileInfo   *types.FileRef  `json:"file_info,omitempty"`
	Reasoning  string          `json:"reasoning_content,omitempty"`
	SubTasks   []types.Task    `json:"sub_tasks,omitempty"`
	Questions  []string        `json:"questions,omitempty"`
	Options    []string        `json:"options,omitempty"`
	Error      bool            `json:"error,omitempty"`
	Unfinished bool            `json:"unfinished,omitempty"`
}

// Event is a single message on the session event list. FlowID is the owning
// session version id; TaskID and StepOrdinal are set for task-scoped events.
type Event struct {
	Type            Type            `json:"type"`
	Category        Category        `json:"category"`
	FlowID          string          `json:"flow_id"`
	ChatID          string          `json:"chat_id,omitempty"`
	TaskID          string          `json:"task_id,omitempty"`
	MessageID       string          `json:"message_id,omitempty"`
	StepOrdinal     int             `json:"step_ordinal,omitempty"`
	Message         string          `json:"message,omitempty"`
	Extra           *Extra          `json:"extra,omitempty"`
	Files           []types.FileRef `json:"files,omitempty"`
	SourceDocuments json.RawMessage `json:"source_documents,omitempty"`
}

// Encode serializes the event for the broker list.
func Encode(ev Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return b, nil
}

// Decode parses an event previously produced by Encode.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" || ev.Category == "" {
		return Event{}, fmt.Errorf("decode event: missing type or category")
	}
	return ev, nil
}

// NodeStart wraps the beginning of a significant unit: a planner step, a task
// or a sub-task.
func NodeStart(flowID, taskID, name string) Event {
	return Event{
		Type:     TypeStart,
		Category: CategoryNodeRun,
		FlowID:   flowID,
		TaskID:   taskID,
		Extra:    &Extra{NodeName: name},
	}
}

// NodeEnd closes the unit opened by NodeStart.
func NodeEnd(flowID, taskID, name string) Event {
	return Event{
		Type:     TypeEnd,
		Category: CategoryNodeRun,
		FlowID:   flowID,
		TaskID:   taskID,
		Extra:    &Extra{NodeName: name},
	}
}

// StreamToken carries one partial LLM text fragment.
func StreamToken(flowID, taskID, token string) Event {
	return Event{
		Type:     TypeStream,
		Category: CategoryStreamMsg,
		FlowID:   flowID,
		TaskID:   taskID,
		Message:  token,
	}
}

// StreamOver carries the final aggregated text of a stream, with optional
// reasoning and retrieved source documents.
func StreamOver(flowID, taskID, text, reasoning string, sources json.RawMessage) Event {
	ev := Event{
		Type:            TypeOver,
		Category:        CategoryStreamMsg,
		FlowID:          flowID,
		TaskID:          taskID,
		Message:         text,
		SourceDocuments: sources,
	}
	if reasoning != "" {
		ev.Extra = &Extra{Reasoning: reasoning}
	}
	return ev
}

// OutputMessage is a finalized, user-visible answer fragment.
func OutputMessage(flowID, taskID, text string, files []types.FileRef) Event {
	return Event{
		Type:     TypeOver,
		Category: CategoryOutputMsg,
		FlowID:   flowID,
		TaskID:   taskID,
		Message:  text,
		Files:    files,
	}
}

// TerminalOutput is the final OutputMessage of a FAILED or TERMINATED
// session; exactly one of error/unfinished is set.
func TerminalOutput(flowID, text string, failed bool) Event {
	ev := OutputMessage(flowID, "", text, nil)
	ev.Extra = &Extra{Error: failed, Unfinished: !failed}
	return ev
}

// OutputChoose prompts the UI to present a chooser widget.
func OutputChoose(flowID, taskID, prompt string, options []string) Event {
	return Event{
		Type:     TypeOver,
		Category: CategoryOutputChoose,
		FlowID:   flowID,
		TaskID:   taskID,
		Message:  prompt,
		Extra:    &Extra{Options: options},
	}
}

// OutputInput prompts the UI to present a free-input widget.
func OutputInput(flowID, taskID, prompt string) Event {
	return Event{
		Type:     TypeOver,
		Category: CategoryOutputInput,
		FlowID:   flowID,
		TaskID:   taskID,
		Message:  prompt,
	}
}

// GuideWord is the boilerplate greeting emitted at session start.
func GuideWord(flowID, text string) Event {
	return Event{Type: TypeOver, Category: CategoryGuideWord, FlowID: flowID, Message: text}
}

// GuideQuestion suggests follow-up questions after the final answer.
func GuideQuestion(flowID string, questions []string) Event {
	return Event{
		Type:     TypeOver,
		Category: CategoryGuideQuestion,
		FlowID:   flowID,
		Extra:    &Extra{Questions: questions},
	}
}

// UserInputRequest suspends a task until an external reply arrives.
func UserInputRequest(flowID, taskID, callReason string) Event {
	return Event{
		Type:     TypeStart,
		Category: CategoryUserInput,
		FlowID:   flowID,
		TaskID:   taskID,
		Extra:    &Extra{CallReason: callReason},
	}
}

// ExecStepStart announces a tool call about to run.
func ExecStepStart(flowID, taskID string, ordinal int, tool string, params json.RawMessage) Event {
	return Event{
		Type:        TypeStart,
		Category:    CategoryExecStep,
		FlowID:      flowID,
		TaskID:      taskID,
		StepOrdinal: ordinal,
		Extra:       &Extra{ToolName: tool, ToolParams: params},
	}
}

// ExecStepEnd reports a finished tool call. fileInfo is non-nil when the tool
// produced an uploaded artifact.
func ExecStepEnd(flowID, taskID string, ordinal int, tool, result string, fileInfo *types.FileRef) Event {
	return Event{
		Type:        TypeEnd,
		Category:    CategoryExecStep,
		FlowID:      flowID,
		TaskID:      taskID,
		StepOrdinal: ordinal,
		Extra:       &Extra{ToolName: tool, ToolResult: result, FileInfo: fileInfo},
	}
}

// GenerateSubTask carries the task definitions produced when a loop node
// expands.
func GenerateSubTask(flowID, parentTaskID string, subTasks []types.Task) Event {
	return Event{
		Type:     TypeOver,
		Category: CategorySubTask,
		FlowID:   flowID,
		TaskID:   parentTaskID,
		Extra:    &Extra{SubTasks: subTasks},
	}
}
