package types

import (
	"encoding/json"
	"time"
)

// TaskKind distinguishes plain tasks from loop nodes that expand into
// sub-tasks at runtime.
type TaskKind string

const (
	TaskKindSingle    TaskKind = "SINGLE"
	TaskKindComposite TaskKind = "COMPOSITE"
)

// TaskStatus enumerates the lifecycle states of a task.
type TaskStatus string

const (
	TaskStatusWaiting            TaskStatus = "WAITING"
	TaskStatusProcessing         TaskStatus = "PROCESSING"
	TaskStatusWaitingForUser     TaskStatus = "WAITING_FOR_USER_INPUT"
	TaskStatusUserInputCompleted TaskStatus = "USER_INPUT_COMPLETED"
	TaskStatusSuccess            TaskStatus = "SUCCESS"
	TaskStatusFailed             TaskStatus = "FAILED"
	TaskStatusTerminated         TaskStatus = "TERMINATED"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSuccess, TaskStatusFailed, TaskStatusTerminated:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is legal per the
// executor state machine:
//
//	WAITING → PROCESSING → {SUCCESS, FAILED, TERMINATED}
//	              │
//	              └→ WAITING_FOR_USER_INPUT → USER_INPUT_COMPLETED → PROCESSING
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case TaskStatusWaiting:
		return next == TaskStatusProcessing || next == TaskStatusTerminated
	case TaskStatusProcessing:
		return next == TaskStatusWaitingForUser || next.Terminal()
	case TaskStatusWaitingForUser:
		return next == TaskStatusUserInputCompleted || next == TaskStatusTerminated
	case TaskStatusUserInputCompleted:
		return next == TaskStatusProcessing || next == TaskStatusTerminated
	}
	return false
}

// InputQueryRef is the literal input reference meaning "the user query".
const InputQueryRef = "query"

// Task is one step in the plan of a session version.
type Task struct {
	ID               string     `json:"id"`
	SessionVersionID string     `json:"session_version_id"`
	ParentTaskID     string     `json:"parent_task_id,omitempty"`
	PreviousTaskID   string     `json:"previous_task_id,omitempty"`
	NextTaskIDs      []string   `json:"next_task_ids,omitempty"`
	StepID           string     `json:"step_id"` // planner-assigned, human readable
	Kind             TaskKind   `json:"kind"`
	Target           string     `json:"target"`
	Description      string     `json:"description,omitempty"`
	Profile          string     `json:"profile,omitempty"`
	Prompt           string     `json:"prompt,omitempty"`
	SOP              string     `json:"sop,omitempty"`
	Input            []string   `json:"input,omitempty"` // "query" or earlier step_ids
	NodeLoop         bool       `json:"node_loop"`
	Status           TaskStatus `json:"status"`
	Answer           string     `json:"answer,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	// TaskData stores the planner output for this task verbatim.
	TaskData  json.RawMessage `json:"task_data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StepEventKind labels what a task step records.
type StepEventKind string

const (
	StepEventLLM       StepEventKind = "llm_turn"
	StepEventToolCall  StepEventKind = "tool_call"
	StepEventUserInput StepEventKind = "user_input"
	StepEventSummary   StepEventKind = "history_summary"
)

// StepStatus is the outcome recorded on a task step.
type StepStatus string

const (
	StepStatusStart   StepStatus = "start"
	StepStatusEnd     StepStatus = "end"
	StepStatusSuccess StepStatus = "success"
	StepStatusError   StepStatus = "error"
)

// TaskStep is a single iteration inside a task, append-only under its task.
type TaskStep struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Ordinal   int             `json:"ordinal"`
	Kind      StepEventKind   `json:"kind"`
	CallID    string          `json:"call_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    string          `json:"result,omitempty"`
	Status    StepStatus      `json:"status"`
	File      *FileRef        `json:"file,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
