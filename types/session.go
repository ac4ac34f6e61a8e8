package types

import (
	"encoding/json"
	"time"
)

// SessionVersionStatus enumerates the lifecycle states of a session version.
type SessionVersionStatus string

const (
	SessionVersionStatusNotStarted SessionVersionStatus = "NOT_STARTED"
	SessionVersionStatusInProgress SessionVersionStatus = "IN_PROGRESS"
	SessionVersionStatusCompleted  SessionVersionStatus = "COMPLETED"
	SessionVersionStatusFailed     SessionVersionStatus = "FAILED"
	SessionVersionStatusSOPFailed  SessionVersionStatus = "SOP_GENERATION_FAILED"
	SessionVersionStatusTerminated SessionVersionStatus = "TERMINATED"
)

// Terminal reports whether the status is a final state.
func (s SessionVersionStatus) Terminal() bool {
	switch s {
	case SessionVersionStatusCompleted, SessionVersionStatusFailed,
		SessionVersionStatusSOPFailed, SessionVersionStatusTerminated:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
// Status moves monotonically out of IN_PROGRESS toward a terminal state.
func (s SessionVersionStatus) CanTransitionTo(next SessionVersionStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case SessionVersionStatusNotStarted:
		return next == SessionVersionStatusInProgress ||
			next == SessionVersionStatusSOPFailed ||
			next == SessionVersionStatusTerminated
	case SessionVersionStatusInProgress:
		return next.Terminal()
	}
	return false
}

// SessionVersion is one attempt to answer a user query. A session (chat) may
// have many versions ordered by version timestamp.
type SessionVersion struct {
	ID                string               `json:"id"`
	SessionID         string               `json:"session_id"`
	UserID            string               `json:"user_id"`
	Question          string               `json:"question"`
	SOP               string               `json:"sop,omitempty"`
	Title             string               `json:"title,omitempty"`
	Tools             []string             `json:"tools,omitempty"`
	Files             []FileRef            `json:"files,omitempty"`
	PersonalKnowledge bool                 `json:"personal_knowledge,omitempty"`
	OrgKnowledge      bool                 `json:"org_knowledge,omitempty"`
	Output            string               `json:"output,omitempty"`
	Score             int                  `json:"score,omitempty"`
	Feedback          string               `json:"feedback,omitempty"`
	Status            SessionVersionStatus `json:"status"`
	HasReexecute      bool                 `json:"has_reexecute,omitempty"`
	ExecuteMode       ExecuteMode          `json:"execute_mode,omitempty"`
	Version           time.Time            `json:"version"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// ExecuteMode selects how the executor drives the LLM.
type ExecuteMode string

const (
	ExecuteModeFunctionCall ExecuteMode = "function_call"
	ExecuteModeReAct        ExecuteMode = "react"
)

// FileRef points at an uploaded file attached to a session version or step.
type FileRef struct {
	Name string `json:"file_name"`
	URL  string `json:"file_url"`
	Size int64  `json:"file_size,omitempty"`
}

// RawJSON re-encodes any value as an opaque JSON blob, for columns the core
// persists but does not interpret.
func RawJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
