// Package store provides typed relational persistence for session versions,
// tasks and task steps, with status transitions guarded at the store layer.
package store

import (
	"encoding/json"
	"time"

	"github.com/dataelem/linsight/types"
)

// SessionVersionRow is the relational shape of types.SessionVersion.
// List-valued fields are opaque JSON columns.
type SessionVersionRow struct {
	ID                string    `gorm:"primaryKey;size:64"`
	SessionID         string    `gorm:"size:64;index:idx_sv_session"`
	UserID            string    `gorm:"size:64;index:idx_sv_user"`
	Question          string    `gorm:"type:text"`
	SOP               string    `gorm:"column:sop;type:text"`
	Title             string    `gorm:"size:512"`
	Tools             string    `gorm:"type:text"` // JSON array of tool names
	Files             string    `gorm:"type:text"` // JSON array of file refs
	PersonalKnowledge bool      ``
	OrgKnowledge      bool      ``
	Output            string    `gorm:"type:text"`
	Score             int       ``
	Feedback          string    `gorm:"type:text"`
	Status            string    `gorm:"size:32;index:idx_sv_status"`
	HasReexecute      bool      ``
	ExecuteMode       string    `gorm:"size:32"`
	Version           time.Time `gorm:"index:idx_sv_version"`
	CreatedAt         time.Time ``
	UpdatedAt         time.Time ``
}

// TableName 指定表名
func (SessionVersionRow) TableName() string { return "linsight_session_version" }

// TaskRow is the relational shape of types.Task.
type TaskRow struct {
	ID               string    `gorm:"primaryKey;size:64"`
	SessionVersionID string    `gorm:"size:64;index:idx_task_sv"`
	ParentTaskID     string    `gorm:"size:64;index:idx_task_parent"`
	PreviousTaskID   string    `gorm:"size:64"`
	NextTaskIDs      string    `gorm:"type:text"` // JSON array of task ids
	StepID           string    `gorm:"size:128"`
	Kind             string    `gorm:"size:16"`
	Target           string    `gorm:"type:text"`
	Description      string    `gorm:"type:text"`
	Profile          string    `gorm:"type:text"`
	Prompt           string    `gorm:"type:text"`
	SOP              string    `gorm:"column:sop;type:text"`
	Input            string    `gorm:"type:text"` // JSON array of step refs
	NodeLoop         bool      ``
	Status           string    `gorm:"size:32;index:idx_task_status"`
	Answer           string    `gorm:"type:text"`
	ErrorMessage     string    `gorm:"type:text"`
	TaskData         string    `gorm:"type:text"` // planner output verbatim
	CreatedAt        time.Time ``
	UpdatedAt        time.Time ``
}

func (TaskRow) TableName() string { return "linsight_task" }

// TaskStepRow is the relational shape of types.TaskStep; rows are append-only.
type TaskStepRow struct {
	ID        string    `gorm:"primaryKey;size:64"`
	TaskID    string    `gorm:"size:64;index:idx_step_task"`
	Ordinal   int       `gorm:"index:idx_step_task"`
	Kind      string    `gorm:"size:32"`
	CallID    string    `gorm:"size:128"`
	ToolName  string    `gorm:"size:256"`
	Params    string    `gorm:"type:text"`
	Result    string    `gorm:"type:text"`
	Status    string    `gorm:"size:16"`
	File      string    `gorm:"type:text"` // JSON file ref
	Reasoning string    `gorm:"type:text"`
	CreatedAt time.Time ``
}

func (TaskStepRow) TableName() string { return "linsight_task_step" }

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func unmarshalStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func toSessionVersionRow(sv types.SessionVersion) SessionVersionRow {
	return SessionVersionRow{
		ID:                sv.ID,
		SessionID:         sv.SessionID,
		UserID:            sv.UserID,
		Question:          sv.Question,
		SOP:               sv.SOP,
		Title:             sv.Title,
		Tools:             marshalJSON(sv.Tools),
		Files:             marshalJSON(sv.Files),
		PersonalKnowledge: sv.PersonalKnowledge,
		OrgKnowledge:      sv.OrgKnowledge,
		Output:            sv.Output,
		Score:             sv.Score,
		Feedback:          sv.Feedback,
		Status:            string(sv.Status),
		HasReexecute:      sv.HasReexecute,
		ExecuteMode:       string(sv.ExecuteMode),
		Version:           sv.Version,
		CreatedAt:         sv.CreatedAt,
		UpdatedAt:         sv.UpdatedAt,
	}
}

func (r SessionVersionRow) toDomain() types.SessionVersion {
	sv := types.SessionVersion{
		ID:                r.ID,
		SessionID:         r.SessionID,
		UserID:            r.UserID,
		Question:          r.Question,
		SOP:               r.SOP,
		Title:             r.Title,
		Tools:             unmarshalStrings(r.Tools),
		PersonalKnowledge: r.PersonalKnowledge,
		OrgKnowledge:      r.OrgKnowledge,
		Output:            r.Output,
		Score:             r.Score,
		Feedback:          r.Feedback,
		Status:            types.SessionVersionStatus(r.Status),
		HasReexecute:      r.HasReexecute,
		ExecuteMode:       types.ExecuteMode(r.ExecuteMode),
		Version:           r.Version,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.Files != "" {
		_ = json.Unmarshal([]byte(r.Files), &sv.Files)
	}
	return sv
}

func toTaskRow(t types.Task) TaskRow {
	return TaskRow{
		ID:               t.ID,
		SessionVersionID: t.SessionVersionID,
		ParentTaskID:     t.ParentTaskID,
		PreviousTaskID:   t.PreviousTaskID,
		NextTaskIDs:      marshalJSON(t.NextTaskIDs),
		StepID:           t.StepID,
		Kind:             string(t.Kind),
		Target:           t.Target,
		Description:      t.Description,
		Profile:          t.Profile,
		Prompt:           t.Prompt,
		SOP:              t.SOP,
		Input:            marshalJSON(t.Input),
		NodeLoop:         t.NodeLoop,
		Status:           string(t.Status),
		Answer:           t.Answer,
		ErrorMessage:     t.ErrorMessage,
		TaskData:         string(t.TaskData),
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

func (r TaskRow) toDomain() types.Task {
	t := types.Task{
		ID:               r.ID,
		SessionVersionID: r.SessionVersionID,
		ParentTaskID:     r.ParentTaskID,
		PreviousTaskID:   r.PreviousTaskID,
		NextTaskIDs:      unmarshalStrings(r.NextTaskIDs),
		StepID:           r.StepID,
		Kind:             types.TaskKind(r.Kind),
		Target:           r.Target,
		Description:      r.Description,
		Profile:          r.Profile,
		Prompt:           r.Prompt,
		SOP:              r.SOP,
		Input:            unmarshalStrings(r.Input),
		NodeLoop:         r.NodeLoop,
		Status:           types.TaskStatus(r.Status),
		Answer:           r.Answer,
		ErrorMessage:     r.ErrorMessage,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.TaskData != "" {
		t.TaskData = json.RawMessage(r.TaskData)
	}
	return t
}

func toTaskStepRow(s types.TaskStep) TaskStepRow {
	return TaskStepRow{
		ID:        s.ID,
		TaskID:    s.TaskID,
		Ordinal:   s.Ordinal,
		Kind:      string(s.Kind),
		CallID:    s.CallID,
		ToolName:  s.ToolName,
		Params:    string(s.Params),
		Result:    s.Result,
		Status:    string(s.Status),
		File:      marshalJSON(s.File),
		Reasoning: s.Reasoning,
		CreatedAt: s.CreatedAt,
	}
}

func (r TaskStepRow) toDomain() types.TaskStep {
	s := types.TaskStep{
		ID:        r.ID,
		TaskID:    r.TaskID,
		Ordinal:   r.Ordinal,
		Kind:      types.StepEventKind(r.Kind),
		CallID:    r.CallID,
		ToolName:  r.ToolName,
		Result:    r.Result,
		Status:    types.StepStatus(r.Status),
		Reasoning: r.Reasoning,
		CreatedAt: r.CreatedAt,
	}
	if r.Params != "" {
		s.Params = json.RawMessage(r.Params)
	}
	if r.File != "" && r.File != "null" {
		var f types.FileRef
		if err := json.Unmarshal([]byte(r.File), &f); err == nil {
			s.File = &f
		}
	}
	return s
}
