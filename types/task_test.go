package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatusTransitions(t *testing.T) {
	allowed := []struct {
		from, to TaskStatus
	}{
		{TaskStatusWaiting, TaskStatusProcessing},
		{TaskStatusWaiting, TaskStatusTerminated},
		{TaskStatusProcessing, TaskStatusWaitingForUser},
		{TaskStatusProcessing, TaskStatusSuccess},
		{TaskStatusProcessing, TaskStatusFailed},
		{TaskStatusProcessing, TaskStatusTerminated},
		{TaskStatusWaitingForUser, TaskStatusUserInputCompleted},
		{TaskStatusWaitingForUser, TaskStatusTerminated},
		{TaskStatusUserInputCompleted, TaskStatusProcessing},
	}
	for _, tc := range allowed {
		assert.True(t, tc.from.CanTransitionTo(tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct {
		from, to TaskStatus
	}{
		{TaskStatusWaiting, TaskStatusSuccess},
		{TaskStatusWaiting, TaskStatusWaitingForUser},
		{TaskStatusSuccess, TaskStatusProcessing},
		{TaskStatusFailed, TaskStatusSuccess},
		{TaskStatusTerminated, TaskStatusProcessing},
		{TaskStatusWaitingForUser, TaskStatusSuccess},
		{TaskStatusProcessing, TaskStatusProcessing},
	}
	for _, tc := range denied {
		assert.False(t, tc.from.CanTransitionTo(tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

func TestSessionVersionStatusTransitions(t *testing.T) {
	assert.True(t, SessionVersionStatusNotStarted.CanTransitionTo(SessionVersionStatusInProgress))
	assert.True(t, SessionVersionStatusNotStarted.CanTransitionTo(SessionVersionStatusSOPFailed))
	assert.True(t, SessionVersionStatusInProgress.CanTransitionTo(SessionVersionStatusCompleted))
	assert.True(t, SessionVersionStatusInProgress.CanTransitionTo(SessionVersionStatusTerminated))

	assert.False(t, SessionVersionStatusCompleted.CanTransitionTo(SessionVersionStatusInProgress))
	assert.False(t, SessionVersionStatusTerminated.CanTransitionTo(SessionVersionStatusCompleted))
	assert.False(t, SessionVersionStatusNotStarted.CanTransitionTo(SessionVersionStatusCompleted))
}

func TestTerminal(t *testing.T) {
	for _, s := range []TaskStatus{TaskStatusSuccess, TaskStatusFailed, TaskStatusTerminated} {
		assert.True(t, s.Terminal())
	}
	for _, s := range []TaskStatus{TaskStatusWaiting, TaskStatusProcessing, TaskStatusWaitingForUser, TaskStatusUserInputCompleted} {
		assert.False(t, s.Terminal())
	}
}

func TestMessageIsToolRelated(t *testing.T) {
	assert.True(t, NewToolMessage("call_1", "search", "result").IsToolRelated())
	assert.True(t, Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "search"}}}.IsToolRelated())
	assert.False(t, NewUserMessage("hi").IsToolRelated())
	assert.False(t, NewAssistantMessage("answer").IsToolRelated())
}
