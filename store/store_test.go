package store

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dataelem/linsight/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	s := New(db, nil)
	require.NoError(t, s.AutoMigrate())
	return s
}

func newVersion(sessionID string) types.SessionVersion {
	return types.SessionVersion{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		UserID:      "user-1",
		Question:    "统计上季度销量",
		Tools:       []string{"search", "excel"},
		ExecuteMode: types.ExecuteModeFunctionCall,
	}
}

func TestSessionVersionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sv := newVersion("sess-1")
	sv.Files = []types.FileRef{{Name: "data.csv", URL: "http://files/data.csv", Size: 1024}}
	require.NoError(t, s.InsertSessionVersion(ctx, sv))

	got, err := s.GetSessionVersion(ctx, sv.ID)
	require.NoError(t, err)
	assert.Equal(t, sv.Question, got.Question)
	assert.Equal(t, []string{"search", "excel"}, got.Tools)
	require.Len(t, got.Files, 1)
	assert.Equal(t, "data.csv", got.Files[0].Name)
	assert.Equal(t, types.SessionVersionStatusNotStarted, got.Status)
}

func TestGetSessionVersionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSessionVersion(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessionVersionsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := newVersion("sess-1")
	older.Version = time.Now().Add(-time.Hour)
	newer := newVersion("sess-1")
	newer.Version = time.Now()
	other := newVersion("sess-2")

	require.NoError(t, s.InsertSessionVersion(ctx, older))
	require.NoError(t, s.InsertSessionVersion(ctx, newer))
	require.NoError(t, s.InsertSessionVersion(ctx, other))

	got, err := s.ListSessionVersions(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer.ID, got[0].ID)
	assert.Equal(t, older.ID, got[1].ID)
}

func TestUpdateSessionVersionStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sv := newVersion("sess-1")
	require.NoError(t, s.InsertSessionVersion(ctx, sv))

	require.NoError(t, s.UpdateSessionVersionStatus(ctx, []string{sv.ID}, types.SessionVersionStatusInProgress, nil))

	out := "final answer"
	require.NoError(t, s.UpdateSessionVersionStatus(ctx, []string{sv.ID}, types.SessionVersionStatusCompleted, &SessionExtra{Output: &out}))

	got, err := s.GetSessionVersion(ctx, sv.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionVersionStatusCompleted, got.Status)
	assert.Equal(t, "final answer", got.Output)
}

func TestUpdateSessionVersionStatusGuardsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sv := newVersion("sess-1")
	require.NoError(t, s.InsertSessionVersion(ctx, sv))
	require.NoError(t, s.UpdateSessionVersionStatus(ctx, []string{sv.ID}, types.SessionVersionStatusInProgress, nil))
	require.NoError(t, s.UpdateSessionVersionStatus(ctx, []string{sv.ID}, types.SessionVersionStatusCompleted, nil))

	// 终态不可回退
	err := s.UpdateSessionVersionStatus(ctx, []string{sv.ID}, types.SessionVersionStatusTerminated, nil)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	got, _ := s.GetSessionVersion(ctx, sv.ID)
	assert.Equal(t, types.SessionVersionStatusCompleted, got.Status)
}

func TestUpdateSessionVersionStatusIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sv := newVersion("sess-1")
	require.NoError(t, s.InsertSessionVersion(ctx, sv))
	require.NoError(t, s.UpdateSessionVersionStatus(ctx, []string{sv.ID}, types.SessionVersionStatusInProgress, nil))
	require.NoError(t, s.UpdateSessionVersionStatus(ctx, []string{sv.ID}, types.SessionVersionStatusTerminated, nil))

	// a recovery pass replaying the same terminate is a no-op
	require.NoError(t, s.UpdateSessionVersionStatus(ctx, []string{sv.ID}, types.SessionVersionStatusTerminated, nil))
}

func TestUpdateSessionFeedback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sv := newVersion("sess-1")
	require.NoError(t, s.InsertSessionVersion(ctx, sv))
	require.NoError(t, s.UpdateSessionFeedback(ctx, sv.ID, 4, "useful"))

	got, err := s.GetSessionVersion(ctx, sv.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Score)
	assert.Equal(t, "useful", got.Feedback)

	assert.ErrorIs(t, s.UpdateSessionFeedback(ctx, "missing", 5, "x"), ErrNotFound)
}

func TestListSessionVersionsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	running := newVersion("sess-1")
	running.Status = types.SessionVersionStatusInProgress
	idle := newVersion("sess-2")
	require.NoError(t, s.InsertSessionVersion(ctx, running))
	require.NoError(t, s.InsertSessionVersion(ctx, idle))

	got, err := s.ListSessionVersionsByStatus(ctx, types.SessionVersionStatusInProgress)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, running.ID, got[0].ID)
}

func newTask(svID, stepID string) types.Task {
	return types.Task{
		ID:               uuid.NewString(),
		SessionVersionID: svID,
		StepID:           stepID,
		Kind:             types.TaskKindSingle,
		Target:           "do " + stepID,
	}
}

func TestBatchCreateAndListTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTask("sv-1", "step_a")
	b := newTask("sv-1", "step_b")
	b.PreviousTaskID = a.ID
	a.NextTaskIDs = []string{b.ID}
	b.Input = []string{"step_a"}

	require.NoError(t, s.BatchCreateTasks(ctx, []types.Task{a, b}))

	got, err := s.ListTasksBySessionVersion(ctx, "sv-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, task := range got {
		assert.Equal(t, types.TaskStatusWaiting, task.Status)
	}

	loaded, err := s.GetTask(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, loaded.PreviousTaskID)
	assert.Equal(t, []string{"step_a"}, loaded.Input)
}

func TestListTasksByParentFollowsChain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := newTask("sv-1", "loop")
	parent.Kind = types.TaskKindComposite
	first := newTask("sv-1", "loop_1")
	second := newTask("sv-1", "loop_2")
	third := newTask("sv-1", "loop_3")
	for _, c := range []*types.Task{&first, &second, &third} {
		c.ParentTaskID = parent.ID
	}
	second.PreviousTaskID = first.ID
	third.PreviousTaskID = second.ID

	// insert out of order, the chain must still win
	require.NoError(t, s.BatchCreateTasks(ctx, []types.Task{parent, third, first, second}))

	got, err := s.ListTasksByParent(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)
	assert.Equal(t, third.ID, got[2].ID)
}

func TestUpdateTaskStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("sv-1", "step_a")
	require.NoError(t, s.BatchCreateTasks(ctx, []types.Task{task}))

	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, types.TaskStatusProcessing, nil))

	answer := "42"
	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, types.TaskStatusSuccess, &TaskExtra{Answer: &answer}))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusSuccess, got.Status)
	assert.Equal(t, "42", got.Answer)

	// terminal rows stay put
	err = s.UpdateTaskStatus(ctx, task.ID, types.TaskStatusProcessing, nil)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestUpdateTaskStatusUserInputCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("sv-1", "step_a")
	require.NoError(t, s.BatchCreateTasks(ctx, []types.Task{task}))

	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, types.TaskStatusProcessing, nil))
	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, types.TaskStatusWaitingForUser, nil))
	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, types.TaskStatusUserInputCompleted, nil))
	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, types.TaskStatusProcessing, nil))
	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, types.TaskStatusSuccess, nil))
}

func TestTerminateTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	running := newTask("sv-1", "step_a")
	finished := newTask("sv-1", "step_b")
	other := newTask("sv-2", "step_c")
	require.NoError(t, s.BatchCreateTasks(ctx, []types.Task{running, finished, other}))
	require.NoError(t, s.UpdateTaskStatus(ctx, finished.ID, types.TaskStatusProcessing, nil))
	require.NoError(t, s.UpdateTaskStatus(ctx, finished.ID, types.TaskStatusSuccess, nil))

	require.NoError(t, s.TerminateTasks(ctx, []string{"sv-1"}))

	got, _ := s.GetTask(ctx, running.ID)
	assert.Equal(t, types.TaskStatusTerminated, got.Status)
	got, _ = s.GetTask(ctx, finished.ID)
	assert.Equal(t, types.TaskStatusSuccess, got.Status)
	got, _ = s.GetTask(ctx, other.ID)
	assert.Equal(t, types.TaskStatusWaiting, got.Status)

	// replay is harmless
	require.NoError(t, s.TerminateTasks(ctx, []string{"sv-1"}))
}

func TestTaskSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	taskID := uuid.NewString()
	for i, kind := range []types.StepEventKind{types.StepEventLLM, types.StepEventToolCall} {
		step := types.TaskStep{
			ID:      uuid.NewString(),
			TaskID:  taskID,
			Ordinal: i,
			Kind:    kind,
			Status:  types.StepStatusSuccess,
		}
		if kind == types.StepEventToolCall {
			step.ToolName = "search"
			step.Params = []byte(`{"query":"sales","call_reason":"need data"}`)
			step.Result = "found 3 rows"
			step.File = &types.FileRef{Name: "out.xlsx", URL: "http://files/out.xlsx"}
		}
		require.NoError(t, s.AppendTaskStep(ctx, step))
	}

	steps, err := s.ListTaskSteps(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, types.StepEventLLM, steps[0].Kind)
	assert.Equal(t, "search", steps[1].ToolName)
	require.NotNil(t, steps[1].File)
	assert.Equal(t, "out.xlsx", steps[1].File.Name)
	assert.JSONEq(t, `{"query":"sales","call_reason":"need data"}`, string(steps[1].Params))
}
