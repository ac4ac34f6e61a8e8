package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dataelem/linsight/types"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("store: record not found")
	// ErrIllegalTransition is returned when a status update violates the
	// lifecycle state machine.
	ErrIllegalTransition = errors.New("store: illegal status transition")
)

// Store persists session versions, tasks and task steps through GORM.
// All status updates are guarded: writes that violate the state machine
// fail with ErrIllegalTransition instead of clobbering terminal rows.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New 创建存储层。
func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// AutoMigrate creates the schema via GORM. Production deployments use the
// versioned SQL migrations instead; this path serves sqlite and tests.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&SessionVersionRow{}, &TaskRow{}, &TaskStepRow{})
}

// ---- session versions ----

// InsertSessionVersion stores a new version row.
func (s *Store) InsertSessionVersion(ctx context.Context, sv types.SessionVersion) error {
	if sv.Status == "" {
		sv.Status = types.SessionVersionStatusNotStarted
	}
	now := time.Now()
	if sv.CreatedAt.IsZero() {
		sv.CreatedAt = now
	}
	if sv.Version.IsZero() {
		sv.Version = now
	}
	sv.UpdatedAt = now
	row := toSessionVersionRow(sv)
	return s.db.WithContext(ctx).Create(&row).Error
}

// GetSessionVersion loads one version by id.
func (s *Store) GetSessionVersion(ctx context.Context, id string) (types.SessionVersion, error) {
	var row SessionVersionRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.SessionVersion{}, fmt.Errorf("session version %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.SessionVersion{}, err
	}
	return row.toDomain(), nil
}

// ListSessionVersions returns all versions of a session, newest first.
func (s *Store) ListSessionVersions(ctx context.Context, sessionID string) ([]types.SessionVersion, error) {
	var rows []SessionVersionRow
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("version DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.SessionVersion, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// ListSessionVersionsByStatus returns versions in the given status, oldest
// first. The recovery sweeper scans IN_PROGRESS rows through this.
func (s *Store) ListSessionVersionsByStatus(ctx context.Context, status types.SessionVersionStatus) ([]types.SessionVersion, error) {
	var rows []SessionVersionRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.SessionVersion, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// SessionExtra carries optional columns written together with a status change.
type SessionExtra struct {
	Output       *string
	Title        *string
	SOP          *string
	HasReexecute *bool
}

// UpdateSessionVersionStatus moves versions to a new status. The update is
// conditional on the source status being a legal predecessor, so concurrent
// writers and replayed recovery passes cannot resurrect a terminal row.
// Rows already in the target status are counted as satisfied (idempotent).
func (s *Store) UpdateSessionVersionStatus(ctx context.Context, ids []string, status types.SessionVersionStatus, extra *SessionExtra) error {
	if len(ids) == 0 {
		return nil
	}
	from := legalSessionSources(status)
	updates := map[string]any{
		"status":     string(status),
		"updated_at": time.Now(),
	}
	if extra != nil {
		if extra.Output != nil {
			updates["output"] = *extra.Output
		}
		if extra.Title != nil {
			updates["title"] = *extra.Title
		}
		if extra.SOP != nil {
			updates["sop"] = *extra.SOP
		}
		if extra.HasReexecute != nil {
			updates["has_reexecute"] = *extra.HasReexecute
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&SessionVersionRow{}).
			Where("id IN ?", ids).
			Where("status IN ?", from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == int64(len(ids)) {
			return nil
		}
		// 部分未更新: 要么已是目标状态(幂等), 要么非法迁移
		var settled int64
		if err := tx.Model(&SessionVersionRow{}).
			Where("id IN ?", ids).
			Where("status = ?", string(status)).
			Count(&settled).Error; err != nil {
			return err
		}
		if settled == int64(len(ids)) {
			return nil
		}
		return fmt.Errorf("%w: %d of %d rows moved to %s", ErrIllegalTransition,
			res.RowsAffected, len(ids), status)
	})
}

// UpdateSessionFeedback records a user score and comment on a finished version.
func (s *Store) UpdateSessionFeedback(ctx context.Context, id string, score int, feedback string) error {
	res := s.db.WithContext(ctx).Model(&SessionVersionRow{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"score":      score,
			"feedback":   feedback,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session version %s: %w", id, ErrNotFound)
	}
	return nil
}

// legalSessionSources lists the statuses a version may hold right before
// moving to target.
func legalSessionSources(target types.SessionVersionStatus) []string {
	all := []types.SessionVersionStatus{
		types.SessionVersionStatusNotStarted, types.SessionVersionStatusInProgress, types.SessionVersionStatusCompleted,
		types.SessionVersionStatusFailed, types.SessionVersionStatusSOPFailed, types.SessionVersionStatusTerminated,
	}
	var out []string
	for _, st := range all {
		if st.CanTransitionTo(target) {
			out = append(out, string(st))
		}
	}
	return out
}

// ---- tasks ----

// BatchCreateTasks inserts a plan's tasks atomically. A failed insert leaves
// no partial plan behind.
func (s *Store) BatchCreateTasks(ctx context.Context, tasks []types.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	now := time.Now()
	rows := make([]TaskRow, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == "" {
			t.Status = types.TaskStatusWaiting
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.UpdatedAt = now
		rows = append(rows, toTaskRow(t))
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
}

// GetTask loads one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (types.Task, error) {
	var row TaskRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.Task{}, err
	}
	return row.toDomain(), nil
}

// ListTasksBySessionVersion returns all tasks of a version in creation order.
func (s *Store) ListTasksBySessionVersion(ctx context.Context, sessionVersionID string) ([]types.Task, error) {
	var rows []TaskRow
	err := s.db.WithContext(ctx).
		Where("session_version_id = ?", sessionVersionID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rowsToTasks(rows), nil
}

// ListTasksByParent returns a composite task's children ordered by their
// previous_task_id chain, falling back to creation order when the chain is
// broken.
func (s *Store) ListTasksByParent(ctx context.Context, parentTaskID string) ([]types.Task, error) {
	var rows []TaskRow
	err := s.db.WithContext(ctx).
		Where("parent_task_id = ?", parentTaskID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return orderByChain(rowsToTasks(rows)), nil
}

func rowsToTasks(rows []TaskRow) []types.Task {
	out := make([]types.Task, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}

// orderByChain sorts tasks so each one follows the task named by its
// PreviousTaskID. Input order is kept when the chain does not cover the set.
func orderByChain(tasks []types.Task) []types.Task {
	byPrev := make(map[string]int, len(tasks))
	ids := make(map[string]bool, len(tasks))
	for i, t := range tasks {
		ids[t.ID] = true
		if _, dup := byPrev[t.PreviousTaskID]; !dup {
			byPrev[t.PreviousTaskID] = i
		}
	}

	var head int = -1
	for i, t := range tasks {
		if t.PreviousTaskID == "" || !ids[t.PreviousTaskID] {
			if head == -1 {
				head = i
			} else {
				// 多个链头, 链不完整, 保持原序
				return tasks
			}
		}
	}
	if head == -1 {
		return tasks
	}

	ordered := make([]types.Task, 0, len(tasks))
	seen := make(map[string]bool, len(tasks))
	cur := head
	for len(ordered) < len(tasks) {
		t := tasks[cur]
		if seen[t.ID] {
			return tasks
		}
		seen[t.ID] = true
		ordered = append(ordered, t)
		next, ok := byPrev[t.ID]
		if !ok {
			break
		}
		cur = next
	}
	if len(ordered) != len(tasks) {
		return tasks
	}
	return ordered
}

// TaskExtra carries optional columns written together with a task status change.
type TaskExtra struct {
	Answer       *string
	ErrorMessage *string
}

// UpdateTaskStatus moves one task to a new status under the same transition
// guard as session versions. Already-settled rows are idempotent no-ops.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status types.TaskStatus, extra *TaskExtra) error {
	updates := map[string]any{
		"status":     string(status),
		"updated_at": time.Now(),
	}
	if extra != nil {
		if extra.Answer != nil {
			updates["answer"] = *extra.Answer
		}
		if extra.ErrorMessage != nil {
			updates["error_message"] = *extra.ErrorMessage
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&TaskRow{}).
			Where("id = ?", id).
			Where("status IN ?", legalTaskSources(status)).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			return nil
		}
		var row TaskRow
		if err := tx.Select("status").First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("task %s: %w", id, ErrNotFound)
			}
			return err
		}
		if row.Status == string(status) {
			return nil
		}
		return fmt.Errorf("%w: task %s %s -> %s", ErrIllegalTransition, id, row.Status, status)
	})
}

// TerminateTasks force-moves every non-terminal task of the given versions to
// TERMINATED in one transaction. Used by stop handling and the recovery
// sweeper; terminal rows are left untouched.
func (s *Store) TerminateTasks(ctx context.Context, sessionVersionIDs []string) error {
	if len(sessionVersionIDs) == 0 {
		return nil
	}
	nonTerminal := []string{}
	for _, st := range []types.TaskStatus{
		types.TaskStatusWaiting, types.TaskStatusProcessing,
		types.TaskStatusWaitingForUser, types.TaskStatusUserInputCompleted,
	} {
		nonTerminal = append(nonTerminal, string(st))
	}
	return s.db.WithContext(ctx).Model(&TaskRow{}).
		Where("session_version_id IN ?", sessionVersionIDs).
		Where("status IN ?", nonTerminal).
		Updates(map[string]any{
			"status":     string(types.TaskStatusTerminated),
			"updated_at": time.Now(),
		}).Error
}

func legalTaskSources(target types.TaskStatus) []string {
	all := []types.TaskStatus{
		types.TaskStatusWaiting, types.TaskStatusProcessing, types.TaskStatusWaitingForUser,
		types.TaskStatusUserInputCompleted, types.TaskStatusSuccess, types.TaskStatusFailed,
		types.TaskStatusTerminated,
	}
	var out []string
	for _, st := range all {
		if st.CanTransitionTo(target) {
			out = append(out, string(st))
		}
	}
	return out
}

// ---- task steps ----

// AppendTaskStep adds one execution step record. Steps are append-only.
func (s *Store) AppendTaskStep(ctx context.Context, step types.TaskStep) error {
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now()
	}
	row := toTaskStepRow(step)
	return s.db.WithContext(ctx).Create(&row).Error
}

// ListTaskSteps returns a task's steps in execution order.
func (s *Store) ListTaskSteps(ctx context.Context, taskID string) ([]types.TaskStep, error) {
	var rows []TaskStepRow
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("ordinal ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.TaskStep, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}
