// Package manager drives one session version end to end: plan, execute tasks
// in order, coordinate sub-task expansion and settle the terminal status.
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/dataelem/linsight/broker"
	"github.com/dataelem/linsight/event"
	"github.com/dataelem/linsight/executor"
	"github.com/dataelem/linsight/llm/tokenizer"
	"github.com/dataelem/linsight/planner"
	"github.com/dataelem/linsight/store"
	"github.com/dataelem/linsight/types"
)

// Config tunes one manager.
type Config struct {
	Executor executor.Config
	MaxSteps int // session-wide LLM turn budget, default 200

	// GuideWord and GuideQuestions are emitted once at session start when set.
	GuideWord      string
	GuideQuestions []string
}

func (c *Config) fill() {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 200
	}
}

// Deps bundles the manager's collaborators.
type Deps struct {
	Broker   *broker.Broker
	Store    *store.Store
	Planner  *planner.Planner
	Executor executor.Deps
	Logger   *zap.Logger
}

// Manager owns exactly one in-flight session version. It is the executor's
// Coordinator: dependency answers, the shared step budget and sub-task
// bookkeeping all live here. Execution is single-threaded; only the step
// budget is guarded for the odd cross-goroutine read.
type Manager struct {
	sv     *types.SessionVersion
	deps   Deps
	cfg    Config
	exec   *executor.Executor
	logger *zap.Logger

	mu        sync.Mutex
	stepsUsed int
	taskMap   map[string]*types.Task // task id -> task
	stepMap   map[string]*types.Task // step_id -> task
}

// New 创建 manager。
func New(sv *types.SessionVersion, deps Deps, cfg Config) *Manager {
	cfg.fill()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		sv:      sv,
		deps:    deps,
		cfg:     cfg,
		logger:  logger.With(zap.String("session_version_id", sv.ID)),
		taskMap: make(map[string]*types.Task),
		stepMap: make(map[string]*types.Task),
	}
	execCfg := cfg.Executor
	if execCfg.Mode == "" {
		execCfg.Mode = sv.ExecuteMode
	}
	execDeps := deps.Executor
	execDeps.Broker = deps.Broker
	execDeps.Store = deps.Store
	execDeps.Planner = deps.Planner
	if execDeps.Counter == nil {
		execDeps.Counter = tokenizer.ForModel(execCfg.Model)
	}
	if execDeps.Logger == nil {
		execDeps.Logger = logger
	}
	m.exec = executor.New(execDeps, m, execCfg)
	return m
}

// Run drives the session to a terminal status. The returned error reports
// infrastructure failures only; domain failures settle into the session row.
func (m *Manager) Run(ctx context.Context) error {
	ctx, span := otel.Tracer("linsight/manager").Start(ctx, "session.run")
	span.SetAttributes(
		attribute.String("session_version_id", m.sv.ID),
		attribute.String("session_id", m.sv.SessionID),
	)
	defer span.End()

	if err := m.setStatus(ctx, types.SessionVersionStatusInProgress, nil); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	m.emitGuides(ctx)

	tasks, err := m.plan(ctx)
	if err != nil {
		if errors.Is(err, planner.ErrSOPGeneration) {
			m.settle(ctx, types.SessionVersionStatusSOPFailed, "", err)
			return nil
		}
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	output, runErr := m.runTasks(ctx, tasks)

	// settlement must land even when the session deadline has passed
	end := context.WithoutCancel(ctx)
	switch {
	case runErr == nil:
		m.settle(end, types.SessionVersionStatusCompleted, output, nil)
	case errors.Is(runErr, executor.ErrTerminated), errors.Is(runErr, context.DeadlineExceeded):
		m.terminateRemaining(end)
		m.settle(end, types.SessionVersionStatusTerminated, "", runErr)
	default:
		m.terminateRemaining(end)
		m.settle(end, types.SessionVersionStatusFailed, "", runErr)
	}
	return nil
}

// plan invokes the planner and persists the resulting tasks.
func (m *Manager) plan(ctx context.Context) ([]types.Task, error) {
	schemas := m.deps.Executor.Tools.ListTools()
	tasks, err := m.deps.Planner.Plan(ctx, m.sv.ID, planner.Request{
		Query: m.sv.Question,
		SOP:   m.sv.SOP,
		Tools: schemas,
		Files: m.sv.Files,
	})
	if err != nil {
		return nil, err
	}
	if err := m.deps.Store.BatchCreateTasks(ctx, tasks); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}
	for i := range tasks {
		m.register(&tasks[i])
	}
	m.logger.Info("plan created", zap.Int("tasks", len(tasks)))
	return tasks, nil
}

// runTasks executes root tasks in planner order. Executor panics surface as
// task failures, not process crashes.
func (m *Manager) runTasks(ctx context.Context, tasks []types.Task) (string, error) {
	var lastAnswer string
	for i := range tasks {
		task := &tasks[i]
		if task.ParentTaskID != "" {
			continue // children run inline under their parent
		}
		if m.deps.Broker.IsStopped(ctx, m.sv.ID) {
			return "", executor.ErrTerminated
		}
		if err := m.runOne(ctx, task); err != nil {
			return "", err
		}
		lastAnswer = task.Answer
	}
	return lastAnswer, nil
}

// runOne runs a single task with panic containment.
func (m *Manager) runOne(ctx context.Context, task *types.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.StepID, r)
			m.logger.Error("executor panic", zap.String("task_id", task.ID), zap.Any("panic", r))
			msg := trim(err.Error())
			task.Status = types.TaskStatusFailed
			_ = m.deps.Store.UpdateTaskStatus(ctx, task.ID, types.TaskStatusFailed, &store.TaskExtra{ErrorMessage: &msg})
		}
	}()
	return m.exec.Run(ctx, task)
}

// register links a task into both lookup maps.
func (m *Manager) register(task *types.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskMap[task.ID] = task
	if task.StepID != "" {
		m.stepMap[task.StepID] = task
	}
}

// ---- executor.Coordinator ----

func (m *Manager) Question() string  { return m.sv.Question }
func (m *Manager) GlobalSOP() string { return m.sv.SOP }

// StepAnswer returns the answer of a finished dependency.
func (m *Manager) StepAnswer(stepID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.stepMap[stepID]
	if !ok || task.Status != types.TaskStatusSuccess {
		return "", false
	}
	return task.Answer, true
}

// ConsumeStep claims one unit of the session budget.
func (m *Manager) ConsumeStep() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stepsUsed >= m.cfg.MaxSteps {
		return false
	}
	m.stepsUsed++
	return true
}

// AddSubTasks persists loop-expansion children and registers them.
func (m *Manager) AddSubTasks(ctx context.Context, children []types.Task) error {
	if err := m.deps.Store.BatchCreateTasks(ctx, children); err != nil {
		return err
	}
	for i := range children {
		m.register(&children[i])
	}
	return nil
}

// RunSubTask executes one expanded child. Children cannot expand again;
// nested loops flatten at depth one.
func (m *Manager) RunSubTask(ctx context.Context, child *types.Task) error {
	child.NodeLoop = false
	m.register(child)
	return m.runOne(ctx, child)
}

// ---- terminal handling ----

// settle writes the terminal session status and emits the closing output
// event. failure reasons ride in the event message, trimmed.
func (m *Manager) settle(ctx context.Context, status types.SessionVersionStatus, output string, cause error) {
	extra := &store.SessionExtra{}
	if output != "" {
		extra.Output = &output
	}
	if err := m.setStatus(ctx, status, extra); err != nil {
		m.logger.Error("settle session status failed", zap.String("status", string(status)), zap.Error(err))
	}

	if status == types.SessionVersionStatusCompleted {
		_ = m.deps.Broker.PushEvent(ctx, m.sv.ID, event.OutputMessage(m.sv.ID, "", output, nil))
	} else {
		failed := status != types.SessionVersionStatusTerminated
		_ = m.deps.Broker.PushEvent(ctx, m.sv.ID, event.TerminalOutput(m.sv.ID, terminalMessage(status, cause), failed))
	}
	m.logger.Info("session settled", zap.String("status", string(status)))
}

func terminalMessage(status types.SessionVersionStatus, cause error) string {
	switch status {
	case types.SessionVersionStatusTerminated:
		return "session stopped"
	case types.SessionVersionStatusSOPFailed:
		return "could not generate an execution plan: " + trim(cause.Error())
	default:
		if cause != nil {
			return trim(cause.Error())
		}
		return "session failed"
	}
}

// terminateRemaining force-terminates every non-terminal task of the session.
func (m *Manager) terminateRemaining(ctx context.Context) {
	if err := m.deps.Store.TerminateTasks(ctx, []string{m.sv.ID}); err != nil {
		m.logger.Error("terminate remaining tasks failed", zap.Error(err))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.taskMap {
		if !task.Status.Terminal() {
			task.Status = types.TaskStatusTerminated
		}
	}
}

// setStatus updates the durable row and the broker status cache together.
func (m *Manager) setStatus(ctx context.Context, status types.SessionVersionStatus, extra *store.SessionExtra) error {
	if err := m.deps.Store.UpdateSessionVersionStatus(ctx, []string{m.sv.ID}, status, extra); err != nil {
		return err
	}
	m.sv.Status = status
	if extra != nil && extra.Output != nil {
		m.sv.Output = *extra.Output
	}
	if err := m.deps.Broker.SetSessionStatus(ctx, m.sv.ID, string(status)); err != nil {
		m.logger.Warn("session status cache update failed", zap.Error(err))
	}
	return nil
}

func (m *Manager) emitGuides(ctx context.Context) {
	if m.cfg.GuideWord != "" {
		_ = m.deps.Broker.PushEvent(ctx, m.sv.ID, event.GuideWord(m.sv.ID, m.cfg.GuideWord))
	}
	if len(m.cfg.GuideQuestions) > 0 {
		_ = m.deps.Broker.PushEvent(ctx, m.sv.ID, event.GuideQuestion(m.sv.ID, m.cfg.GuideQuestions))
	}
}

const maxMessageLen = 500

func trim(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxMessageLen {
		return s[:maxMessageLen] + "..."
	}
	return s
}
