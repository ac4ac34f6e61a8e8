// Package executor runs a single task to a terminal status: the LLM loop,
// tool invocation, user-input suspension, history compaction and loop
// expansion, emitting step events along the way.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dataelem/linsight/broker"
	"github.com/dataelem/linsight/event"
	"github.com/dataelem/linsight/llm"
	"github.com/dataelem/linsight/llm/retry"
	"github.com/dataelem/linsight/llm/tokenizer"
	"github.com/dataelem/linsight/planner"
	"github.com/dataelem/linsight/store"
	"github.com/dataelem/linsight/tool"
	"github.com/dataelem/linsight/types"
)

// ErrTerminated signals that the session's stop flag fired mid-task or its
// wall-clock deadline passed. The manager terminates the remaining tasks
// without running them.
var ErrTerminated = errors.New("executor: session stopped")

// ErrStepBudget signals that the per-task or session step budget ran out.
var ErrStepBudget = errors.New("executor: step budget exceeded")

// Coordinator is the slice of the task manager an executor needs: session
// context, dependency answers, the shared step budget and sub-task handling.
type Coordinator interface {
	Question() string
	GlobalSOP() string

	// StepAnswer returns the SUCCESS answer of an earlier task by step_id.
	StepAnswer(stepID string) (string, bool)

	// ConsumeStep claims one unit of the session-wide step budget.
	ConsumeStep() bool

	// AddSubTasks persists loop-expansion children and registers them in the
	// manager's maps.
	AddSubTasks(ctx context.Context, children []types.Task) error

	// RunSubTask executes one expanded child task.
	RunSubTask(ctx context.Context, child *types.Task) error
}

// Config tunes one executor.
type Config struct {
	Model              string
	Mode               types.ExecuteMode
	TaskMaxSteps       int // per-task LLM turns, default 10
	ToolBuffer         int // token budget of the tool history, default 100000
	RetryNum           int
	RetrySleep         time.Duration
	DefaultTemperature float32
	RetryTemperature   float32
	InputPollInterval  time.Duration // mailbox poll cadence, default 2s
}

func (c *Config) fill() {
	if c.Mode == "" {
		c.Mode = types.ExecuteModeFunctionCall
	}
	if c.TaskMaxSteps <= 0 {
		c.TaskMaxSteps = 10
	}
	if c.ToolBuffer <= 0 {
		c.ToolBuffer = 100000
	}
	if c.RetryNum <= 0 {
		c.RetryNum = 3
	}
	if c.RetrySleep <= 0 {
		c.RetrySleep = 5 * time.Second
	}
	if c.RetryTemperature == 0 {
		c.RetryTemperature = 1
	}
	if c.InputPollInterval <= 0 {
		c.InputPollInterval = 2 * time.Second
	}
}

// Executor runs tasks. One instance is safe for sequential reuse across the
// tasks of a session; the manager never runs two tasks concurrently.
type Executor struct {
	provider  llm.Provider
	tools     tool.Registry
	broker    *broker.Broker
	store     *store.Store
	planner   *planner.Planner
	uploader  tool.Uploader
	coord     Coordinator
	retryer   *retry.Retryer
	compactor *compactor
	cfg       Config
	logger    *zap.Logger
}

// Deps bundles the executor's collaborators.
type Deps struct {
	Provider llm.Provider
	Tools    tool.Registry
	Broker   *broker.Broker
	Store    *store.Store
	Planner  *planner.Planner
	Uploader tool.Uploader // optional, nil disables artifact upload
	Counter  tokenizer.Tokenizer
	Logger   *zap.Logger
}

// New 创建 executor。
func New(deps Deps, coord Coordinator, cfg Config) *Executor {
	cfg.fill()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	counter := deps.Counter
	if counter == nil {
		counter = tokenizer.ForModel(cfg.Model)
	}
	return &Executor{
		provider: deps.Provider,
		tools:    deps.Tools,
		broker:   deps.Broker,
		store:    deps.Store,
		planner:  deps.Planner,
		uploader: deps.Uploader,
		coord:    coord,
		retryer:  retry.New(retry.DefaultPolicy(), logger),
		compactor: &compactor{
			provider: deps.Provider,
			counter:  counter,
			model:    cfg.Model,
			budget:   cfg.ToolBuffer,
			logger:   logger,
		},
		cfg:    cfg,
		logger: logger,
	}
}

// Run executes one task to a terminal status. The returned error is nil on
// SUCCESS; ErrTerminated propagates a stop; anything else marked the task
// FAILED.
func (e *Executor) Run(ctx context.Context, task *types.Task) error {
	flowID := task.SessionVersionID
	if err := e.store.UpdateTaskStatus(ctx, task.ID, types.TaskStatusProcessing, nil); err != nil {
		return fmt.Errorf("mark task processing: %w", err)
	}
	task.Status = types.TaskStatusProcessing
	_ = e.broker.PushEvent(ctx, flowID, event.NodeStart(flowID, task.ID, task.StepID))

	var answer string
	var files []types.FileRef
	var err error
	if task.NodeLoop {
		answer, err = e.runLoop(ctx, task)
	} else {
		answer, files, err = e.runSingle(ctx, task)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// the session wall clock ran out; same handling as a stop
		err = fmt.Errorf("%w: session timed out", ErrTerminated)
	}

	// terminal writes must land even when the session deadline has passed
	end := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		task.Status = types.TaskStatusSuccess
		task.Answer = answer
		if uerr := e.store.UpdateTaskStatus(end, task.ID, types.TaskStatusSuccess, &store.TaskExtra{Answer: &answer}); uerr != nil {
			err = fmt.Errorf("persist task success: %w", uerr)
			break
		}
		_ = e.broker.PushEvent(end, flowID, event.OutputMessage(flowID, task.ID, answer, files))
	case errors.Is(err, ErrTerminated):
		task.Status = types.TaskStatusTerminated
		_ = e.store.UpdateTaskStatus(end, task.ID, types.TaskStatusTerminated, nil)
	default:
		task.Status = types.TaskStatusFailed
		msg := trimError(err)
		task.ErrorMessage = msg
		extra := &store.TaskExtra{ErrorMessage: &msg}
		if answer != "" {
			// partial answer from an exhausted step budget
			task.Answer = answer
			extra.Answer = &answer
		}
		_ = e.store.UpdateTaskStatus(end, task.ID, types.TaskStatusFailed, extra)
	}

	_ = e.broker.PushEvent(end, flowID, event.NodeEnd(flowID, task.ID, task.StepID))
	return err
}

// runSingle is the shared LLM loop for both execution modes.
func (e *Executor) runSingle(ctx context.Context, task *types.Task) (string, []types.FileRef, error) {
	answers := make(map[string]string)
	for _, in := range task.Input {
		if in == types.InputQueryRef {
			continue
		}
		if a, ok := e.coord.StepAnswer(in); ok {
			answers[in] = a
		}
	}

	system := buildSystemPrompt(*task, e.coord.Question(), e.coord.GlobalSOP(), answers)
	schemas := e.tools.ListTools()
	if e.cfg.Mode == types.ExecuteModeReAct {
		system += fmt.Sprintf(reactInstructions, reactToolList(schemas))
	}
	history := []types.Message{
		types.NewSystemMessage(system),
		types.NewUserMessage(firstUserMessage(*task)),
	}

	var files []types.FileRef
	var lastContent string // partial answer when the step budget runs out
	ordinal := 0
	for step := 0; ; step++ {
		if e.broker.IsStopped(ctx, task.SessionVersionID) {
			return "", files, ErrTerminated
		}
		if step >= e.cfg.TaskMaxSteps {
			return lastContent, files, fmt.Errorf("%w: task %s used %d turns", ErrStepBudget, task.StepID, step)
		}
		if !e.coord.ConsumeStep() {
			return lastContent, files, fmt.Errorf("%w: session budget exhausted", ErrStepBudget)
		}

		history = e.compactor.compact(ctx, history)

		var msg types.Message
		var err error
		if e.cfg.Mode == types.ExecuteModeReAct {
			msg, err = e.reactTurn(ctx, task, history)
		} else {
			msg, err = e.streamTurn(ctx, task, history, schemas, e.cfg.DefaultTemperature)
		}
		if err != nil {
			return "", files, err
		}
		if msg.Content != "" {
			lastContent = msg.Content
		}
		e.recordStep(ctx, types.TaskStep{
			ID:        uuid.NewString(),
			TaskID:    task.ID,
			Ordinal:   ordinal,
			Kind:      types.StepEventLLM,
			Result:    msg.Content,
			Status:    types.StepStatusSuccess,
			Reasoning: msg.Reasoning,
		})
		ordinal++

		if e.cfg.Mode == types.ExecuteModeReAct {
			react, perr := parseReact(msg.Content)
			if perr != nil {
				return "", files, fmt.Errorf("react parse: %w", perr)
			}
			if react.IsFinal {
				return react.FinalAnswer, files, nil
			}
			history = append(history, msg)
			observation, file, herr := e.handleToolCall(ctx, task, &ordinal, types.ToolCall{
				ID:        uuid.NewString(),
				Name:      react.Action,
				Arguments: react.ActionInput,
			})
			if herr != nil {
				return "", files, herr
			}
			if file != nil {
				files = append(files, *file)
			}
			history = append(history, types.NewUserMessage("Observation: "+observation))
			continue
		}

		if len(msg.ToolCalls) == 0 {
			return msg.Content, files, nil
		}
		history = append(history, msg)
		for _, tc := range msg.ToolCalls {
			observation, file, herr := e.handleToolCall(ctx, task, &ordinal, tc)
			if herr != nil {
				return "", files, herr
			}
			if file != nil {
				files = append(files, *file)
			}
			history = append(history, types.NewToolMessage(tc.ID, tc.Name, observation))
		}
	}
}

// streamTurn runs one LLM turn over the streaming API, forwarding text
// fragments into the event feed and assembling the complete message.
// Providers without streaming support hand back a nil channel; those turns
// degrade to Completion and emit no stream events.
func (e *Executor) streamTurn(ctx context.Context, task *types.Task, history []types.Message, schemas []types.ToolSchema, temperature float32) (types.Message, error) {
	ch, err := e.provider.Stream(ctx, &llm.ChatRequest{
		Model:       e.cfg.Model,
		Messages:    history,
		Tools:       schemas,
		Temperature: temperature,
	})
	if err != nil {
		e.logger.Warn("stream open failed, using completion", zap.Error(err))
		return e.completion(ctx, history, schemas, temperature)
	}
	if ch == nil {
		return e.completion(ctx, history, schemas, temperature)
	}

	flowID := task.SessionVersionID
	msg := types.Message{Role: types.RoleAssistant}
	var content, reasoning strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return types.Message{}, fmt.Errorf("llm stream: %w", chunk.Err)
		}
		if chunk.Delta.Content != "" {
			content.WriteString(chunk.Delta.Content)
			_ = e.broker.PushEvent(ctx, flowID, event.StreamToken(flowID, task.ID, chunk.Delta.Content))
		}
		if chunk.Delta.Reasoning != "" {
			reasoning.WriteString(chunk.Delta.Reasoning)
		}
		for _, tc := range chunk.Delta.ToolCalls {
			// a fragment without id and name continues the previous call's arguments
			if tc.ID == "" && tc.Name == "" && len(msg.ToolCalls) > 0 {
				last := &msg.ToolCalls[len(msg.ToolCalls)-1]
				last.Arguments = append(last.Arguments, tc.Arguments...)
				continue
			}
			msg.ToolCalls = append(msg.ToolCalls, tc)
		}
	}
	if err := ctx.Err(); err != nil {
		return types.Message{}, err
	}
	msg.Content = content.String()
	msg.Reasoning = reasoning.String()
	_ = e.broker.PushEvent(ctx, flowID, event.StreamOver(flowID, task.ID, msg.Content, msg.Reasoning, nil))
	return msg, nil
}

// completion calls the provider under the retry policy.
func (e *Executor) completion(ctx context.Context, history []types.Message, schemas []types.ToolSchema, temperature float32) (types.Message, error) {
	var resp *llm.ChatResponse
	err := e.retryer.Do(ctx, func() error {
		var cerr error
		resp, cerr = e.provider.Completion(ctx, &llm.ChatRequest{
			Model:       e.cfg.Model,
			Messages:    history,
			Tools:       schemas,
			Temperature: temperature,
		})
		return cerr
	})
	if err != nil {
		return types.Message{}, fmt.Errorf("llm completion: %w", err)
	}
	return resp.Message(), nil
}

// reactTurn calls the LLM without native tools and re-asks with a raised
// temperature while the output does not parse.
func (e *Executor) reactTurn(ctx context.Context, task *types.Task, history []types.Message) (types.Message, error) {
	temperature := e.cfg.DefaultTemperature
	var lastErr error
	for attempt := 0; attempt < e.cfg.RetryNum; attempt++ {
		if attempt > 0 {
			temperature = e.cfg.RetryTemperature
			select {
			case <-time.After(e.cfg.RetrySleep):
			case <-ctx.Done():
				return types.Message{}, ctx.Err()
			}
		}
		msg, err := e.completion(ctx, history, nil, temperature)
		if err != nil {
			return types.Message{}, err
		}
		if _, perr := parseReact(msg.Content); perr != nil {
			lastErr = perr
			e.logger.Warn("react output malformed",
				zap.String("task_id", task.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(perr))
			continue
		}
		return msg, nil
	}
	return types.Message{}, fmt.Errorf("react parse after %d attempts: %w", e.cfg.RetryNum, lastErr)
}

// handleToolCall executes one tool call, request_user_input included, and
// returns the observation text for the conversation.
func (e *Executor) handleToolCall(ctx context.Context, task *types.Task, ordinal *int, tc types.ToolCall) (string, *types.FileRef, error) {
	if tc.Name == tool.UserInputToolName {
		reply, err := e.awaitUserInput(ctx, task, ordinal, tc)
		if err != nil {
			return "", nil, err
		}
		return "User replied: " + reply, nil, nil
	}

	flowID := task.SessionVersionID
	_ = e.broker.PushEvent(ctx, flowID, event.ExecStepStart(flowID, task.ID, *ordinal, tc.Name, tc.Arguments))

	result, ok := e.tools.Invoke(ctx, tc.Name, tc.Arguments)

	var file *types.FileRef
	if ok && e.uploader != nil {
		if meta, found := e.tools.Meta(tc.Name); found && meta.ProducesFile {
			if path, has := tool.LocalFile(result); has {
				ref, uerr := e.uploader.Upload(ctx, path)
				if uerr != nil {
					e.logger.Warn("artifact upload failed",
						zap.String("tool", tc.Name),
						zap.String("path", path),
						zap.Error(uerr))
				} else {
					file = &ref
				}
			}
		}
	}

	_ = e.broker.PushEvent(ctx, flowID, event.ExecStepEnd(flowID, task.ID, *ordinal, tc.Name, result, file))

	status := types.StepStatusSuccess
	if !ok {
		status = types.StepStatusError
	}
	e.recordStep(ctx, types.TaskStep{
		ID:       uuid.NewString(),
		TaskID:   task.ID,
		Ordinal:  *ordinal,
		Kind:     types.StepEventToolCall,
		CallID:   tc.ID,
		ToolName: tc.Name,
		Params:   tc.Arguments,
		Result:   result,
		Status:   status,
		File:     file,
	})
	*ordinal++
	return result, file, nil
}

// awaitUserInput suspends the task until a reply lands in the broker mailbox
// or the stop flag fires.
func (e *Executor) awaitUserInput(ctx context.Context, task *types.Task, ordinal *int, tc types.ToolCall) (string, error) {
	flowID := task.SessionVersionID
	reason := tool.CallReason(tc.Arguments)

	_ = e.broker.PushEvent(ctx, flowID, event.UserInputRequest(flowID, task.ID, reason))
	if err := e.store.UpdateTaskStatus(ctx, task.ID, types.TaskStatusWaitingForUser, nil); err != nil {
		return "", fmt.Errorf("mark task waiting for input: %w", err)
	}
	e.recordStep(ctx, types.TaskStep{
		ID:      uuid.NewString(),
		TaskID:  task.ID,
		Ordinal: *ordinal,
		Kind:    types.StepEventUserInput,
		CallID:  tc.ID,
		Params:  tc.Arguments,
		Status:  types.StepStatusStart,
	})
	*ordinal++

	ticker := time.NewTicker(e.cfg.InputPollInterval)
	defer ticker.Stop()
	for {
		reply, err := e.broker.TakeUserInput(ctx, flowID)
		if err == nil {
			if serr := e.store.UpdateTaskStatus(ctx, task.ID, types.TaskStatusUserInputCompleted, nil); serr != nil {
				return "", serr
			}
			if serr := e.store.UpdateTaskStatus(ctx, task.ID, types.TaskStatusProcessing, nil); serr != nil {
				return "", serr
			}
			e.recordStep(ctx, types.TaskStep{
				ID:      uuid.NewString(),
				TaskID:  task.ID,
				Ordinal: *ordinal,
				Kind:    types.StepEventUserInput,
				CallID:  tc.ID,
				Result:  reply,
				Status:  types.StepStatusEnd,
			})
			*ordinal++
			return reply, nil
		}
		if !errors.Is(err, broker.ErrNoInput) {
			return "", fmt.Errorf("poll user input: %w", err)
		}
		if e.broker.IsStopped(ctx, flowID) {
			return "", ErrTerminated
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// runLoop expands a node_loop task into sub-tasks and runs them in order.
// The parent succeeds only when every child succeeds.
func (e *Executor) runLoop(ctx context.Context, task *types.Task) (string, error) {
	children, err := e.planner.SplitSubTasks(ctx, *task)
	if err != nil {
		return "", fmt.Errorf("expand loop task %s: %w", task.StepID, err)
	}
	flowID := task.SessionVersionID
	// 先登记子任务再转发事件, 消费者看到事件时子任务已可查
	if err := e.coord.AddSubTasks(ctx, children); err != nil {
		return "", fmt.Errorf("persist sub-tasks: %w", err)
	}
	_ = e.broker.PushEvent(ctx, flowID, event.GenerateSubTask(flowID, task.ID, children))

	var answers []string
	for i := range children {
		if e.broker.IsStopped(ctx, flowID) {
			return "", ErrTerminated
		}
		child := &children[i]
		if err := e.coord.RunSubTask(ctx, child); err != nil {
			if errors.Is(err, ErrTerminated) {
				return "", err
			}
			return "", fmt.Errorf("sub-task %s failed: %w", child.StepID, err)
		}
		answers = append(answers, fmt.Sprintf("%s: %s", child.StepID, child.Answer))
	}
	return strings.Join(answers, "\n"), nil
}

// recordStep persists a step row; persistence failures are logged, not fatal.
func (e *Executor) recordStep(ctx context.Context, step types.TaskStep) {
	if err := e.store.AppendTaskStep(ctx, step); err != nil {
		e.logger.Warn("append task step failed",
			zap.String("task_id", step.TaskID),
			zap.Int("ordinal", step.Ordinal),
			zap.Error(err))
	}
}

const maxErrorLen = 500

// trimError shortens an error chain for the task row.
func trimError(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen] + "..."
	}
	return msg
}
