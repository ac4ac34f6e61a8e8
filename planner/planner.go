// Package planner turns a user query plus an optional SOP into a
// dependency-ordered task DAG via a single structured LLM call.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dataelem/linsight/llm"
	"github.com/dataelem/linsight/types"
)

// ErrSOPGeneration marks an unrecoverable planning failure. The manager maps
// it to session status SOP_GENERATION_FAILED.
var ErrSOPGeneration = errors.New("planner: sop generation failed")

// Request carries the planning inputs.
type Request struct {
	Query string
	SOP   string
	Tools []types.ToolSchema
	Files []types.FileRef
}

// Config tunes the planning loop.
type Config struct {
	Model              string
	MaxSteps           int           // session-wide step budget quoted in the prompt
	RetryNum           int           // attempts on malformed output
	RetrySleep         time.Duration // pause between attempts
	DefaultTemperature float32
	RetryTemperature   float32 // raised after the first malformed output
}

func (c *Config) fill() {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 200
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
}

// Planner produces task plans through an LLM provider.
type Planner struct {
	provider llm.Provider
	cfg      Config
	logger   *zap.Logger
}

// New 创建 planner。
func New(provider llm.Provider, cfg Config, logger *zap.Logger) *Planner {
	cfg.fill()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{provider: provider, cfg: cfg, logger: logger}
}

// record mirrors one task object in the model's JSON output.
type record struct {
	StepID      string   `json:"step_id"`
	Target      string   `json:"target"`
	Description string   `json:"description"`
	SOP         string   `json:"sop"`
	Prompt      string   `json:"prompt"`
	Profile     string   `json:"profile"`
	Input       []string `json:"input"`
	NodeLoop    bool     `json:"node_loop"`
}

// Plan runs the planning call and returns tasks ready for batch insert.
// Malformed output is retried up to RetryNum times with the temperature
// raised to RetryTemperature after the first failure.
func (p *Planner) Plan(ctx context.Context, sessionVersionID string, req Request) ([]types.Task, error) {
	messages := buildPlanMessages(req, p.cfg.MaxSteps)

	var lastErr error
	temperature := p.cfg.DefaultTemperature
	for attempt := 0; attempt < p.cfg.RetryNum; attempt++ {
		if attempt > 0 {
			temperature = p.cfg.RetryTemperature
			select {
			case <-time.After(p.cfg.RetrySleep):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := p.provider.Completion(ctx, &llm.ChatRequest{
			Model:       p.cfg.Model,
			Messages:    messages,
			Temperature: temperature,
		})
		if err != nil {
			lastErr = err
			p.logger.Warn("plan completion failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}

		records, err := parseRecords(resp.Message().Content)
		if err != nil {
			lastErr = err
			p.logger.Warn("plan output malformed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if err := validate(records); err != nil {
			lastErr = err
			p.logger.Warn("plan rejected", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		return toTasks(sessionVersionID, records), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrSOPGeneration, lastErr)
}

// SplitSubTasks asks the model to expand one loop task into concrete
// sub-tasks. The executor calls this when it meets node_loop=true.
func (p *Planner) SplitSubTasks(ctx context.Context, parent types.Task) ([]types.Task, error) {
	messages := buildSplitMessages(parent.Target, parent.Description)

	var lastErr error
	temperature := p.cfg.DefaultTemperature
	for attempt := 0; attempt < p.cfg.RetryNum; attempt++ {
		if attempt > 0 {
			temperature = p.cfg.RetryTemperature
			select {
			case <-time.After(p.cfg.RetrySleep):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := p.provider.Completion(ctx, &llm.ChatRequest{
			Model:       p.cfg.Model,
			Messages:    messages,
			Temperature: temperature,
		})
		if err != nil {
			lastErr = err
			continue
		}
		records, err := parseRecords(resp.Message().Content)
		if err != nil {
			lastErr = err
			p.logger.Warn("sub-task output malformed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if len(records) == 0 {
			lastErr = errors.New("empty sub-task list")
			continue
		}

		children := toTasks(parent.SessionVersionID, records)
		for i := range children {
			children[i].ParentTaskID = parent.ID
		}
		return children, nil
	}
	return nil, fmt.Errorf("split sub-tasks for %s: %w", parent.StepID, lastErr)
}

// parseRecords strictly decodes the model output, tolerating a markdown code
// fence around the JSON array.
func parseRecords(content string) ([]record, error) {
	text := extractJSON(content)
	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()

	var records []record
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("empty plan")
	}
	return records, nil
}

// extractJSON strips a ```json fence when present, otherwise cuts from the
// first '[' to the last ']'.
func extractJSON(content string) string {
	text := strings.TrimSpace(content)
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
		text = strings.TrimSpace(rest)
	}
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

// validate enforces plan well-formedness: unique non-empty step_ids, inputs
// referencing only the literal query or an earlier step, no cycles.
func validate(records []record) error {
	position := make(map[string]int, len(records))
	for i, r := range records {
		if r.StepID == "" {
			return fmt.Errorf("record %d: empty step_id", i)
		}
		if _, dup := position[r.StepID]; dup {
			return fmt.Errorf("duplicate step_id %s", r.StepID)
		}
		position[r.StepID] = i
	}
	for i, r := range records {
		for _, in := range r.Input {
			if in == types.InputQueryRef {
				continue
			}
			j, ok := position[in]
			if !ok {
				return fmt.Errorf("step %s: input %s references no step", r.StepID, in)
			}
			if j >= i {
				return fmt.Errorf("step %s: input %s must reference an earlier step", r.StepID, in)
			}
		}
	}
	// 前向引用已排除, 拓扑排序确认无环
	return checkAcyclic(records, position)
}

// checkAcyclic runs Kahn's algorithm over the input edges.
func checkAcyclic(records []record, position map[string]int) error {
	indegree := make([]int, len(records))
	adj := make([][]int, len(records))
	for i, r := range records {
		for _, in := range r.Input {
			if in == types.InputQueryRef {
				continue
			}
			j := position[in]
			adj[j] = append(adj[j], i)
			indegree[i]++
		}
	}

	queue := make([]int, 0, len(records))
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, m := range adj[n] {
			indegree[m]--
			if indegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}
	if visited != len(records) {
		return errors.New("plan contains a dependency cycle")
	}
	return nil
}

// toTasks assigns ids, links the previous/next chain and inverts input
// references into next_task_ids edges.
func toTasks(sessionVersionID string, records []record) []types.Task {
	tasks := make([]types.Task, len(records))
	idByStep := make(map[string]int, len(records))
	for i, r := range records {
		kind := types.TaskKindSingle
		if r.NodeLoop {
			kind = types.TaskKindComposite
		}
		raw, _ := json.Marshal(r)
		tasks[i] = types.Task{
			ID:               uuid.NewString(),
			SessionVersionID: sessionVersionID,
			StepID:           r.StepID,
			Kind:             kind,
			Target:           r.Target,
			Description:      r.Description,
			Profile:          r.Profile,
			Prompt:           r.Prompt,
			SOP:              r.SOP,
			Input:            r.Input,
			NodeLoop:         r.NodeLoop,
			Status:           types.TaskStatusWaiting,
			TaskData:         raw,
		}
		idByStep[r.StepID] = i
	}
	for i := range tasks {
		if i > 0 {
			tasks[i].PreviousTaskID = tasks[i-1].ID
		}
		seen := make(map[string]bool, len(tasks[i].Input))
		for _, in := range tasks[i].Input {
			if in == types.InputQueryRef || seen[in] {
				continue
			}
			seen[in] = true
			j := idByStep[in]
			tasks[j].NextTaskIDs = append(tasks[j].NextTaskIDs, tasks[i].ID)
		}
	}
	return tasks
}
