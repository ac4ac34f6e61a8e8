package planner

import (
	"fmt"
	"strings"

	"github.com/dataelem/linsight/types"
)

const planSystemPrompt = `You are a task planning assistant. Decompose the user's request into an ordered list of executable tasks.

Rules:
- Output ONLY a JSON array, no prose around it.
- Each element: {"step_id": string, "target": string, "description": string, "sop": string, "prompt": string, "profile": string, "input": [string], "node_loop": bool}
- step_id must be a short unique snake_case name.
- input lists what a task consumes: either the literal "query" or the step_id of an EARLIER task.
- Set node_loop=true only when the task repeats the same operation over a collection; it will be expanded into sub-tasks at runtime.
- Plan at most %d steps in total. Prefer fewer, larger steps.`

const splitSubTaskPrompt = `The following task iterates over a collection and must be split into concrete sub-tasks, one per element.

Task target: %s
Task description: %s

Output ONLY a JSON array. Each element: {"step_id": string, "target": string, "description": string, "prompt": string, "input": [string]}. step_id must be unique snake_case. Keep sub-tasks independent of each other unless an explicit data dependency exists.`

func buildPlanMessages(req Request, maxSteps int) []types.Message {
	var sb strings.Builder
	sb.WriteString("User request:\n")
	sb.WriteString(req.Query)
	if req.SOP != "" {
		sb.WriteString("\n\nStandard operating procedure to follow:\n")
		sb.WriteString(req.SOP)
	}
	if len(req.Tools) > 0 {
		sb.WriteString("\n\nAvailable tools:\n")
		for _, t := range req.Tools {
			fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
		}
	}
	if len(req.Files) > 0 {
		sb.WriteString("\nUploaded files:\n")
		for _, f := range req.Files {
			fmt.Fprintf(&sb, "- %s (%s)\n", f.Name, f.URL)
		}
	}
	return []types.Message{
		types.NewSystemMessage(fmt.Sprintf(planSystemPrompt, maxSteps)),
		types.NewUserMessage(sb.String()),
	}
}

func buildSplitMessages(target, description string) []types.Message {
	return []types.Message{
		types.NewUserMessage(fmt.Sprintf(splitSubTaskPrompt, target, description)),
	}
}
