package executor

import (
	"fmt"
	"strings"

	"github.com/dataelem/linsight/types"
)

const summarizeHistoryPrompt = `Summarize the following tool interaction history into a compact briefing. Preserve every fact, number, file path and URL the remaining work may depend on. Drop raw payloads and repetition. Output plain text.

History:
%s`

// buildSystemPrompt assembles the per-task system prompt from the task's
// profile, target and SOP, the answers of its declared inputs, and the
// session-level question and SOP.
func buildSystemPrompt(task types.Task, question, globalSOP string, answers map[string]string) string {
	var sb strings.Builder
	if task.Profile != "" {
		sb.WriteString(task.Profile)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Current task: %s\n", task.Target)
	if task.Description != "" {
		fmt.Fprintf(&sb, "Task description: %s\n", task.Description)
	}
	if task.SOP != "" {
		fmt.Fprintf(&sb, "\nTask procedure:\n%s\n", task.SOP)
	}
	if globalSOP != "" {
		fmt.Fprintf(&sb, "\nOverall procedure:\n%s\n", globalSOP)
	}

	var deps []string
	for _, in := range task.Input {
		if in == types.InputQueryRef {
			continue
		}
		if answer, ok := answers[in]; ok {
			deps = append(deps, fmt.Sprintf("%s: %q", in, answer))
		}
	}
	if len(deps) > 0 {
		sb.WriteString("\nResults from earlier tasks:\n")
		for _, d := range deps {
			sb.WriteString(d)
			sb.WriteString("\n")
		}
	}

	fmt.Fprintf(&sb, "\nOriginal user request: %s\n", question)
	sb.WriteString("\nComplete the current task. When the task is done, answer with the final result and no further tool calls.")
	return sb.String()
}

// firstUserMessage renders the task prompt, falling back to the target.
func firstUserMessage(task types.Task) string {
	if task.Prompt != "" {
		return task.Prompt
	}
	return task.Target
}
