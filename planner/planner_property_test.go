package planner

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/dataelem/linsight/types"
)

// Plans whose inputs only reference earlier steps must always validate, and
// the generated task set must preserve counts and wiring.
func TestValidateAcceptsBackwardReferences(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(t, "n")
		records := make([]record, n)
		for i := 0; i < n; i++ {
			records[i].StepID = fmt.Sprintf("step_%d", i)
			records[i].Target = "t"
			inputs := []string{types.InputQueryRef}
			if i > 0 {
				k := rapid.IntRange(0, i).Draw(t, fmt.Sprintf("deps_%d", i))
				for _, j := range rapid.Permutation(seq(i)).Draw(t, fmt.Sprintf("perm_%d", i))[:k] {
					inputs = append(inputs, fmt.Sprintf("step_%d", j))
				}
			}
			records[i].Input = inputs
		}

		if err := validate(records); err != nil {
			t.Fatalf("valid plan rejected: %v", err)
		}

		tasks := toTasks("sv", records)
		if len(tasks) != n {
			t.Fatalf("got %d tasks for %d records", len(tasks), n)
		}
		edges := 0
		for _, task := range tasks {
			edges += len(task.NextTaskIDs)
		}
		want := 0
		for _, r := range records {
			for _, in := range r.Input {
				if in != types.InputQueryRef {
					want++
				}
			}
		}
		if edges != want {
			t.Fatalf("next edges %d, input references %d", edges, want)
		}
	})
}

// Any forward reference must be rejected.
func TestValidateRejectsForwardReferences(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 10).Draw(t, "n")
		records := make([]record, n)
		for i := 0; i < n; i++ {
			records[i].StepID = fmt.Sprintf("step_%d", i)
			records[i].Input = []string{types.InputQueryRef}
		}
		from := rapid.IntRange(0, n-2).Draw(t, "from")
		to := rapid.IntRange(from+1, n-1).Draw(t, "to")
		records[from].Input = append(records[from].Input, fmt.Sprintf("step_%d", to))

		if err := validate(records); err == nil {
			t.Fatalf("forward reference step_%d -> step_%d accepted", from, to)
		}
	})
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
