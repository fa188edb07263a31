package stepflow

import (
	"context"
	"maps"
	"slices"

	"github.com/deepnoodle-ai/stepflow/state"
)

// FailurePolicy decides what an executor failure does to its run
type FailurePolicy string

const (
	// FailRun fails the whole run on the first executor failure. The
	// superstep in which it happened is not committed.
	FailRun FailurePolicy = "fail_run"

	// IsolateFailures marks the executor Failed, drops its output and
	// fails fan-in targets that can no longer fire. The rest of the graph
	// keeps running.
	IsolateFailures FailurePolicy = "isolate_failures"
)

// EdgeCondition decides whether an output follows an edge. It sees the
// output and the committed state as of the start of the superstep.
type EdgeCondition func(ctx context.Context, output state.Value, st state.Reader) (bool, error)

// Edge connects two executors
type Edge struct {
	From      string
	To        string
	Condition EdgeCondition
	// Expression is the source of Condition when it was compiled from a
	// script, for display only.
	Expression string
}

// Workflow is an immutable execution graph built with a Builder or loaded
// from YAML
type Workflow struct {
	name        string
	description string
	start       string
	executors   map[string]Executor
	order       []string
	edges       map[string][]*Edge
	fanIns      map[string][]string
	handoffs    map[string][]string
	policy      FailurePolicy
}

// Name returns the workflow name
func (w *Workflow) Name() string {
	return w.name
}

// Description returns the workflow description
func (w *Workflow) Description() string {
	return w.description
}

// Start returns the id of the executor that receives the run input
func (w *Workflow) Start() string {
	return w.start
}

// FailurePolicy returns the policy applied to executor failures
func (w *Workflow) FailurePolicy() FailurePolicy {
	return w.policy
}

// Executor returns an executor by id
func (w *Workflow) Executor(id string) (Executor, bool) {
	e, ok := w.executors[id]
	return e, ok
}

// ExecutorIDs returns executor ids in registration order
func (w *Workflow) ExecutorIDs() []string {
	return slices.Clone(w.order)
}

// Edges returns the outgoing edges of an executor
func (w *Workflow) Edges(from string) []*Edge {
	return slices.Clone(w.edges[from])
}

// FanInSources returns the sources of a fan-in target, in delivery order
func (w *Workflow) FanInSources(target string) []string {
	return slices.Clone(w.fanIns[target])
}

// HandoffTargets returns the executors a source may hand off to
func (w *Workflow) HandoffTargets(from string) []string {
	return slices.Clone(w.handoffs[from])
}

func (w *Workflow) isFanInSource(target, source string) bool {
	return slices.Contains(w.fanIns[target], source)
}

func (w *Workflow) canHandoff(from, to string) bool {
	return slices.Contains(w.handoffs[from], to)
}

// fanInsFrom returns the fan-in targets that list source, sorted.
func (w *Workflow) fanInsFrom(source string) []string {
	var out []string
	for target, sources := range w.fanIns {
		if slices.Contains(sources, source) {
			out = append(out, target)
		}
	}
	slices.Sort(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
