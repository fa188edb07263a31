package stepflow

import (
	"errors"
	"fmt"
	"slices"
)

// Builder assembles a Workflow. Methods record errors instead of returning
// them; Build reports every problem found.
type Builder struct {
	name        string
	description string
	start       string
	executors   map[string]Executor
	order       []string
	edges       map[string][]*Edge
	fanIns      map[string][]string
	handoffs    map[string][]string
	policy      FailurePolicy
	errs        []error
}

// NewBuilder returns a builder for a workflow with the given name
func NewBuilder(name string) *Builder {
	return &Builder{
		name:      name,
		executors: map[string]Executor{},
		edges:     map[string][]*Edge{},
		fanIns:    map[string][]string{},
		handoffs:  map[string][]string{},
		policy:    FailRun,
	}
}

// Description sets the workflow description
func (b *Builder) Description(description string) *Builder {
	b.description = description
	return b
}

// AddExecutor registers executors. The first executor registered is the
// start executor unless SetStart is called.
func (b *Builder) AddExecutor(executors ...Executor) *Builder {
	for _, e := range executors {
		if e == nil || e.ID() == "" {
			b.errs = append(b.errs, fmt.Errorf("executor id required"))
			continue
		}
		id := e.ID()
		if existing, ok := b.executors[id]; ok {
			if existing != e {
				b.errs = append(b.errs, fmt.Errorf("duplicate executor %q", id))
			}
			continue
		}
		b.executors[id] = e
		b.order = append(b.order, id)
	}
	return b
}

// SetStart sets the executor that receives the run input
func (b *Builder) SetStart(id string) *Builder {
	b.start = id
	return b
}

// EdgeOption configures an edge
type EdgeOption func(*Edge)

// WithCondition makes the edge conditional
func WithCondition(condition EdgeCondition) EdgeOption {
	return func(e *Edge) { e.Condition = condition }
}

// WithExpression records the source text of a compiled condition
func WithExpression(expression string) EdgeOption {
	return func(e *Edge) { e.Expression = expression }
}

// AddEdge routes the output of from to to
func (b *Builder) AddEdge(from, to string, opts ...EdgeOption) *Builder {
	edge := &Edge{From: from, To: to}
	for _, opt := range opts {
		opt(edge)
	}
	b.edges[from] = append(b.edges[from], edge)
	return b
}

// AddChain connects executors sequentially
func (b *Builder) AddChain(ids ...string) *Builder {
	for i := 1; i < len(ids); i++ {
		b.AddEdge(ids[i-1], ids[i])
	}
	return b
}

// AddFanOut sends the output of from to every target in the same superstep
func (b *Builder) AddFanOut(from string, targets ...string) *Builder {
	for _, to := range targets {
		b.AddEdge(from, to)
	}
	return b
}

// AddFanIn makes target fire once every source has produced an output. The
// target receives a JSON array of the outputs in source order.
func (b *Builder) AddFanIn(target string, sources ...string) *Builder {
	if len(sources) == 0 {
		b.errs = append(b.errs, fmt.Errorf("fan-in %q requires at least one source", target))
		return b
	}
	if _, ok := b.fanIns[target]; ok {
		b.errs = append(b.errs, fmt.Errorf("fan-in %q declared twice", target))
		return b
	}
	b.fanIns[target] = slices.Clone(sources)
	for _, src := range sources {
		if !b.hasEdge(src, target) {
			b.AddEdge(src, target)
		}
	}
	return b
}

// AddHandoff lets from pass control to exactly one of targets by returning
// a Handoff
func (b *Builder) AddHandoff(from string, targets ...string) *Builder {
	for _, to := range targets {
		if !slices.Contains(b.handoffs[from], to) {
			b.handoffs[from] = append(b.handoffs[from], to)
		}
	}
	return b
}

// AddManager wires a manager-delegate group: the manager hands work to one
// delegate at a time and every delegate reports back to the manager. The
// manager's plain outputs become workflow outputs.
func (b *Builder) AddManager(manager string, delegates ...string) *Builder {
	b.AddHandoff(manager, delegates...)
	for _, d := range delegates {
		if !b.hasEdge(d, manager) {
			b.AddEdge(d, manager)
		}
	}
	return b
}

// WithFailurePolicy sets how executor failures affect the run
func (b *Builder) WithFailurePolicy(policy FailurePolicy) *Builder {
	b.policy = policy
	return b
}

func (b *Builder) hasEdge(from, to string) bool {
	for _, e := range b.edges[from] {
		if e.To == to {
			return true
		}
	}
	return false
}

// Build validates the graph and returns the workflow
func (b *Builder) Build() (*Workflow, error) {
	errs := slices.Clone(b.errs)
	if b.name == "" {
		errs = append(errs, fmt.Errorf("workflow name required"))
	}
	if len(b.order) == 0 {
		errs = append(errs, fmt.Errorf("at least one executor required"))
	}
	start := b.start
	if start == "" && len(b.order) > 0 {
		start = b.order[0]
	}
	if _, ok := b.executors[start]; !ok && start != "" {
		errs = append(errs, fmt.Errorf("start executor %q not found", start))
	}
	known := func(id, role string) {
		if _, ok := b.executors[id]; !ok {
			errs = append(errs, fmt.Errorf("%s %q not found", role, id))
		}
	}
	for _, from := range sortedKeys(b.edges) {
		known(from, "edge source")
		for _, e := range b.edges[from] {
			known(e.To, "edge target")
		}
	}
	for _, target := range sortedKeys(b.fanIns) {
		known(target, "fan-in target")
		for _, src := range b.fanIns[target] {
			known(src, "fan-in source")
		}
	}
	for _, from := range sortedKeys(b.handoffs) {
		known(from, "handoff source")
		for _, to := range b.handoffs[from] {
			known(to, "handoff target")
		}
	}
	switch b.policy {
	case FailRun, IsolateFailures:
	default:
		errs = append(errs, fmt.Errorf("unknown failure policy %q", b.policy))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid workflow %q: %w", b.name, errors.Join(errs...))
	}

	w := &Workflow{
		name:        b.name,
		description: b.description,
		start:       start,
		executors:   make(map[string]Executor, len(b.executors)),
		order:       slices.Clone(b.order),
		edges:       make(map[string][]*Edge, len(b.edges)),
		fanIns:      make(map[string][]string, len(b.fanIns)),
		handoffs:    make(map[string][]string, len(b.handoffs)),
		policy:      b.policy,
	}
	for id, e := range b.executors {
		w.executors[id] = e
	}
	for from, edges := range b.edges {
		w.edges[from] = slices.Clone(edges)
	}
	for target, sources := range b.fanIns {
		w.fanIns[target] = slices.Clone(sources)
	}
	for from, targets := range b.handoffs {
		w.handoffs[from] = slices.Clone(targets)
	}
	return w, nil
}
