package stepflow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/deepnoodle-ai/stepflow/script"
	"github.com/deepnoodle-ai/stepflow/state"
)

// Definition is the YAML form of a workflow
type Definition struct {
	Name          string                `yaml:"name"`
	Description   string                `yaml:"description,omitempty"`
	Start         string                `yaml:"start,omitempty"`
	FailurePolicy FailurePolicy         `yaml:"failure_policy,omitempty"`
	Executors     []*ExecutorDefinition `yaml:"executors"`
	Edges         []*EdgeDefinition     `yaml:"edges,omitempty"`
	Chains        [][]string            `yaml:"chains,omitempty"`
	FanOut        []*FanOutDefinition   `yaml:"fan_out,omitempty"`
	FanIn         []*FanInDefinition    `yaml:"fan_in,omitempty"`
	Handoffs      []*HandoffDefinition  `yaml:"handoffs,omitempty"`
	Managers      []*ManagerDefinition  `yaml:"managers,omitempty"`
}

// ExecutorDefinition declares one executor. An empty Type refers to an
// executor instance added to the Registry under the same id.
type ExecutorDefinition struct {
	ID     string         `yaml:"id"`
	Type   string         `yaml:"type,omitempty"`
	Config map[string]any `yaml:"config,omitempty"`
}

// EdgeDefinition declares an edge. Condition is a script expression that
// sees the globals output and state.
type EdgeDefinition struct {
	From      string `yaml:"from"`
	To        string `yaml:"to"`
	Condition string `yaml:"condition,omitempty"`
}

type FanOutDefinition struct {
	From string   `yaml:"from"`
	To   []string `yaml:"to"`
}

type FanInDefinition struct {
	To   string   `yaml:"to"`
	From []string `yaml:"from"`
}

type HandoffDefinition struct {
	From string   `yaml:"from"`
	To   []string `yaml:"to"`
}

type ManagerDefinition struct {
	Manager   string   `yaml:"manager"`
	Delegates []string `yaml:"delegates"`
}

// ExecutorFactory builds an executor from its YAML configuration
type ExecutorFactory func(id string, config map[string]any, reg *Registry) (Executor, error)

// Registry resolves the executors and sub-workflows named in YAML
// definitions. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ExecutorFactory
	executors map[string]Executor
	workflows WorkflowRegistry
	compiler  script.Compiler
}

// NewRegistry returns a registry with the built-in subworkflow type and a
// Risor compiler for edge conditions
func NewRegistry() *Registry {
	r := &Registry{
		factories: map[string]ExecutorFactory{},
		executors: map[string]Executor{},
		workflows: NewMemoryWorkflowRegistry(),
		compiler:  script.NewRisorScriptingEngine(script.DefaultRisorGlobals()),
	}
	r.RegisterType("subworkflow", subworkflowFactory)
	return r
}

// RegisterType makes an executor type available to definitions
func (r *Registry) RegisterType(name string, factory ExecutorFactory) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	return r
}

// AddExecutor registers executor instances referenced by id
func (r *Registry) AddExecutor(executors ...Executor) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range executors {
		r.executors[e.ID()] = e
	}
	return r
}

// AddWorkflow makes a workflow available to subworkflow executors
func (r *Registry) AddWorkflow(wf *Workflow) error {
	return r.workflows.Register(wf)
}

// Workflows returns the workflows known to the registry
func (r *Registry) Workflows() WorkflowRegistry {
	return r.workflows
}

// SetCompiler replaces the compiler used for conditions and templates.
// Defaults to Risor.
func (r *Registry) SetCompiler(compiler script.Compiler) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compiler = compiler
	return r
}

// Compiler returns the script compiler
func (r *Registry) Compiler() script.Compiler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.compiler
}

func (r *Registry) resolve(def *ExecutorDefinition) (Executor, error) {
	r.mu.RLock()
	factory, hasFactory := r.factories[def.Type]
	instance, hasInstance := r.executors[def.ID]
	r.mu.RUnlock()

	if def.Type == "" {
		if !hasInstance {
			return nil, fmt.Errorf("executor %q has no type and was not added to the registry", def.ID)
		}
		return instance, nil
	}
	if !hasFactory {
		return nil, fmt.Errorf("executor %q: unknown type %q", def.ID, def.Type)
	}
	e, err := factory(def.ID, def.Config, r)
	if err != nil {
		return nil, fmt.Errorf("executor %q: %w", def.ID, err)
	}
	return e, nil
}

func subworkflowFactory(id string, config map[string]any, reg *Registry) (Executor, error) {
	name, _ := config["workflow"].(string)
	if name == "" {
		return nil, fmt.Errorf("subworkflow requires a workflow name")
	}
	wf, ok := reg.workflows.Get(name)
	if !ok {
		return nil, fmt.Errorf("workflow %q not found in registry", name)
	}
	return NewSubworkflow(id, wf), nil
}

// CompileCondition compiles a script expression into an EdgeCondition. The
// expression sees the edge's output as output and committed state as state.
func CompileCondition(compiler script.Compiler, expression string) (EdgeCondition, error) {
	code, err := compiler.Compile(context.Background(), expression)
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", expression, err)
	}
	return func(ctx context.Context, output state.Value, st state.Reader) (bool, error) {
		out, err := script.DecodeJSON(output)
		if err != nil {
			return false, err
		}
		globals, err := script.StateGlobals(st)
		if err != nil {
			return false, err
		}
		result, err := code.Evaluate(ctx, map[string]any{
			script.GlobalOutput: out,
			script.GlobalState:  globals,
		})
		if err != nil {
			return false, err
		}
		return result.IsTruthy(), nil
	}, nil
}

// Build converts the definition into a workflow
func (d *Definition) Build(reg *Registry) (*Workflow, error) {
	if reg == nil {
		reg = NewRegistry()
	}
	b := NewBuilder(d.Name).Description(d.Description)
	for _, def := range d.Executors {
		e, err := reg.resolve(def)
		if err != nil {
			return nil, err
		}
		b.AddExecutor(e)
	}
	if d.Start != "" {
		b.SetStart(d.Start)
	}
	if d.FailurePolicy != "" {
		b.WithFailurePolicy(d.FailurePolicy)
	}
	for _, e := range d.Edges {
		var opts []EdgeOption
		if e.Condition != "" {
			cond, err := CompileCondition(reg.Compiler(), e.Condition)
			if err != nil {
				return nil, fmt.Errorf("edge %s -> %s: %w", e.From, e.To, err)
			}
			opts = append(opts, WithCondition(cond), WithExpression(e.Condition))
		}
		b.AddEdge(e.From, e.To, opts...)
	}
	for _, chain := range d.Chains {
		b.AddChain(chain...)
	}
	for _, f := range d.FanOut {
		b.AddFanOut(f.From, f.To...)
	}
	for _, f := range d.FanIn {
		b.AddFanIn(f.To, f.From...)
	}
	for _, h := range d.Handoffs {
		b.AddHandoff(h.From, h.To...)
	}
	for _, m := range d.Managers {
		b.AddManager(m.Manager, m.Delegates...)
	}
	return b.Build()
}

// Load reads a YAML workflow definition and builds it with reg
func Load(r io.Reader, reg *Registry) (*Workflow, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow definition: %w", err)
	}
	return def.Build(reg)
}

// LoadFile loads a workflow from a YAML file
func LoadFile(path string, reg *Registry) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return Load(bytes.NewReader(data), reg)
}

// LoadString loads a workflow from a YAML string
func LoadString(data string, reg *Registry) (*Workflow, error) {
	return Load(bytes.NewReader([]byte(data)), reg)
}
