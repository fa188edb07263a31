package script

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// Names of the globals bound by the runtime when evaluating scripts.
const (
	GlobalInput  = "input"
	GlobalOutput = "output"
	GlobalState  = "state"
)

type RisorScript struct {
	engine *RisorScriptingEngine
	code   *compiler.Code
}

func (s *RisorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := maps.Clone(s.engine.globals)
	maps.Copy(combined, globals)
	value, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate risor script: %w", err)
	}
	return &RisorValue{obj: value}, nil
}

// RisorScriptingEngine compiles Risor code. Only the names present in its
// globals can be referenced by compiled scripts.
type RisorScriptingEngine struct {
	globals map[string]any
}

func NewRisorScriptingEngine(globals map[string]any) *RisorScriptingEngine {
	if globals == nil {
		globals = map[string]any{}
	}
	return &RisorScriptingEngine{globals: globals}
}

func (e *RisorScriptingEngine) Compile(ctx context.Context, code string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}
	names := slices.Sorted(maps.Keys(e.globals))
	compiled, err := compiler.Compile(ast, compiler.WithGlobalNames(names))
	if err != nil {
		return nil, err
	}
	return &RisorScript{engine: e, code: compiled}, nil
}

type RisorValue struct {
	obj object.Object
}

func (value *RisorValue) Value() any {
	return ConvertRisorValueToGo(value.obj)
}

func (value *RisorValue) IsTruthy() bool {
	return ConvertRisorValueToBool(value.obj)
}

func (value *RisorValue) String() string {
	switch v := value.obj.(type) {
	case *object.String:
		return v.Value()
	case *object.Int:
		return fmt.Sprintf("%d", v.Value())
	case *object.Float:
		return fmt.Sprintf("%g", v.Value())
	case *object.Bool:
		return fmt.Sprintf("%t", v.Value())
	case *object.Time:
		return v.Value().Format(time.RFC3339)
	case *object.NilType:
		return ""
	case *object.List:
		// Double newline between each item
		var items []string
		for _, item := range v.Value() {
			items = append(items, (&RisorValue{obj: item}).String())
		}
		return strings.Join(items, "\n\n")
	case *object.Map:
		var items []string
		m := v.Value()
		for _, k := range slices.Sorted(maps.Keys(m)) {
			items = append(items, fmt.Sprintf("%s: %s", k, (&RisorValue{obj: m[k]}).String()))
		}
		return strings.Join(items, "\n\n")
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", value.obj)
	}
}

// DefaultRisorGlobals returns the safe Risor builtins plus placeholders for
// the input, output and state globals bound at evaluation time.
func DefaultRisorGlobals() map[string]any {
	safe := GetSafeGlobals()
	globals := map[string]any{}
	for name, value := range all.Builtins() {
		if safe[name] {
			globals[name] = value
		}
	}
	globals[GlobalInput] = object.Nil
	globals[GlobalOutput] = object.Nil
	globals[GlobalState] = object.NewMap(map[string]object.Object{})
	return globals
}
