package script

import (
	"context"
	"fmt"
	"maps"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine compiles expr-lang expressions. Expressions are side-effect
// free, which makes them a good fit for edge conditions and templates.
// Unlike Risor they cannot assign state, so script executors still need
// the Risor engine.
type ExprEngine struct {
	env map[string]any
}

// NewExprEngine returns an engine whose expressions also see env. Names
// that are not bound at evaluation time evaluate to nil.
func NewExprEngine(env map[string]any) *ExprEngine {
	if env == nil {
		env = map[string]any{}
	}
	return &ExprEngine{env: env}
}

func (e *ExprEngine) Compile(ctx context.Context, code string) (Script, error) {
	program, err := expr.Compile(code, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	return &ExprScript{engine: e, program: program}, nil
}

type ExprScript struct {
	engine  *ExprEngine
	program *vm.Program
}

func (s *ExprScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env := maps.Clone(s.engine.env)
	maps.Copy(env, globals)
	out, err := expr.Run(s.program, env)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	return &ExprValue{value: out}, nil
}

type ExprValue struct {
	value any
}

func (v *ExprValue) Value() any {
	return v.value
}

func (v *ExprValue) String() string {
	switch t := v.value.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func (v *ExprValue) IsTruthy() bool {
	switch t := v.value.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	}
	rv := reflect.ValueOf(v.value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	}
	return true
}
