package script

import (
	"context"
)

// Value is the result of a script evaluation.
type Value interface {
	// Value returns the result as plain Go data suitable for JSON encoding
	Value() any

	// String returns the string representation used in templates
	String() string

	// IsTruthy reports whether the result counts as true in a condition
	IsTruthy() bool
}

// Script is a compiled script that can be evaluated many times.
type Script interface {
	Evaluate(ctx context.Context, globals map[string]any) (Value, error)
}

// Compiler compiles source code into a Script.
type Compiler interface {
	Compile(ctx context.Context, code string) (Script, error)
}
