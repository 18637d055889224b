package scenario

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/parser"
	"cuelang.org/go/cue/token"
)

// CompileError reports an expression that does not parse or evaluate.
type CompileError struct {
	Field   string // where the expression lives, e.g. "fields[0].set.second"
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s",
			e.Field, e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError attaches the position of the first CUE error.
func formatCUEError(field string, err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &CompileError{Field: field, Message: err.Error()}
	}
	first := errs[0]
	ce := &CompileError{Field: field, Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		ce.Pos = positions[0]
	}
	return ce
}

// expr is a parsed CUE expression.
type expr struct {
	field string
	src   string
	node  ast.Expr
}

func parseExpr(field, src string) (*expr, error) {
	node, err := parser.ParseExpr(field, src)
	if err != nil {
		return nil, formatCUEError(field, err)
	}
	return &expr{field: field, src: src, node: node}, nil
}

// evaluator evaluates expressions against Go values. A cue.Context is not
// safe for concurrent use, and async handlers evaluate from their own
// goroutines, so every evaluation holds mu.
type evaluator struct {
	mu  sync.Mutex
	ctx *cue.Context
}

func newEvaluator() *evaluator {
	return &evaluator{ctx: cuecontext.New()}
}

// eval evaluates x with the keys of scope as identifiers and converts the
// result back to a Go value.
func (ev *evaluator) eval(x *expr, scope map[string]any) (any, error) {
	ev.mu.Lock()
	defer ev.mu.Unlock()

	sv := ev.ctx.Encode(scope)
	if err := sv.Err(); err != nil {
		return nil, formatCUEError(x.field, err)
	}

	v := ev.ctx.BuildExpr(x.node, cue.Scope(sv), cue.InferBuiltins(true))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(x.field, err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(x.field, err)
	}

	out, err := toGo(v)
	if err != nil {
		return nil, &CompileError{Field: x.field, Message: err.Error()}
	}
	return out, nil
}

// evalBool evaluates x and requires a boolean.
func (ev *evaluator) evalBool(x *expr, scope map[string]any) (bool, error) {
	out, err := ev.eval(x, scope)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, &CompileError{Field: x.field, Message: fmt.Sprintf("expected a boolean, got %T", out)}
	}
	return b, nil
}

// toGo converts a concrete CUE value to plain Go values: nil, bool, int,
// float64, string, []any and map[string]any.
func toGo(v cue.Value) (any, error) {
	switch v.Kind() {
	case cue.NullKind:
		return nil, nil
	case cue.BoolKind:
		return v.Bool()
	case cue.IntKind:
		i, err := v.Int64()
		if err != nil {
			return nil, err
		}
		return int(i), nil
	case cue.FloatKind, cue.NumberKind:
		return v.Float64()
	case cue.StringKind:
		return v.String()
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, err
		}
		out := []any{}
		for iter.Next() {
			elem, err := toGo(iter.Value())
			if err != nil {
				return nil, err
			}
			out = append(out, elem)
		}
		return out, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, err
		}
		out := map[string]any{}
		for iter.Next() {
			elem, err := toGo(iter.Value())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", iter.Selector(), err)
			}
			out[iter.Selector().Unquoted()] = elem
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported CUE kind %s", v.Kind())
	}
}
