package query

import (
	"strings"

	"github.com/nightscape/holon/pkg/value"
)

// EvalPredicate applies a post-filter expression to one row. It is
// pure: the same expression and row always produce the same result.
func EvalPredicate(e Expr, row *value.Entity) (bool, error) {
	v, err := evalExpr(e, row)
	if err != nil {
		return false, err
	}
	b, err := v.AsBool()
	if err != nil {
		return false, CompileError.Wrap(errAt(e.Span(), "predicate is not boolean", ErrTypeMismatch))
	}
	return b, nil
}

func evalExpr(e Expr, row *value.Entity) (value.Value, error) {
	switch ex := e.(type) {
	case LiteralExpr:
		return ex.Val, nil

	case ColumnExpr:
		v, ok := row.Get(ex.Name)
		if !ok {
			return value.Null(), nil
		}
		return v, nil

	case BinaryExpr:
		return evalBinary(ex, row)

	case CallExpr:
		return evalCall(ex, row)
	}
	return value.Value{}, CompileError.New("cannot evaluate %T", e)
}

func evalBinary(ex BinaryExpr, row *value.Entity) (value.Value, error) {
	left, err := evalExpr(ex.Left, row)
	if err != nil {
		return value.Value{}, err
	}
	right, err := evalExpr(ex.Right, row)
	if err != nil {
		return value.Value{}, err
	}

	switch ex.Op {
	case "and", "or":
		lb, err := left.AsBool()
		if err != nil {
			return value.Value{}, CompileError.Wrap(errAt(ex.At, "operand is not boolean", ErrTypeMismatch))
		}
		rb, err := right.AsBool()
		if err != nil {
			return value.Value{}, CompileError.Wrap(errAt(ex.At, "operand is not boolean", ErrTypeMismatch))
		}
		if ex.Op == "and" {
			return value.Boolean(lb && rb), nil
		}
		return value.Boolean(lb || rb), nil

	case "==":
		return value.Boolean(left.Equal(right)), nil
	case "!=":
		return value.Boolean(!left.Equal(right)), nil
	}

	cmp, err := left.Compare(right)
	if err != nil {
		return value.Value{}, CompileError.Wrap(errAt(ex.At, err.Error(), ErrTypeMismatch))
	}
	switch ex.Op {
	case "<":
		return value.Boolean(cmp < 0), nil
	case "<=":
		return value.Boolean(cmp <= 0), nil
	case ">":
		return value.Boolean(cmp > 0), nil
	case ">=":
		return value.Boolean(cmp >= 0), nil
	}
	return value.Value{}, CompileError.New("unknown operator %q", ex.Op)
}

// Built-in post-filter predicates. These are the only call forms the
// engine evaluates; anything else is a compile-time error when the
// filter runs.
func evalCall(ex CallExpr, row *value.Entity) (value.Value, error) {
	switch ex.Func {
	case "contains":
		if len(ex.Args) != 2 {
			return value.Value{}, CompileError.Wrap(errAt(ex.At, "contains takes two arguments", ErrTypeMismatch))
		}
		haystack, err := evalString(ex.Args[0], row)
		if err != nil {
			return value.Value{}, err
		}
		needle, err := evalString(ex.Args[1], row)
		if err != nil {
			return value.Value{}, err
		}
		return value.Boolean(strings.Contains(haystack, needle)), nil

	case "has":
		if len(ex.Args) != 1 {
			return value.Value{}, CompileError.Wrap(errAt(ex.At, "has takes one argument", ErrTypeMismatch))
		}
		v, err := evalExpr(ex.Args[0], row)
		if err != nil {
			return value.Value{}, err
		}
		return value.Boolean(!v.IsNull()), nil
	}
	return value.Value{}, CompileError.Wrap(errAt(ex.At, "unknown predicate "+ex.Func, ErrParse))
}

func evalString(e Expr, row *value.Entity) (string, error) {
	v, err := evalExpr(e, row)
	if err != nil {
		return "", err
	}
	if v.IsNull() {
		return "", nil
	}
	s, err := v.AsString()
	if err != nil {
		return "", CompileError.Wrap(errAt(e.Span(), "operand is not text", ErrTypeMismatch))
	}
	return s, nil
}
