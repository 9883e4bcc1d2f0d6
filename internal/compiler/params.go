package compiler

import (
	"fmt"
	"strconv"

	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
)

// Placeholder renders the n-th bound parameter, counting from 1.
type Placeholder func(n int) string

// QuestionMark is the SQLite placeholder style.
func QuestionMark(int) string { return "?" }

// Dollar is the PostgreSQL placeholder style.
func Dollar(n int) string { return "$" + strconv.Itoa(n) }

// Params turns every constant into a bound parameter. Values are appended
// to dst in visitation order, so several compilations sharing dst number
// their placeholders consecutively.
func Params(dst *[]any, placeholder Placeholder) Interceptor[string] {
	return func(_ *Context[string], n expr.Expr, out string) (string, error) {
		c, ok := n.(expr.Const)
		if !ok {
			return out, nil
		}
		v, err := ParamValue(c.Value)
		if err != nil {
			return "", err
		}
		*dst = append(*dst, v)
		return placeholder(len(*dst)), nil
	}
}

// ParamValue converts a value to a driver parameter. Arrays and objects bind
// as JSON text.
func ParamValue(v ir.Value) (any, error) {
	switch v.(type) {
	case ir.Array, ir.Object:
		data, err := ir.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("bind %s parameter: %w", ir.KindOf(v), err)
		}
		return string(data), nil
	default:
		return ir.ToGo(v), nil
	}
}
