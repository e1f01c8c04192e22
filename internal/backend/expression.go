package backend

import (
	"fmt"
	"math"
	"sync"

	"github.com/Knetic/govaluate"
)

// Expressions holds the functions callable from expression kernels.
type Expressions struct {
	mu        sync.RWMutex
	functions map[string]govaluate.ExpressionFunction
}

// NewExpressions returns a function set with the math built-ins.
func NewExpressions() *Expressions {
	e := &Expressions{functions: make(map[string]govaluate.ExpressionFunction)}
	e.Register("sqrt", unary(math.Sqrt))
	e.Register("abs", unary(math.Abs))
	e.Register("exp", unary(math.Exp))
	e.Register("log", unary(math.Log))
	e.Register("floor", unary(math.Floor))
	e.Register("ceil", unary(math.Ceil))
	e.Register("pow", binary(math.Pow))
	e.Register("min", binary(math.Min))
	e.Register("max", binary(math.Max))
	return e
}

// Register allows users to register a custom function for expressions.
func (e *Expressions) Register(name string, fn govaluate.ExpressionFunction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.functions[name] = fn
}

// Compile parses an expression against the registered functions.
func (e *Expressions) Compile(expr string) (*govaluate.EvaluableExpression, error) {
	e.mu.RLock()
	funcs := make(map[string]govaluate.ExpressionFunction, len(e.functions))
	for k, v := range e.functions {
		funcs[k] = v
	}
	e.mu.RUnlock()
	return govaluate.NewEvaluableExpressionWithFunctions(expr, funcs)
}

// Validate checks if an expression is valid before it is dispatched.
func (e *Expressions) Validate(expr string) error {
	_, err := e.Compile(expr)
	return err
}

// evalElement evaluates a compiled expression for element x at position i of n.
func evalElement(expr *govaluate.EvaluableExpression, vars map[string]interface{}, i, n int, x float64) (float64, error) {
	vars["x"] = x
	vars["i"] = float64(i)
	vars["n"] = float64(n)
	res, err := expr.Evaluate(vars)
	if err != nil {
		return 0, err
	}
	switch v := res.(type) {
	case float64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("expression produced %T, want number", res)
	}
}

func unary(f func(float64) float64) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
		}
		x, ok := args[0].(float64)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", args[0])
		}
		return f(x), nil
	}
}

func binary(f func(float64, float64) float64) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("expected 2 arguments, got %d", len(args))
		}
		x, ok1 := args[0].(float64)
		y, ok2 := args[1].(float64)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("expected numbers, got %T and %T", args[0], args[1])
		}
		return f(x, y), nil
	}
}
