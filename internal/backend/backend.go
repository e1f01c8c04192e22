// Package backend contains the runtimes that execute task functions and the
// registry that maps engine names to them.
package backend

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

// Backend executes functions of one kind. An instance belongs to a single
// execution unit, so it may keep warm state between calls.
type Backend interface {
	Kind() compute.BackendKind
	Execute(ctx context.Context, fn compute.FunctionDescriptor, data []float64, args map[string]interface{}) ([]float64, error)
	Close() error
}

// Func is a function callable by the native and compiled-module backends.
type Func func(ctx context.Context, data []float64, args map[string]interface{}) ([]float64, error)

// Factory creates a fresh backend instance for an execution unit.
type Factory func() (Backend, error)

// argFloat reads a numeric argument, accepting the number types produced by
// the YAML, HCL and CBOR decoders as well as numeric strings.
func argFloat(args map[string]interface{}, key string, def float64) (float64, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("argument %q: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("argument %q has non-numeric type %T", key, v)
	}
}

func argInt(args map[string]interface{}, key string, def int) (int, error) {
	f, err := argFloat(args, key, float64(def))
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("argument %q must be an integer, got %v", key, f)
	}
	return int(f), nil
}

func argString(args map[string]interface{}, key, def string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return def
}

// numericArgs returns the numeric arguments, used as expression variables.
func numericArgs(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k := range args {
		if f, err := argFloat(args, k, 0); err == nil {
			out[k] = f
		}
	}
	return out
}
