package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

// Library is a named set of in-process functions.
type Library struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewLibrary returns an empty library.
func NewLibrary() *Library {
	return &Library{funcs: make(map[string]Func)}
}

// DefaultLibrary returns the built-in native kernels. The expr kernel
// evaluates args["expression"] per element using exprs.
func DefaultLibrary(exprs *Expressions) *Library {
	l := NewLibrary()
	l.Register("sum", sumKernel)
	l.Register("mean", meanKernel)
	l.Register("variance", varianceKernel)
	l.Register("stddev", stddevKernel)
	l.Register("cumsum", cumsumKernel)
	l.Register("identity", identityKernel)
	l.Register("scale", scaleKernel)
	l.Register("expo_moving_average", expoMovingAverage)
	l.Register("simple_moving_average", simpleMovingAverage)
	l.Register("linear_weighted_average", linearWeightedAverage)
	l.Register("dsp_itrend", dspItrend)
	l.Register("noise_smoother", noiseSmoother)
	l.Register("matrix_multiply", matrixMultiply)
	l.Register("matrix_add", matrixAdd)
	l.Register("expr", exprKernel(exprs))
	return l
}

// Register adds or replaces a function.
func (l *Library) Register(name string, fn Func) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.funcs[name] = fn
}

// Lookup returns the function registered under name.
func (l *Library) Lookup(name string) (Func, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn, ok := l.funcs[name]
	return fn, ok
}

// Names lists the registered functions in sorted order.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.funcs))
	for n := range l.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Native runs functions from a Library in the unit's goroutine.
type Native struct {
	lib *Library
}

// NewNative returns a factory of native backends sharing lib.
func NewNative(lib *Library) Factory {
	return func() (Backend, error) {
		return &Native{lib: lib}, nil
	}
}

func (n *Native) Kind() compute.BackendKind { return compute.KindNative }

func (n *Native) Execute(ctx context.Context, fn compute.FunctionDescriptor, data []float64, args map[string]interface{}) ([]float64, error) {
	f, ok := n.lib.Lookup(fn.Name)
	if !ok {
		return nil, compute.NewNotFoundError(compute.StageExecution, fmt.Sprintf("native function '%s'", fn.Name), nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f(ctx, data, args)
}

func (n *Native) Close() error { return nil }

func exprKernel(exprs *Expressions) Func {
	return func(ctx context.Context, d []float64, args map[string]interface{}) ([]float64, error) {
		src := argString(args, "expression", "")
		if src == "" {
			return nil, fmt.Errorf("expr kernel needs an 'expression' argument")
		}
		expr, err := exprs.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("invalid expression %q: %w", src, err)
		}
		vars := numericArgs(args)
		out := make([]float64, len(d))
		for i, x := range d {
			if i%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			v, err := evalElement(expr, vars, i, len(d), x)
			if err != nil {
				return nil, fmt.Errorf("expression %q at element %d: %w", src, i, err)
			}
			out[i] = v
		}
		return out, nil
	}
}
