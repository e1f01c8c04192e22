package backend

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

// Kernel is a data-parallel function. Run fills out[lo:hi]; the backend calls
// it once per workgroup, concurrently.
type Kernel struct {
	// OutputLen returns the output size for an input, defaulting to len(in).
	OutputLen func(in []float64, args map[string]interface{}) (int, error)
	Run       func(in, out []float64, lo, hi int, args map[string]interface{}) error
}

// GPU dispatches kernels over fixed-size workgroups.
type GPU struct {
	kernels       map[string]Kernel
	workgroupSize int
	maxParallel   int
}

// GPUOption configures the kernel backend.
type GPUOption func(*GPU)

// WithWorkgroupSize sets the number of elements per workgroup.
func WithWorkgroupSize(n int) GPUOption {
	return func(g *GPU) {
		if n > 0 {
			g.workgroupSize = n
		}
	}
}

// WithMaxParallel bounds the number of workgroups in flight.
func WithMaxParallel(n int) GPUOption {
	return func(g *GPU) {
		if n > 0 {
			g.maxParallel = n
		}
	}
}

// NewGPU returns a factory of kernel backends with the built-in kernels.
func NewGPU(exprs *Expressions, opts ...GPUOption) Factory {
	return func() (Backend, error) {
		g := &GPU{
			kernels:       DefaultKernels(exprs),
			workgroupSize: 256,
			maxParallel:   runtime.NumCPU(),
		}
		for _, opt := range opts {
			opt(g)
		}
		return g, nil
	}
}

// DefaultKernels returns scale, square, saxpy, relu, map and matrix_multiply.
func DefaultKernels(exprs *Expressions) map[string]Kernel {
	return map[string]Kernel{
		"scale": elementwise(func(x float64, p map[string]interface{}) (float64, error) {
			f, err := argFloat(p, "factor", 1)
			return x * f, err
		}),
		"square": elementwise(func(x float64, _ map[string]interface{}) (float64, error) {
			return x * x, nil
		}),
		"saxpy": elementwise(func(x float64, p map[string]interface{}) (float64, error) {
			a, err := argFloat(p, "a", 1)
			if err != nil {
				return 0, err
			}
			b, err := argFloat(p, "b", 0)
			return a*x + b, err
		}),
		"relu": elementwise(func(x float64, _ map[string]interface{}) (float64, error) {
			return math.Max(0, x), nil
		}),
		"map":             mapKernel(exprs),
		"matrix_multiply": matmulKernel(),
	}
}

func elementwise(f func(x float64, args map[string]interface{}) (float64, error)) Kernel {
	return Kernel{
		Run: func(in, out []float64, lo, hi int, args map[string]interface{}) error {
			for i := lo; i < hi; i++ {
				v, err := f(in[i], args)
				if err != nil {
					return err
				}
				out[i] = v
			}
			return nil
		},
	}
}

// mapKernel compiles args["expression"] once per workgroup.
func mapKernel(exprs *Expressions) Kernel {
	return Kernel{
		Run: func(in, out []float64, lo, hi int, args map[string]interface{}) error {
			src := argString(args, "expression", "")
			if src == "" {
				return fmt.Errorf("map kernel needs an 'expression' argument")
			}
			expr, err := exprs.Compile(src)
			if err != nil {
				return fmt.Errorf("invalid expression %q: %w", src, err)
			}
			vars := numericArgs(args)
			for i := lo; i < hi; i++ {
				v, err := evalElement(expr, vars, i, len(in), in[i])
				if err != nil {
					return err
				}
				out[i] = v
			}
			return nil
		},
	}
}

// matmulKernel computes one output cell per element of the workgroup range.
func matmulKernel() Kernel {
	return Kernel{
		OutputLen: func(in []float64, args map[string]interface{}) (int, error) {
			m, _, p, err := matrixShape(in, args)
			return m * p, err
		},
		Run: func(in, out []float64, lo, hi int, args map[string]interface{}) error {
			m, n, p, err := matrixShape(in, args)
			if err != nil {
				return err
			}
			a, b := in[:m*n], in[m*n:]
			for cell := lo; cell < hi; cell++ {
				i, j := cell/p, cell%p
				s := 0.0
				for k := 0; k < n; k++ {
					s += a[i*n+k] * b[k*p+j]
				}
				out[cell] = s
			}
			return nil
		},
	}
}

func (g *GPU) Kind() compute.BackendKind { return compute.KindGPUKernel }

// Kernels lists the available kernel names.
func (g *GPU) Kernels() []string {
	names := make([]string, 0, len(g.kernels))
	for n := range g.kernels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (g *GPU) Execute(ctx context.Context, fn compute.FunctionDescriptor, data []float64, args map[string]interface{}) ([]float64, error) {
	k, ok := g.kernels[fn.Name]
	if !ok {
		return nil, compute.NewNotFoundError(compute.StageExecution, fmt.Sprintf("gpu kernel '%s'", fn.Name), nil)
	}
	size := len(data)
	if k.OutputLen != nil {
		n, err := k.OutputLen(data, args)
		if err != nil {
			return nil, err
		}
		size = n
	}
	out := make([]float64, size)

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.maxParallel)
	for lo := 0; lo < size; lo += g.workgroupSize {
		lo, hi := lo, min(lo+g.workgroupSize, size)
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return k.Run(data, out, lo, hi, args)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *GPU) Close() error { return nil }
