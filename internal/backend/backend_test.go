package backend

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

func fd(kind compute.BackendKind, name string) compute.FunctionDescriptor {
	return compute.FunctionDescriptor{Kind: kind, Name: name}
}

func TestNativeKernels(t *testing.T) {
	b, err := NewNative(DefaultLibrary(NewExpressions()))()
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	data := []float64{1, 2, 3, 4, 5}

	tests := []struct {
		name string
		args map[string]interface{}
		want []float64
	}{
		{name: "sum", want: []float64{15}},
		{name: "mean", want: []float64{3}},
		{name: "cumsum", want: []float64{1, 3, 6, 10, 15}},
		{name: "scale", args: map[string]interface{}{"factor": 2}, want: []float64{2, 4, 6, 8, 10}},
		{name: "simple_moving_average", args: map[string]interface{}{"window": 2}, want: []float64{1.5, 2.5, 3.5, 4.5}},
		{name: "expo_moving_average", args: map[string]interface{}{"alpha": 1.0}, want: []float64{1, 2, 3, 4, 5}},
		{name: "noise_smoother", want: []float64{1.5, 2, 3, 4, 4.5}},
		{name: "expr", args: map[string]interface{}{"expression": "x * k + i", "k": 10}, want: []float64{10, 21, 32, 43, 54}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.Execute(context.Background(), fd(compute.KindNative, tt.name), data, tt.args)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNativeUnknownFunction(t *testing.T) {
	b, _ := NewNative(NewLibrary())()
	_, err := b.Execute(context.Background(), fd(compute.KindNative, "nope"), nil, nil)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestCompiledModuleInstantiatesOnce(t *testing.T) {
	b, _ := NewCompiledModule(DefaultModules())()
	mod := b.(*CompiledModule)
	mul := compute.FunctionDescriptor{Kind: compute.KindCompiledModule, Module: "matrix", Component: "utils", Name: "multiply"}
	add := compute.FunctionDescriptor{Kind: compute.KindCompiledModule, Module: "matrix", Component: "utils", Name: "add"}

	// [1 2; 3 4] x [5 6; 7 8]
	got, err := mod.Execute(context.Background(), mul, []float64{1, 2, 3, 4, 5, 6, 7, 8}, nil)
	if err != nil {
		t.Fatalf("multiply: %v", err)
	}
	if diff := cmp.Diff([]float64{19, 22, 43, 50}, got); diff != "" {
		t.Errorf("multiply mismatch (-want +got):\n%s", diff)
	}
	if _, err := mod.Execute(context.Background(), add, []float64{1, 2, 3, 4}, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if mod.Instantiated() != 1 {
		t.Errorf("expected one instantiated component, got %d", mod.Instantiated())
	}

	missing := compute.FunctionDescriptor{Kind: compute.KindCompiledModule, Module: "matrix", Component: "nope", Name: "x"}
	if _, err := mod.Execute(context.Background(), missing, nil, nil); !compute.HasCode(err, compute.ErrCodeNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestGPUKernelsAcrossWorkgroups(t *testing.T) {
	b, _ := NewGPU(NewExpressions(), WithWorkgroupSize(3), WithMaxParallel(2))()
	data := make([]float64, 10)
	for i := range data {
		data[i] = float64(i) - 5
	}

	relu, err := b.Execute(context.Background(), fd(compute.KindGPUKernel, "relu"), data, nil)
	if err != nil {
		t.Fatalf("relu: %v", err)
	}
	for i, v := range relu {
		if v != math.Max(0, data[i]) {
			t.Fatalf("relu[%d] = %v", i, v)
		}
	}

	mapped, err := b.Execute(context.Background(), fd(compute.KindGPUKernel, "map"), data,
		map[string]interface{}{"expression": "pow(x, 2) + offset", "offset": 1})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if mapped[0] != 26 || mapped[9] != 17 {
		t.Errorf("unexpected mapped values %v", mapped)
	}

	mm, err := b.Execute(context.Background(), fd(compute.KindGPUKernel, "matrix_multiply"), []float64{1, 2, 3, 4, 5, 6, 7, 8}, nil)
	if err != nil {
		t.Fatalf("matrix_multiply: %v", err)
	}
	if diff := cmp.Diff([]float64{19, 22, 43, 50}, mm); diff != "" {
		t.Errorf("matrix_multiply mismatch (-want +got):\n%s", diff)
	}
}

func TestGPUHonoursCancellation(t *testing.T) {
	b, _ := NewGPU(NewExpressions(), WithWorkgroupSize(1))()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Execute(ctx, fd(compute.KindGPUKernel, "square"), []float64{1, 2, 3}, nil); err == nil {
		t.Fatal("expected cancellation error")
	}
}

const doubleScript = `package main

func Double(d []float64) []float64 {
	out := make([]float64, len(d))
	for i, v := range d {
		out[i] = v * 2
	}
	return out
}
`

func TestInterpreterInlineAndFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "double.go"), []byte(doubleScript), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	b, _ := NewInterpreter("go", dir)()
	it := b.(*Interpreter)

	fromFile := compute.FunctionDescriptor{Kind: compute.KindSandboxedInterpreter, Language: "go", Module: "double.go", Name: "Double"}
	got, err := it.Execute(context.Background(), fromFile, []float64{1, 2}, nil)
	if err != nil {
		t.Fatalf("file script: %v", err)
	}
	if diff := cmp.Diff([]float64{2, 4}, got); diff != "" {
		t.Errorf("file script mismatch (-want +got):\n%s", diff)
	}

	inline := compute.FunctionDescriptor{Kind: compute.KindSandboxedInterpreter, Language: "go", Name: "Double"}
	got, err = it.Execute(context.Background(), inline, []float64{3}, map[string]interface{}{"source": doubleScript})
	if err != nil {
		t.Fatalf("inline script: %v", err)
	}
	if got[0] != 6 {
		t.Errorf("inline script got %v", got)
	}
	if len(it.programs) != 2 {
		t.Errorf("expected two warmed programs, got %d", len(it.programs))
	}
}

func TestInterpreterUnsupportedLanguage(t *testing.T) {
	b, _ := NewInterpreter("python", "")()
	_, err := b.Execute(context.Background(), compute.FunctionDescriptor{Kind: compute.KindSandboxedInterpreter, Language: "python", Name: "f"}, nil, nil)
	if err == nil {
		t.Fatal("expected error for unsupported language")
	}
}

func TestRegistryResolve(t *testing.T) {
	r := Defaults(Options{})

	tests := []struct {
		in   string
		want compute.FunctionDescriptor
	}{
		{in: "sum", want: compute.FunctionDescriptor{Kind: compute.KindNative, Name: "sum"}},
		{in: "gpu:scale", want: compute.FunctionDescriptor{Kind: compute.KindGPUKernel, Name: "scale"}},
		{
			in:   "compiled-module:stats/basic/mean",
			want: compute.FunctionDescriptor{Kind: compute.KindCompiledModule, Module: "stats", Component: "basic", Name: "mean"},
		},
		{
			in:   "interpreter:go:a.go#F",
			want: compute.FunctionDescriptor{Kind: compute.KindSandboxedInterpreter, Language: "go", Module: "a.go", Name: "F"},
		},
	}
	for _, tt := range tests {
		got, err := r.Resolve(tt.in)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Resolve(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}

	if err := r.SetActive("gpu"); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	got, _ := r.Resolve("square")
	if got.Kind != compute.KindGPUKernel {
		t.Errorf("unprefixed name should use the active engine, got %+v", got)
	}
	if err := r.SetActive("webgpu"); err == nil {
		t.Error("expected error for unknown engine")
	}
	if r.Active() != "gpu" {
		t.Errorf("failed SetActive changed the active engine to %s", r.Active())
	}
}

func TestRegistryRejectsMisnamedEngine(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Entry{Name: "fast", Kind: compute.KindNative, Factory: NewNative(NewLibrary())})
	if !compute.HasCode(err, compute.ErrCodeConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}
