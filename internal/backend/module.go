package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

// ModuleTable holds compiled modules as module -> component -> function.
type ModuleTable struct {
	mu      sync.RWMutex
	modules map[string]map[string]map[string]Func
}

// NewModuleTable returns an empty table.
func NewModuleTable() *ModuleTable {
	return &ModuleTable{modules: make(map[string]map[string]map[string]Func)}
}

// DefaultModules returns the built-in matrix, time-series and statistics modules.
func DefaultModules() *ModuleTable {
	t := NewModuleTable()
	t.Register("matrix", "utils", "multiply", matrixMultiply)
	t.Register("matrix", "utils", "add", matrixAdd)
	t.Register("timeseries", "smoothing", "expo_moving_average", expoMovingAverage)
	t.Register("timeseries", "smoothing", "simple_moving_average", simpleMovingAverage)
	t.Register("timeseries", "smoothing", "linear_weighted_average", linearWeightedAverage)
	t.Register("timeseries", "smoothing", "noise_smoother", noiseSmoother)
	t.Register("timeseries", "trend", "dsp_itrend", dspItrend)
	t.Register("stats", "basic", "sum", sumKernel)
	t.Register("stats", "basic", "mean", meanKernel)
	t.Register("stats", "basic", "variance", varianceKernel)
	t.Register("stats", "basic", "stddev", stddevKernel)
	return t
}

// Register adds a function to a module component.
func (t *ModuleTable) Register(module, component, name string, fn Func) {
	t.mu.Lock()
	defer t.mu.Unlock()
	comps, ok := t.modules[module]
	if !ok {
		comps = make(map[string]map[string]Func)
		t.modules[module] = comps
	}
	funcs, ok := comps[component]
	if !ok {
		funcs = make(map[string]Func)
		comps[component] = funcs
	}
	funcs[name] = fn
}

func (t *ModuleTable) component(module, component string) (map[string]Func, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	comps, ok := t.modules[module]
	if !ok {
		return nil, compute.NewNotFoundError(compute.StageExecution, fmt.Sprintf("module '%s'", module), nil)
	}
	funcs, ok := comps[component]
	if !ok {
		return nil, compute.NewNotFoundError(compute.StageExecution, fmt.Sprintf("component '%s/%s'", module, component), nil)
	}
	return funcs, nil
}

// CompiledModule resolves module/component/name against a ModuleTable.
// Components are instantiated once per unit and reused by later tasks.
type CompiledModule struct {
	table     *ModuleTable
	instances map[string]map[string]Func
}

// NewCompiledModule returns a factory of compiled-module backends over table.
func NewCompiledModule(table *ModuleTable) Factory {
	return func() (Backend, error) {
		return &CompiledModule{table: table, instances: make(map[string]map[string]Func)}, nil
	}
}

func (c *CompiledModule) Kind() compute.BackendKind { return compute.KindCompiledModule }

func (c *CompiledModule) Execute(ctx context.Context, fn compute.FunctionDescriptor, data []float64, args map[string]interface{}) ([]float64, error) {
	if c.instances == nil {
		c.instances = make(map[string]map[string]Func)
	}
	key := fn.Module + "/" + fn.Component
	funcs, ok := c.instances[key]
	if !ok {
		src, err := c.table.component(fn.Module, fn.Component)
		if err != nil {
			return nil, err
		}
		funcs = make(map[string]Func, len(src))
		for name, f := range src {
			funcs[name] = f
		}
		c.instances[key] = funcs
	}
	f, ok := funcs[fn.Name]
	if !ok {
		return nil, compute.NewNotFoundError(compute.StageExecution, fmt.Sprintf("function '%s' in %s", fn.Name, key), nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f(ctx, data, args)
}

// Instantiated reports how many components this unit has loaded.
func (c *CompiledModule) Instantiated() int { return len(c.instances) }

func (c *CompiledModule) Close() error {
	c.instances = nil
	return nil
}
