package backend

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

// Engine names registered by Defaults.
const (
	EngineNative         = "native"
	EngineCompiledModule = "compiled-module"
	EngineGPU            = "gpu"
	EngineInterpreterGo  = "interpreter:go"
)

// Entry maps an engine name to its backend kind and unit factory.
type Entry struct {
	Name     string
	Kind     compute.BackendKind
	Language string
	Factory  Factory
}

// Registry maps logical engine names to backends and tracks the active
// engine used for function names without an engine prefix.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	active  string
}

// NewRegistry returns an empty registry with "native" as the active engine.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry), active: EngineNative}
}

// Options configures the default backends.
type Options struct {
	Library       *Library
	Modules       *ModuleTable
	Expressions   *Expressions
	ScriptDir     string
	WorkgroupSize int
	GPUParallel   int
}

// Defaults returns a registry with the native, compiled-module, gpu and
// interpreter:go engines.
func Defaults(opts Options) *Registry {
	if opts.Expressions == nil {
		opts.Expressions = NewExpressions()
	}
	if opts.Library == nil {
		opts.Library = DefaultLibrary(opts.Expressions)
	}
	if opts.Modules == nil {
		opts.Modules = DefaultModules()
	}
	r := NewRegistry()
	r.mustRegister(Entry{Name: EngineNative, Kind: compute.KindNative, Factory: NewNative(opts.Library)})
	r.mustRegister(Entry{Name: EngineCompiledModule, Kind: compute.KindCompiledModule, Factory: NewCompiledModule(opts.Modules)})
	r.mustRegister(Entry{
		Name:    EngineGPU,
		Kind:    compute.KindGPUKernel,
		Factory: NewGPU(opts.Expressions, WithWorkgroupSize(opts.WorkgroupSize), WithMaxParallel(opts.GPUParallel)),
	})
	r.mustRegister(Entry{
		Name:     EngineInterpreterGo,
		Kind:     compute.KindSandboxedInterpreter,
		Language: "go",
		Factory:  NewInterpreter("go", opts.ScriptDir),
	})
	return r
}

func (r *Registry) mustRegister(e Entry) {
	if err := r.Register(e); err != nil {
		panic(err)
	}
}

// Register adds or replaces an engine.
func (r *Registry) Register(e Entry) error {
	if e.Name == "" || e.Factory == nil {
		return compute.NewConfigurationError("engine needs a name and a factory", nil)
	}
	if e.Kind == compute.KindSandboxedInterpreter {
		if e.Language == "" {
			return compute.NewConfigurationError(fmt.Sprintf("interpreter engine '%s' has no language", e.Name), nil)
		}
		if want := string(e.Kind) + ":" + e.Language; e.Name != want {
			return compute.NewConfigurationError(fmt.Sprintf("interpreter engine must be named '%s'", want), nil)
		}
	} else if e.Name != string(e.Kind) {
		return compute.NewConfigurationError(fmt.Sprintf("engine '%s' must be named after its kind '%s'", e.Name, e.Kind), nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Name] = e
	return nil
}

// Lookup returns the engine registered under name.
func (r *Registry) Lookup(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, compute.NewNotFoundError(compute.StageConfiguration, fmt.Sprintf("engine '%s'", name), nil)
	}
	return e, nil
}

// SetActive switches the engine used for unprefixed function names. Units
// already created for another engine are replaced lazily by the pool.
func (r *Registry) SetActive(name string) error {
	if _, err := r.Lookup(name); err != nil {
		return err
	}
	r.mu.Lock()
	r.active = name
	r.mu.Unlock()
	return nil
}

// Active returns the active engine name.
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Names lists the registered engines.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve turns a function string into a descriptor. The longest registered
// engine name followed by ':' wins; otherwise the active engine applies.
func (r *Registry) Resolve(function string) (compute.FunctionDescriptor, error) {
	function = strings.TrimSpace(function)
	r.mu.RLock()
	var match Entry
	for name, e := range r.entries {
		if strings.HasPrefix(function, name+":") && len(name) > len(match.Name) {
			match = e
		}
	}
	active := r.entries[r.active]
	r.mu.RUnlock()

	body := function
	if match.Name != "" {
		body = function[len(match.Name)+1:]
	} else {
		match = active
	}
	if match.Name == "" {
		return compute.FunctionDescriptor{}, compute.NewConfigurationError("no active engine", nil)
	}
	return compute.ParseFunction(match.Kind, match.Language, body)
}

// Factory returns the unit factory for the engine that runs fn.
func (r *Registry) Factory(fn compute.FunctionDescriptor) (Factory, error) {
	e, err := r.Lookup(fn.Engine())
	if err != nil {
		return nil, err
	}
	return e.Factory, nil
}
