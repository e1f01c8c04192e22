// Package hydrocompute runs multi-step data-processing jobs over a bounded
// pool of execution units. Each step fans its input out to one or more
// functions, optionally ordered by intra-step dependencies, and linked runs
// feed every step's output into the next.
package hydrocompute

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/hydrocompute/internal/backend"
	"github.com/ZanzyTHEbar/hydrocompute/internal/eventbus"
	"github.com/ZanzyTHEbar/hydrocompute/internal/executor"
	"github.com/ZanzyTHEbar/hydrocompute/internal/orchestrator"
	"github.com/ZanzyTHEbar/hydrocompute/internal/pool"
	"github.com/ZanzyTHEbar/hydrocompute/internal/protocol"
	"github.com/ZanzyTHEbar/hydrocompute/internal/store"
	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
	"github.com/ZanzyTHEbar/hydrocompute/pkg/config"
)

// Engine is the main entry point into hydrocompute.
type Engine struct {
	config *config.Config
	logger *zap.Logger

	registry     *backend.Registry
	pool         *pool.Pool
	orchestrator *orchestrator.Orchestrator
	machine      *StateMachine
	store        compute.Store
	bus          eventbus.EventBus

	functions       map[string]Function
	moduleFunctions []moduleFunction
	closers         []io.Closer

	// Async runs
	runs   map[string]*RunContext
	runsMu sync.RWMutex
}

type moduleFunction struct {
	module, component, name string
	fn                      Function
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the configuration. The default is config.Default().
func WithConfig(cfg *config.Config) Option {
	return func(e *Engine) {
		if cfg != nil {
			e.config = cfg
		}
	}
}

// WithLogger sets the logger. The default is the global zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithStore replaces the store built from the configuration. The engine
// does not close a store passed here.
func WithStore(s compute.Store) Option {
	return func(e *Engine) {
		e.store = s
	}
}

// WithFunction registers a native function callable as "native:<name>".
func WithFunction(name string, fn Function) Option {
	return func(e *Engine) {
		e.functions[name] = fn
	}
}

// WithModuleFunction registers a compiled-module function callable as
// "compiled-module:<module>/<component>/<name>".
func WithModuleFunction(module, component, name string, fn Function) Option {
	return func(e *Engine) {
		e.moduleFunctions = append(e.moduleFunctions, moduleFunction{module, component, name, fn})
	}
}

// New creates an Engine with the provided options.
func New(options ...Option) (*Engine, error) {
	e := &Engine{
		config:    config.Default(),
		logger:    zap.L(),
		functions: make(map[string]Function),
		runs:      make(map[string]*RunContext),
	}
	for _, option := range options {
		option(e)
	}
	cfg := e.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e.logger = e.logger.Named("hydrocompute")

	if e.bus == nil && cfg.EventBus.Enable {
		bus := eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(cfg.EventBus.BufferSize),
			eventbus.WithWorkerCount(cfg.EventBus.WorkerCount),
			eventbus.WithLogger(e.logger.Named("eventbus")),
		)
		e.bus = bus
		e.closers = append(e.closers, bus)
	}

	if e.store == nil {
		s, err := newStore(cfg.Store, e.logger.Named("store"))
		if err != nil {
			return nil, err
		}
		e.store = s
		e.closers = append(e.closers, s)
	}

	exprs := backend.NewExpressions()
	library := backend.DefaultLibrary(exprs)
	for name, fn := range e.functions {
		library.Register(name, fn)
	}
	modules := backend.DefaultModules()
	for _, mf := range e.moduleFunctions {
		modules.Register(mf.module, mf.component, mf.name, mf.fn)
	}
	e.registry = backend.Defaults(backend.Options{
		Library:       library,
		Modules:       modules,
		Expressions:   exprs,
		ScriptDir:     cfg.Scripts.Dir,
		WorkgroupSize: cfg.GPU.WorkgroupSize,
		GPUParallel:   cfg.GPU.MaxParallel,
	})
	if err := e.registry.SetActive(cfg.Engine); err != nil {
		e.closeOwned()
		return nil, compute.NewConfigurationError(fmt.Sprintf("unknown engine %q", cfg.Engine), err)
	}

	e.pool = pool.New(cfg.Concurrency, e.registry, e.store,
		pool.WithLogger(e.logger.Named("pool")),
		pool.WithEventBus(e.bus),
	)
	e.orchestrator = orchestrator.New(e.registry, e.pool, e.store,
		orchestrator.WithLogger(e.logger.Named("orchestrator")),
		orchestrator.WithEventBus(e.bus),
		orchestrator.WithExecutorOptions(
			executor.WithMaxIterations(cfg.Scheduler.MaxIterations),
			executor.WithTimeout(cfg.Scheduler.Timeout),
			executor.WithStallPasses(cfg.Scheduler.StallPasses),
			executor.WithPollInterval(cfg.Scheduler.PollInterval),
		),
	)
	e.machine = createRunStateMachine(runComponents{
		Registry:     e.registry,
		Orchestrator: e.orchestrator,
		Store:        e.store,
	}, NewStateMachine(e.bus, e.logger.Named("run")))

	e.logger.Info("engine ready",
		zap.String("engine", cfg.Engine),
		zap.Int("concurrency", e.pool.Size()),
		zap.String("store", cfg.Store.Kind),
		zap.Bool("eventbus", e.bus != nil))
	return e, nil
}

func newStore(c config.StoreConfig, logger *zap.Logger) (interface {
	compute.Store
	io.Closer
}, error) {
	opts := []store.Option{
		store.WithChunkSize(c.ChunkSize),
		store.WithCompression(c.Compress),
		store.WithTTL(c.TTL),
		store.WithLogger(logger),
	}
	if c.Kind == "file" {
		return store.NewFileStore(c.Dir, opts...)
	}
	return store.NewMemoryStore(opts...), nil
}

// Run executes req and waits for it. The returned result is recorded even
// when the run fails part way, and stays queryable through Results.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	rc := NewRunContext(uuid.NewString(), req)
	return e.machine.Execute(ctx, rc)
}

// Results returns the recorded result of a finished run.
func (e *Engine) Results(runID string) (*RunResult, error) {
	return e.orchestrator.Results(runID)
}

// Stop cancels the run in progress and terminates its in-flight units.
// Later runs start normally.
func (e *Engine) Stop() {
	e.orchestrator.Stop()
}

// SetEngine switches the engine used for function names without an engine
// prefix.
func (e *Engine) SetEngine(name string) error {
	return e.orchestrator.SetEngine(name)
}

// ActiveEngine returns the engine used for unprefixed function names.
func (e *Engine) ActiveEngine() string { return e.orchestrator.Engine() }

// Engines lists the registered engine names.
func (e *Engine) Engines() []string { return e.registry.Names() }

// Resolve parses a function string against the registered engines.
func (e *Engine) Resolve(function string) (FunctionDescriptor, error) {
	return e.registry.Resolve(function)
}

// Metrics returns the scheduler metrics of the last dependency-graph step.
func (e *Engine) Metrics() SchedulerMetrics {
	return e.orchestrator.Executor().Metrics()
}

// Concurrency returns the number of execution-unit slots.
func (e *Engine) Concurrency() int { return e.pool.Size() }

// Subscribe registers handler for the given event types, or for every
// event when types is empty.
func (e *Engine) Subscribe(types []EventType, handler EventHandler) (string, error) {
	if e.bus == nil {
		return "", compute.NewConfigurationError("event bus is disabled", nil)
	}
	return e.bus.Subscribe(types, handler)
}

// Unsubscribe removes a subscription made with Subscribe.
func (e *Engine) Unsubscribe(id string) error {
	if e.bus == nil {
		return compute.NewConfigurationError("event bus is disabled", nil)
	}
	return e.bus.Unsubscribe(id)
}

// StoreData stores series and returns an ID usable in RunRequest.DataIDs.
func (e *Engine) StoreData(ctx context.Context, series []float64) (string, error) {
	raw, err := protocol.EncodeSeries(e.pool.Codec(), series)
	if err != nil {
		return "", compute.NewInternalError(compute.StageStore, "encode data", err)
	}
	id := "data/" + uuid.NewString()
	if err := e.store.Put(ctx, id, raw, compute.RecordCompleted); err != nil {
		return "", err
	}
	return id, nil
}

// Data returns a stored series, either one saved with StoreData or a task
// result at compute.ResultRef(uniqueID).
func (e *Engine) Data(ctx context.Context, id string) ([]float64, error) {
	raw, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeSeries(e.pool.Codec(), raw)
}

// DeleteData removes a stored series.
func (e *Engine) DeleteData(ctx context.Context, id string) error {
	return e.store.Delete(ctx, id)
}

// Close stops the engine, terminates every unit and releases the store and
// event bus the engine created.
func (e *Engine) Close() error {
	e.runsMu.RLock()
	for _, rc := range e.runs {
		if rc.cancel != nil {
			rc.cancel()
		}
	}
	e.runsMu.RUnlock()

	e.orchestrator.Stop()
	err := e.pool.Close()
	if cerr := e.closeOwned(); err == nil {
		err = cerr
	}
	return err
}

func (e *Engine) closeOwned() error {
	var first error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	e.closers = nil
	return first
}
