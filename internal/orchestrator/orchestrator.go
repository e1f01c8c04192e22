// Package orchestrator turns multi-step run requests into step executions
// and keeps the results of finished runs.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/hydrocompute/internal/backend"
	"github.com/ZanzyTHEbar/hydrocompute/internal/eventbus"
	"github.com/ZanzyTHEbar/hydrocompute/internal/executor"
	"github.com/ZanzyTHEbar/hydrocompute/internal/graph"
	"github.com/ZanzyTHEbar/hydrocompute/internal/pool"
	"github.com/ZanzyTHEbar/hydrocompute/internal/protocol"
	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

// Orchestrator runs requests one at a time over a shared execution-unit
// pool. It owns the steps and tasks of the run in progress.
type Orchestrator struct {
	registry *backend.Registry
	pool     *pool.Pool
	executor *executor.Executor
	store    compute.Store
	logger   *zap.Logger
	bus      eventbus.EventBus

	runMu sync.Mutex // serialises runs

	mu      sync.Mutex
	cancel  context.CancelFunc
	results map[string]*compute.RunResult
}

// Option configures an Orchestrator.
type Option func(*config)

type config struct {
	logger       *zap.Logger
	bus          eventbus.EventBus
	executorOpts []executor.Option
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEventBus publishes run, step and task events on bus.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(c *config) { c.bus = bus }
}

// WithExecutorOptions configures the dependency-graph executor.
func WithExecutorOptions(opts ...executor.Option) Option {
	return func(c *config) { c.executorOpts = append(c.executorOpts, opts...) }
}

// New creates an orchestrator. The pool must resolve factories through
// registry so that SetEngine affects later acquisitions.
func New(registry *backend.Registry, p *pool.Pool, store compute.Store, opts ...Option) *Orchestrator {
	cfg := config{logger: zap.L().Named("orchestrator")}
	for _, opt := range opts {
		opt(&cfg)
	}
	execOpts := append([]executor.Option{
		executor.WithLogger(cfg.logger.Named("executor")),
		executor.WithEventBus(cfg.bus),
	}, cfg.executorOpts...)

	return &Orchestrator{
		registry: registry,
		pool:     p,
		executor: executor.New(p, execOpts...),
		store:    store,
		logger:   cfg.logger,
		bus:      cfg.bus,
		results:  make(map[string]*compute.RunResult),
	}
}

// Pool returns the execution-unit pool.
func (o *Orchestrator) Pool() *pool.Pool { return o.pool }

// Executor returns the dependency-graph executor, mainly for its metrics.
func (o *Orchestrator) Executor() *executor.Executor { return o.executor }

// Run executes req under a fresh run ID.
func (o *Orchestrator) Run(ctx context.Context, req compute.RunRequest) (*compute.RunResult, error) {
	return o.Execute(ctx, uuid.NewString(), req)
}

// Execute runs every step of req in order. A validation failure returns
// before anything is stored. A failing step aborts the remaining steps; the
// partial result is still recorded under runID and returned with the error.
func (o *Orchestrator) Execute(ctx context.Context, runID string, req compute.RunRequest) (*compute.RunResult, error) {
	if err := req.Validate(); err != nil {
		o.logger.Warn("rejecting run request", zap.String("run_id", runID), zap.Error(err))
		return nil, err
	}

	o.runMu.Lock()
	defer o.runMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.begin(cancel)
	defer o.end()

	res := &compute.RunResult{
		ID:        runID,
		Engine:    o.registry.Active(),
		Linked:    req.Linked,
		StartTime: time.Now(),
	}
	log := o.logger.With(zap.String("run_id", runID))
	log.Info("run started", zap.Int("steps", len(req.Functions)), zap.Bool("linked", req.Linked))
	o.emit(runCtx, eventbus.EventRunStarted, runID, -1, nil)

	var inputs []string
	defer func() { o.cleanup(inputs) }()

	var runErr error
	for i := range req.Functions {
		if err := runCtx.Err(); err != nil {
			runErr = compute.NewStepError(i, compute.NewCancelledError(compute.StageOrchestration, err))
			break
		}
		var prev *compute.StepResult
		if len(res.Steps) > 0 {
			prev = &res.Steps[len(res.Steps)-1]
		}
		input, err := o.stepInput(runCtx, req, i, prev)
		if err != nil {
			runErr = compute.NewStepError(i, err)
			break
		}
		step, refs, err := o.buildStep(runCtx, runID, req, i, input)
		inputs = append(inputs, refs...)
		if err != nil {
			runErr = compute.NewStepError(i, err)
			break
		}

		sr, err := o.runStep(runCtx, runID, step)
		res.Steps = append(res.Steps, sr)
		res.FuncTime += sr.FuncTime
		res.UnitTime += sr.UnitTime
		if err != nil {
			runErr = compute.NewStepError(i, err)
			break
		}
	}

	res.EndTime = time.Now()
	res.Success = runErr == nil
	if runErr != nil {
		res.Error = runErr.Error()
		o.pool.Reset()
	}
	o.mu.Lock()
	o.results[runID] = res
	o.mu.Unlock()

	switch {
	case runErr == nil:
		log.Info("run completed", zap.Duration("duration", res.EndTime.Sub(res.StartTime)))
		o.emit(runCtx, eventbus.EventRunCompleted, runID, -1, nil)
	case compute.HasCode(runErr, compute.ErrCodeCancelled):
		log.Info("run cancelled", zap.Int("steps_done", len(res.Steps)))
		o.emit(runCtx, eventbus.EventRunCancelled, runID, -1, runErr)
	default:
		log.Warn("run failed", zap.Error(runErr))
		o.emit(runCtx, eventbus.EventRunFailed, runID, -1, runErr)
	}
	return res, runErr
}

// stepInput returns the data of step i: the previous step's output in a
// linked run (every task's result joined, or the last task's result after a
// graph step), else the caller's inline data or the stored data ID.
func (o *Orchestrator) stepInput(ctx context.Context, req compute.RunRequest, i int, prev *compute.StepResult) ([]float64, error) {
	if req.Linked && i > 0 {
		if prev == nil {
			return nil, compute.NewInternalError(compute.StageOrchestration, "linked step has no previous result", nil)
		}
		if prev.Strategy != compute.SplitGraph {
			return Join(prev.Results), nil
		}
		return prev.Output(), nil
	}
	if i < len(req.Data) && len(req.Data[i]) > 0 {
		return req.Data[i], nil
	}
	if i < len(req.DataIDs) && req.DataIDs[i] != "" {
		raw, err := o.store.Get(ctx, req.DataIDs[i])
		if err != nil {
			return nil, err
		}
		return protocol.DecodeSeries(o.pool.Codec(), raw)
	}
	return nil, compute.NewValidationError(compute.StageValidation, fmt.Sprintf("step %d has no data", i), nil)
}

// buildStep creates the tasks of step i, resolves their functions and
// stores their inputs. It returns the store IDs it wrote.
func (o *Orchestrator) buildStep(ctx context.Context, runID string, req compute.RunRequest, i int, input []float64) (*compute.Step, []string, error) {
	fns := req.Functions[i]
	step := &compute.Step{Index: i, Linked: req.Linked && i > 0, Tasks: make([]*compute.Task, len(fns))}
	for j, name := range fns {
		fd, err := o.registry.Resolve(name)
		if err != nil {
			return nil, nil, err
		}
		t := compute.NewTask(i, j, uuid.NewString(), fd)
		if i < len(req.Args) && j < len(req.Args[i]) && req.Args[i][j] != nil {
			t.Args = make(map[string]interface{}, len(req.Args[i][j]))
			for k, v := range req.Args[i][j] {
				t.Args[k] = v
			}
		}
		if i < len(req.Dependencies) && j < len(req.Dependencies[i]) {
			t.Dependencies = append([]int(nil), req.Dependencies[i][j]...)
		}
		step.Tasks[j] = t
	}
	step.Strategy = Choose(len(fns), step.HasDependencies(), req.SplitRequested(i))

	var refs []string
	put := func(j int, data []float64) (string, error) {
		ref := compute.InputRef(runID, i, j)
		raw, err := protocol.EncodeSeries(o.pool.Codec(), data)
		if err != nil {
			return "", err
		}
		if err := o.store.Put(ctx, ref, raw, compute.RecordCompleted); err != nil {
			return "", err
		}
		refs = append(refs, ref)
		return ref, nil
	}

	switch step.Strategy {
	case compute.SplitPartition:
		for j, part := range Partition(input, len(fns), req.PartitionMode(i)) {
			ref, err := put(j, part)
			if err != nil {
				return nil, refs, err
			}
			step.Tasks[j].DataRefs = []string{ref}
		}
	case compute.SplitGraph:
		g, err := graph.FromTasks(step.Tasks)
		if err != nil {
			return nil, refs, err
		}
		ref, err := put(0, input)
		if err != nil {
			return nil, refs, err
		}
		for j, t := range step.Tasks {
			deps := g.Dependencies(j)
			if len(deps) == 0 {
				t.DataRefs = []string{ref}
				continue
			}
			for _, d := range deps {
				t.DataRefs = append(t.DataRefs, compute.ResultRef(step.Tasks[d].UniqueID))
			}
		}
	default:
		// Passthrough and broadcast share one stored copy; every unit loads
		// its own.
		ref, err := put(0, input)
		if err != nil {
			return nil, refs, err
		}
		for _, t := range step.Tasks {
			t.DataRefs = []string{ref}
		}
	}
	return step, refs, nil
}

// runStep executes one step and aggregates it once every task is terminal.
func (o *Orchestrator) runStep(ctx context.Context, runID string, step *compute.Step) (compute.StepResult, error) {
	log := o.logger.With(zap.String("run_id", runID), zap.Int("step", step.Index))
	log.Debug("step started", zap.Int("tasks", len(step.Tasks)), zap.String("strategy", string(step.Strategy)))
	o.emit(ctx, eventbus.EventStepStarted, runID, step.Index, nil)

	var err error
	if step.Strategy == compute.SplitGraph {
		err = o.executor.Execute(ctx, step.Tasks)
	} else {
		err = o.fanOut(ctx, step.Tasks)
	}

	sr := compute.StepResult{
		Step:          step.Index,
		Strategy:      step.Strategy,
		Functions:     make([]string, len(step.Tasks)),
		Results:       make([][]float64, len(step.Tasks)),
		FunctionOrder: o.pool.FunctionOrder(),
		Tasks:         make([]compute.TaskReport, len(step.Tasks)),
	}
	sr.FuncTime, sr.UnitTime = o.pool.ExecTimes()
	completed := 0
	for j, t := range step.Tasks {
		sr.Functions[j] = t.Function.String()
		sr.Results[j] = t.Result()
		sr.Tasks[j] = t.Report()
		if t.GetStatus() == compute.TaskStatusCompleted {
			completed++
		}
	}
	sr.Completed = completed == len(step.Tasks)
	o.pool.Reset()

	if err == nil && !sr.Completed {
		err = compute.NewInternalError(compute.StageOrchestration,
			fmt.Sprintf("%d of %d tasks completed", completed, len(step.Tasks)), nil)
	}
	if err != nil {
		log.Warn("step failed", zap.Int("completed", completed), zap.Error(err))
		o.emit(ctx, eventbus.EventStepFailed, runID, step.Index, err)
		return sr, err
	}
	log.Debug("step completed", zap.Duration("func_time", sr.FuncTime), zap.Duration("unit_time", sr.UnitTime))
	o.emit(ctx, eventbus.EventStepCompleted, runID, step.Index, nil)
	return sr, nil
}

// Results returns the recorded result of a finished run.
func (o *Orchestrator) Results(runID string) (*compute.RunResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	res, ok := o.results[runID]
	if !ok {
		return nil, compute.NewNotFoundError(compute.StageOrchestration, fmt.Sprintf("run '%s'", runID), nil)
	}
	cp := *res
	cp.Steps = append([]compute.StepResult(nil), res.Steps...)
	return &cp, nil
}

// Forget drops the recorded result of a run.
func (o *Orchestrator) Forget(runID string) {
	o.mu.Lock()
	delete(o.results, runID)
	o.mu.Unlock()
}

// Stop cancels the run in progress and terminates its in-flight units. It
// is safe to call at any time and any number of times; the next run starts
// clean.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
	o.pool.Stop()
}

// begin registers the run's cancel func and clears the pool's stop flag as
// one step with respect to Stop: a Stop either precedes the run and is
// cleared, or follows it and cancels it.
func (o *Orchestrator) begin(cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pool.Reset()
	o.cancel = cancel
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	o.cancel = nil
	o.mu.Unlock()
}

// SetEngine switches the engine used for function names without a prefix.
func (o *Orchestrator) SetEngine(name string) error {
	if err := o.registry.SetActive(name); err != nil {
		return err
	}
	o.logger.Info("active engine changed", zap.String("engine", name))
	return nil
}

// Engine returns the active engine.
func (o *Orchestrator) Engine() string { return o.registry.Active() }

func (o *Orchestrator) cleanup(refs []string) {
	ctx := context.Background()
	for _, ref := range refs {
		if err := o.store.Delete(ctx, ref); err != nil {
			o.logger.Debug("failed to delete run input", zap.String("id", ref), zap.Error(err))
		}
	}
}

func (o *Orchestrator) emit(ctx context.Context, eventType eventbus.EventType, runID string, step int, cause error) {
	if o.bus == nil {
		return
	}
	meta := map[string]interface{}{"run_id": runID}
	if step >= 0 {
		meta["step"] = step
	}
	var payload interface{}
	if cause != nil {
		payload = cause.Error()
		meta["code"] = compute.CodeOf(cause)
	}
	if err := eventbus.Emit(ctx, o.bus, eventType, payload, "orchestrator", meta); err != nil {
		o.logger.Debug("event dropped", zap.String("type", string(eventType)), zap.Error(err))
	}
}
