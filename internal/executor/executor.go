// Package executor drives the tasks of one step through the execution-unit
// pool in dependency order.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/hydrocompute/internal/eventbus"
	"github.com/ZanzyTHEbar/hydrocompute/internal/graph"
	"github.com/ZanzyTHEbar/hydrocompute/internal/pool"
	"github.com/ZanzyTHEbar/hydrocompute/internal/protocol"
	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

const (
	DefaultMaxIterations = 10000
	DefaultTimeout       = 5 * time.Minute
	DefaultStallPasses   = 50
	DefaultPollInterval  = 10 * time.Millisecond
)

// Executor is the dependency-graph scheduler. One Execute call runs at a
// time; the instance can be reused after a cancelled or failed call.
type Executor struct {
	pool          *pool.Pool
	logger        *zap.Logger
	bus           eventbus.EventBus
	maxIterations int
	timeout       time.Duration
	stallPasses   int
	pollInterval  time.Duration

	metrics SchedulerMetrics
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxIterations caps the number of scheduling passes.
func WithMaxIterations(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxIterations = n
		}
	}
}

// WithTimeout sets the wall-clock budget of one Execute call. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.timeout = d
	}
}

// WithStallPasses sets how many passes without progress are tolerated while
// nothing is executing.
func WithStallPasses(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.stallPasses = n
		}
	}
}

// WithPollInterval sets the backoff between passes that made no progress.
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEventBus publishes task status and scheduler anomalies on bus.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(e *Executor) {
		e.bus = bus
	}
}

// New creates an executor dispatching to p.
func New(p *pool.Pool, opts ...Option) *Executor {
	e := &Executor{
		pool:          p,
		logger:        zap.L().Named("executor"),
		maxIterations: DefaultMaxIterations,
		timeout:       DefaultTimeout,
		stallPasses:   DefaultStallPasses,
		pollInterval:  DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Metrics returns a snapshot of the last Execute call.
func (e *Executor) Metrics() SchedulerMetrics {
	return e.metrics.Copy()
}

// Execute drives every task to Completed or Error. It returns nil when all
// tasks completed; otherwise the scheduler anomaly that ended the call or an
// error wrapping the first task failure. Task outcomes are on the tasks.
func (e *Executor) Execute(ctx context.Context, tasks []*compute.Task) error {
	g, err := graph.FromTasks(tasks)
	if err != nil {
		return err
	}
	e.pool.Resume()
	e.metrics.reset()

	s := &schedule{
		e:          e,
		ctx:        ctx,
		tasks:      tasks,
		graph:      g,
		executing:  make(map[int]*pool.Future),
		dispatched: make(map[string]bool, len(tasks)),
		settled:    make(chan int, len(tasks)),
	}
	start := time.Now()
	e.logger.Debug("starting step execution", zap.Int("tasks", len(tasks)), zap.Int("concurrency", e.pool.Size()))

	s.run()

	e.metrics.update(func(m *SchedulerMetrics) { m.TotalDuration = time.Since(start) })
	snapshot := e.metrics.Copy()
	e.logger.Debug("step execution finished",
		zap.Int("completed", snapshot.Completed),
		zap.Int("failed", snapshot.Failed),
		zap.Int("passes", snapshot.Passes),
		zap.Duration("duration", snapshot.TotalDuration))

	switch {
	case s.anomaly != nil:
		return s.anomaly
	case s.firstFailure != nil:
		return compute.NewError(compute.ErrCodeExecution, compute.StageScheduling,
			fmt.Sprintf("%d of %d tasks failed", snapshot.Failed, len(tasks)), s.firstFailure)
	}
	return nil
}

// schedule is the state of one Execute call. Only the coordinating goroutine
// touches it; units report back through settled.
type schedule struct {
	e     *Executor
	ctx   context.Context
	tasks []*compute.Task
	graph *graph.Graph

	executing  map[int]*pool.Future
	dispatched map[string]bool
	settled    chan int
	done       int

	anomaly      error
	firstFailure error
}

func (s *schedule) status(i int) compute.TaskStatus {
	return s.tasks[i].GetStatus()
}

func (s *schedule) finished() bool {
	return s.done == len(s.tasks)
}

func (s *schedule) run() {
	var deadline <-chan time.Time
	if s.e.timeout > 0 {
		timer := time.NewTimer(s.e.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	stalled := 0
	for pass := 0; !s.finished(); pass++ {
		if pass >= s.e.maxIterations {
			s.abort(compute.NewTimeoutError(compute.StageScheduling,
				fmt.Errorf("iteration limit of %d passes reached", s.e.maxIterations)))
			return
		}
		s.e.metrics.update(func(m *SchedulerMetrics) { m.Passes++ })

		select {
		case <-s.ctx.Done():
			s.cancel(s.ctx.Err())
			return
		case <-deadline:
			s.abort(compute.NewTimeoutError(compute.StageScheduling, fmt.Errorf("budget of %v exceeded", s.e.timeout)))
			return
		default:
		}
		if s.e.pool.Stopped() {
			s.cancel(errors.New("pool stopped"))
			return
		}

		progressed := s.propagateFailures()
		dispatched := s.dispatchReady()
		if s.anomaly != nil {
			return
		}
		if s.finished() {
			return
		}

		if len(s.executing) > 0 {
			stalled = 0
			select {
			case idx := <-s.settled:
				s.collect(idx)
			case <-s.ctx.Done():
				s.cancel(s.ctx.Err())
				return
			case <-deadline:
				s.abort(compute.NewTimeoutError(compute.StageScheduling, fmt.Errorf("budget of %v exceeded", s.e.timeout)))
				return
			}
			continue
		}

		// Nothing is running: whatever is left waits on something that is
		// not going to finish on its own.
		if s.breakCycles() {
			stalled = 0
			continue
		}
		if progressed || dispatched > 0 {
			stalled = 0
			continue
		}
		stalled++
		if stalled >= s.e.stallPasses {
			s.e.metrics.update(func(m *SchedulerMetrics) { m.Stalls++ })
			s.abort(compute.NewStallError(compute.StageScheduling, stalled))
			return
		}

		backoff := time.NewTimer(s.e.pollInterval)
		select {
		case <-backoff.C:
		case <-s.ctx.Done():
			backoff.Stop()
			s.cancel(s.ctx.Err())
			return
		case <-deadline:
			backoff.Stop()
			s.abort(compute.NewTimeoutError(compute.StageScheduling, fmt.Errorf("budget of %v exceeded", s.e.timeout)))
			return
		}
	}
}

// propagateFailures fails every pending task with a failed dependency,
// repeating until no more tasks are affected.
func (s *schedule) propagateFailures() bool {
	affected := false
	for changed := true; changed; {
		changed = false
		for i, t := range s.tasks {
			if t.GetStatus().Terminal() || s.executing[i] != nil {
				continue
			}
			check := s.graph.CanExecute(i, s.status)
			if len(check.Blocked) == 0 {
				continue
			}
			failed := make([]compute.FailedDependency, 0, len(check.Blocked))
			for _, d := range check.Blocked {
				reason := "failed"
				if err := s.tasks[d].Err(); err != nil {
					reason = err.Error()
				}
				failed = append(failed, compute.FailedDependency{Index: d, UniqueID: s.tasks[d].UniqueID, Reason: reason})
			}
			if s.fail(i, compute.NewDependencyFailureError(compute.StageScheduling, failed)) {
				s.e.metrics.update(func(m *SchedulerMetrics) { m.DependencyFailures++ })
				changed, affected = true, true
			}
		}
	}
	return affected
}

// dispatchReady starts runnable tasks in index order while slots are free.
func (s *schedule) dispatchReady() int {
	n := 0
	for i, t := range s.tasks {
		if t.GetStatus() != compute.TaskStatusPending || s.executing[i] != nil {
			continue
		}
		if !s.graph.CanExecute(i, s.status).CanRun {
			continue
		}
		if s.dispatched[t.UniqueID] {
			s.e.logger.Warn("suppressing duplicate dispatch", zap.Int("task", i), zap.String("unique_id", t.UniqueID))
			continue
		}
		if s.e.pool.Stopped() {
			s.cancel(errors.New("pool stopped"))
			return n
		}
		slot, ok := s.e.pool.FreeSlot()
		if !ok {
			return n
		}

		h, err := s.e.pool.Acquire(slot, t.Function)
		if err != nil {
			s.fail(i, err)
			continue
		}
		t.UpdateStatus(compute.TaskStatusRunning)
		fut, err := s.e.pool.Dispatch(s.ctx, h, protocol.NewRequest(t))
		if err != nil {
			if compute.HasCode(err, compute.ErrCodeCancelled) {
				s.cancel(err)
				return n
			}
			s.fail(i, err)
			continue
		}

		s.dispatched[t.UniqueID] = true
		s.executing[i] = fut
		n++
		go func(idx int, f *pool.Future) {
			<-f.Done()
			s.settled <- idx
		}(i, fut)

		inFlight := len(s.executing)
		s.e.metrics.update(func(m *SchedulerMetrics) {
			m.Dispatched++
			if inFlight > m.MaxInFlight {
				m.MaxInFlight = inFlight
			}
		})
		s.e.logger.Debug("task dispatched",
			zap.Int("task", i),
			zap.String("unique_id", t.UniqueID),
			zap.String("function", t.Function.String()),
			zap.Int("slot", slot))
		s.publish(eventbus.EventTaskRunning, t)
	}
	return n
}

// collect records the outcome of the future for task idx.
func (s *schedule) collect(idx int) {
	fut, ok := s.executing[idx]
	if !ok {
		return
	}
	delete(s.executing, idx)
	t := s.tasks[idx]
	if t.GetStatus().Terminal() {
		return
	}
	res, err := fut.Result()
	if err != nil {
		s.fail(idx, err)
		return
	}
	t.Complete(res.Values)
	s.done++
	s.e.metrics.update(func(m *SchedulerMetrics) { m.Completed++ })
	s.e.metrics.observeTask(t.Duration())
	s.publish(eventbus.EventTaskCompleted, t)
}

// fail moves task i to Error unless it already reached a terminal status.
func (s *schedule) fail(i int, err error) bool {
	t := s.tasks[i]
	if !t.Fail(err) {
		return false
	}
	s.done++
	if s.firstFailure == nil {
		s.firstFailure = err
	}
	s.e.metrics.update(func(m *SchedulerMetrics) { m.Failed++ })
	s.e.metrics.observeTask(t.Duration())
	s.e.logger.Info("task failed",
		zap.Int("task", i),
		zap.String("unique_id", t.UniqueID),
		zap.String("code", compute.CodeOf(err)),
		zap.Error(err))
	s.publish(eventbus.EventTaskError, t)
	return true
}

// breakCycles fails the tasks of every dependency cycle among the waiting
// tasks. Dependents outside a cycle are failed by the next propagation pass.
func (s *schedule) breakCycles() bool {
	var waiting []int
	for i, t := range s.tasks {
		if !t.GetStatus().Terminal() && s.executing[i] == nil {
			waiting = append(waiting, i)
		}
	}
	if len(waiting) == 0 {
		return false
	}
	cycles := s.graph.FindCycles(waiting)
	for _, cycle := range cycles {
		cerr := compute.NewCircularDependencyError(compute.StageScheduling, cycle)
		s.e.logger.Warn("circular dependency detected", zap.Ints("tasks", cycle))
		s.e.metrics.update(func(m *SchedulerMetrics) { m.Cycles++ })
		s.anomalyEvent(cerr)
		for _, idx := range cycle {
			s.fail(idx, cerr)
		}
	}
	return len(cycles) > 0
}

// abort force-terminates the call: every incomplete task fails with cause
// and in-flight units are killed.
func (s *schedule) abort(cause *compute.Error) {
	if s.anomaly == nil {
		s.anomaly = cause
	}
	switch cause.Code {
	case compute.ErrCodeTimeout:
		s.e.metrics.update(func(m *SchedulerMetrics) { m.Timeouts++ })
		s.e.logger.Warn("step execution timed out", zap.Int("incomplete", len(s.tasks)-s.done), zap.Error(cause))
	case compute.ErrCodeStall:
		s.e.logger.Warn("scheduler stalled", zap.Int("incomplete", len(s.tasks)-s.done), zap.Error(cause))
	}
	s.anomalyEvent(cause)
	s.shutdown(cause)
}

// cancel stops the call after a stop request or context cancellation.
func (s *schedule) cancel(cause error) {
	cerr := cause
	if !compute.HasCode(cause, compute.ErrCodeCancelled) {
		cerr = compute.NewCancelledError(compute.StageScheduling, cause)
	}
	if s.anomaly == nil {
		s.anomaly = cerr
	}
	s.e.metrics.update(func(m *SchedulerMetrics) { m.Cancellations++ })
	s.e.logger.Info("step execution cancelled", zap.Int("in_flight", len(s.executing)))
	s.shutdown(cerr)
}

// shutdown fails whatever is incomplete, terminates in-flight units and
// waits for their futures to settle.
func (s *schedule) shutdown(cause error) {
	for i, t := range s.tasks {
		if !t.GetStatus().Terminal() {
			s.fail(i, cause)
		}
	}
	if len(s.executing) == 0 {
		return
	}
	s.e.pool.TerminateAll()
	for len(s.executing) > 0 {
		s.collect(<-s.settled)
	}
}

func (s *schedule) publish(eventType eventbus.EventType, t *compute.Task) {
	if s.e.bus == nil {
		return
	}
	if err := eventbus.Emit(s.ctx, s.e.bus, eventType, t.Report(), "executor", map[string]interface{}{
		"step": t.Step,
		"task": t.Index,
	}); err != nil {
		s.e.logger.Debug("task event dropped", zap.String("type", string(eventType)), zap.Error(err))
	}
}

func (s *schedule) anomalyEvent(err error) {
	if s.e.bus == nil {
		return
	}
	_ = eventbus.Emit(s.ctx, s.e.bus, eventbus.EventSchedulerAnomaly, err.Error(), "executor", map[string]interface{}{
		"code": compute.CodeOf(err),
	})
}
