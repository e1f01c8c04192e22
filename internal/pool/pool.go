// Package pool owns the bounded set of reusable execution units.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/hydrocompute/internal/backend"
	"github.com/ZanzyTHEbar/hydrocompute/internal/eventbus"
	"github.com/ZanzyTHEbar/hydrocompute/internal/protocol"
	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

// Resolver returns the unit factory for a function.
type Resolver interface {
	Factory(fn compute.FunctionDescriptor) (backend.Factory, error)
}

// StatusHandler receives the status messages units report.
type StatusHandler func(msg protocol.Message)

// Handle addresses the unit currently held by a slot.
type Handle struct {
	slot int
	unit *unit
}

// Slot returns the slot index of the handle.
func (h *Handle) Slot() int { return h.slot }

// Engine returns the engine of the unit behind the handle.
func (h *Handle) Engine() string { return h.unit.engine }

type slot struct {
	index        int
	unit         *unit
	busy         bool
	inflight     *Future
	functionTime time.Duration
	unitTime     time.Duration
}

// Pool is a fixed-size table of execution-unit slots. Units are created
// lazily, reused while the engine stays the same, and replaced when a task
// on the slot needs another engine.
type Pool struct {
	mu       sync.Mutex
	slots    []*slot
	resolver Resolver
	store    compute.Store
	codec    protocol.Codec
	logger   *zap.Logger
	bus      eventbus.EventBus
	onStatus StatusHandler

	stopped       bool
	nextUnitID    uint64
	results       []Result
	functionOrder []string
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithCodec sets the codec used on unit channels and for store payloads.
func WithCodec(c protocol.Codec) Option {
	return func(p *Pool) {
		if c != nil {
			p.codec = c
		}
	}
}

// WithEventBus publishes unit lifecycle events on bus.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(p *Pool) {
		p.bus = bus
	}
}

// WithStatusHandler forwards unit status messages to h.
func WithStatusHandler(h StatusHandler) Option {
	return func(p *Pool) {
		p.onStatus = h
	}
}

// DefaultSize is the hardware concurrency minus one thread reserved for
// coordination, and at least one.
func DefaultSize() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	return n
}

// New creates a pool with size slots (DefaultSize when size <= 0).
func New(size int, resolver Resolver, store compute.Store, opts ...Option) *Pool {
	if size <= 0 {
		size = DefaultSize()
	}
	p := &Pool{
		slots:    make([]*slot, size),
		resolver: resolver,
		store:    store,
		codec:    protocol.MustCBOR(),
		logger:   zap.L().Named("pool"),
	}
	for i := range p.slots {
		p.slots[i] = &slot{index: i}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns the concurrency bound.
func (p *Pool) Size() int { return len(p.slots) }

// Codec returns the codec shared with the units.
func (p *Pool) Codec() protocol.Codec { return p.codec }

// FreeSlot returns the lowest idle slot.
func (p *Pool) FreeSlot() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if !s.busy {
			return s.index, true
		}
	}
	return 0, false
}

// Busy returns the number of slots with an outstanding dispatch.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.busy {
			n++
		}
	}
	return n
}

// Acquire returns a handle to the unit of slotIndex that can run fn,
// creating the unit on first use or replacing it when the engine differs.
func (p *Pool) Acquire(slotIndex int, fn compute.FunctionDescriptor) (*Handle, error) {
	if slotIndex < 0 || slotIndex >= len(p.slots) {
		return nil, compute.NewInternalError(compute.StageExecution, fmt.Sprintf("slot %d out of range", slotIndex), nil)
	}
	engine := fn.Engine()

	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.slots[slotIndex]
	if s.busy {
		return nil, compute.NewInternalError(compute.StageExecution, fmt.Sprintf("slot %d is busy", slotIndex), nil)
	}
	if s.unit != nil && s.unit.engine == engine && s.unit.ctx.Err() == nil {
		return &Handle{slot: slotIndex, unit: s.unit}, nil
	}

	factory, err := p.resolver.Factory(fn)
	if err != nil {
		return nil, err
	}
	b, err := factory()
	if err != nil {
		return nil, compute.NewExecutionError(compute.StageExecution, fn.String(), fmt.Errorf("create %s unit: %w", engine, err))
	}
	if s.unit != nil {
		p.logger.Debug("replacing execution unit",
			zap.Int("slot", slotIndex),
			zap.String("from", s.unit.engine),
			zap.String("to", engine))
		p.retire(s.unit)
	}
	p.nextUnitID++
	s.unit = startUnit(p.nextUnitID, slotIndex, engine, b, p.store, p.codec)
	p.logger.Debug("execution unit created", zap.Int("slot", slotIndex), zap.String("engine", engine))
	p.emit(eventbus.EventUnitCreated, slotIndex, engine)
	return &Handle{slot: slotIndex, unit: s.unit}, nil
}

// Dispatch sends req to the unit behind h and returns its future.
func (p *Pool) Dispatch(ctx context.Context, h *Handle, req protocol.Request) (*Future, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, compute.NewCancelledError(compute.StageExecution, errors.New("pool is stopped"))
	}
	s := p.slots[h.slot]
	if s.unit != h.unit {
		p.mu.Unlock()
		return nil, compute.NewInternalError(compute.StageExecution, fmt.Sprintf("stale handle for slot %d", h.slot), nil)
	}
	if s.busy {
		p.mu.Unlock()
		return nil, compute.NewInternalError(compute.StageExecution, fmt.Sprintf("slot %d is busy", h.slot), nil)
	}
	f := newFuture()
	s.busy = true
	s.inflight = f
	p.mu.Unlock()

	raw, err := p.codec.Marshal(req)
	if err != nil {
		p.finish(s, f, Result{}, compute.NewInternalError(compute.StageExecution, "encode request", err))
		return f, nil
	}

	go p.await(s, h.unit, f, req)

	select {
	case h.unit.inbox <- raw:
	case <-h.unit.ctx.Done():
	case <-ctx.Done():
		h.unit.terminate()
		p.finish(s, f, Result{}, compute.NewCancelledError(compute.StageExecution, ctx.Err()))
	}
	return f, nil
}

// await reads the unit's message channel until the dispatch settles.
func (p *Pool) await(s *slot, u *unit, f *Future, req protocol.Request) {
	fn := req.Function.String()
	for {
		select {
		case <-f.Done():
			return
		case <-u.ctx.Done():
			p.finish(s, f, Result{}, compute.NewCancelledError(compute.StageExecution, errors.New("execution unit terminated")))
			return
		case raw := <-u.outbox:
			var msg protocol.Message
			if err := p.codec.Unmarshal(raw, &msg); err != nil {
				p.finish(s, f, Result{}, compute.NewInternalError(compute.StageExecution, "decode unit message", err))
				return
			}
			if sub := msg.Subject(); sub != "" && sub != req.UniqueID {
				continue
			}
			switch msg.Type {
			case protocol.TypeStatus:
				if p.onStatus != nil {
					p.onStatus(msg)
				}
				if msg.Status == compute.TaskStatusError {
					p.finish(s, f, Result{}, compute.NewExecutionError(compute.StageExecution, fn, errors.New(msg.Error)))
					return
				}
			case protocol.TypeResult:
				p.finish(s, f, Result{
					Slot:     s.index,
					TaskID:   req.TaskID,
					UniqueID: req.UniqueID,
					Function: fn,
					Values:   msg.Results,
					FuncExec: msg.FuncExec,
					UnitExec: msg.UnitExec,
				}, nil)
				return
			}
		}
	}
}

// finish releases the slot and settles f, unless the slot was already
// released by TerminateAll.
func (p *Pool) finish(s *slot, f *Future, r Result, err error) {
	p.mu.Lock()
	owned := s.inflight == f
	if owned {
		s.busy = false
		s.inflight = nil
		if err == nil {
			s.functionTime += r.FuncExec
			s.unitTime += r.UnitExec
			p.results = append(p.results, r)
			p.functionOrder = append(p.functionOrder, r.Function)
		}
	}
	p.mu.Unlock()
	if owned {
		f.settle(r, err)
	}
}

// TerminateAll kills every unit with an outstanding dispatch and rejects its
// future with a cancellation error. Idle units stay alive.
func (p *Pool) TerminateAll() int {
	p.mu.Lock()
	var rejected []*Future
	for _, s := range p.slots {
		if !s.busy {
			continue
		}
		if s.unit != nil {
			p.retire(s.unit)
			s.unit = nil
		}
		rejected = append(rejected, s.inflight)
		s.busy = false
		s.inflight = nil
	}
	p.mu.Unlock()

	for _, f := range rejected {
		f.settle(Result{}, compute.NewCancelledError(compute.StageExecution, errors.New("execution unit terminated")))
	}
	if len(rejected) > 0 {
		p.logger.Info("terminated busy execution units", zap.Int("count", len(rejected)))
	}
	return len(rejected)
}

// retire must be called with p.mu held.
func (p *Pool) retire(u *unit) {
	u.terminate()
	p.emit(eventbus.EventUnitTerminated, u.slot, u.engine)
}

// Stop disables dispatch and terminates busy units. Safe to call repeatedly.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.TerminateAll()
}

// Stopped reports whether Stop was called since the last Resume or Reset.
func (p *Pool) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Resume re-enables dispatch after Stop.
func (p *Pool) Resume() {
	p.mu.Lock()
	p.stopped = false
	p.mu.Unlock()
}

// Reset clears results, timings and the function-order log, and re-enables
// dispatch.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = false
	p.results = nil
	p.functionOrder = nil
	for _, s := range p.slots {
		s.functionTime = 0
		s.unitTime = 0
	}
}

// ExecTimes returns the accumulated function and unit time over all slots.
func (p *Pool) ExecTimes() (functionTime, unitTime time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		functionTime += s.functionTime
		unitTime += s.unitTime
	}
	return functionTime, unitTime
}

// Results returns the successful results in completion order.
func (p *Pool) Results() []Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Result(nil), p.results...)
}

// FunctionOrder returns the functions in completion order.
func (p *Pool) FunctionOrder() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.functionOrder...)
}

// UnitInfo describes the unit held by a slot.
type UnitInfo struct {
	ID     uint64
	Slot   int
	Engine string
	Busy   bool
}

// Units lists the live units.
func (p *Pool) Units() []UnitInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []UnitInfo
	for _, s := range p.slots {
		if s.unit != nil {
			out = append(out, UnitInfo{ID: s.unit.id, Slot: s.index, Engine: s.unit.engine, Busy: s.busy})
		}
	}
	return out
}

// Close terminates every unit, busy or idle.
func (p *Pool) Close() error {
	p.TerminateAll()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.unit != nil {
			p.retire(s.unit)
			s.unit = nil
		}
	}
	return nil
}

func (p *Pool) emit(eventType eventbus.EventType, slotIndex int, engine string) {
	if p.bus == nil {
		return
	}
	// Unit events are informational; never block the caller holding p.mu.
	go func() {
		_ = eventbus.Emit(context.Background(), p.bus, eventType, nil, "pool", map[string]interface{}{
			"slot":   slotIndex,
			"engine": engine,
		})
	}()
}
