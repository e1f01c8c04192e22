// Package eventbus publishes run, step, task and unit status events to
// subscribers without blocking the scheduler on slow handlers.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errClosed = errors.New("event bus is closed")

// subscription matches events by type; a nil types set matches every event.
type subscription struct {
	types   map[EventType]struct{}
	handler EventHandler
}

func (s subscription) matches(t EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type queued struct {
	ctx   context.Context
	event Event
}

// ChannelEventBus queues published events on a buffered channel drained by
// a fixed set of workers. With one worker, handlers see events in publish
// order.
type ChannelEventBus struct {
	mu     sync.RWMutex
	subs   map[string]subscription
	closed bool

	queue chan queued
	done  chan struct{}
	wg    sync.WaitGroup

	logger      *zap.Logger
	bufferSize  int
	workerCount int
}

// ChannelEventBusOption configures a ChannelEventBus.
type ChannelEventBusOption func(*ChannelEventBus)

// WithBufferSize sets how many events may wait for a worker.
func WithBufferSize(size int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		if size >= 0 {
			eb.bufferSize = size
		}
	}
}

// WithWorkerCount sets the number of delivering goroutines.
func WithWorkerCount(count int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		if count > 0 {
			eb.workerCount = count
		}
	}
}

// WithLogger sets the logger used to report failing handlers.
func WithLogger(logger *zap.Logger) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		if logger != nil {
			eb.logger = logger
		}
	}
}

// NewChannelEventBus creates a bus and starts its workers.
func NewChannelEventBus(options ...ChannelEventBusOption) *ChannelEventBus {
	eb := &ChannelEventBus{
		subs:        make(map[string]subscription),
		done:        make(chan struct{}),
		logger:      zap.L().Named("eventbus"),
		bufferSize:  100,
		workerCount: 5,
	}
	for _, option := range options {
		option(eb)
	}
	eb.queue = make(chan queued, eb.bufferSize)

	for i := 0; i < eb.workerCount; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}
	return eb
}

func (eb *ChannelEventBus) worker() {
	defer eb.wg.Done()
	for {
		select {
		case <-eb.done:
			return
		case q := <-eb.queue:
			eb.deliver(q)
		}
	}
}

func (eb *ChannelEventBus) deliver(q queued) {
	if q.ctx.Err() != nil {
		return
	}
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.subs))
	for _, s := range eb.subs {
		if s.matches(q.event.Type()) {
			handlers = append(handlers, s.handler)
		}
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		if err := eb.call(q.ctx, q.event, h); err != nil {
			eb.logger.Warn("event handler failed",
				zap.String("event_type", string(q.event.Type())),
				zap.String("source", q.event.Source()),
				zap.Error(err))
		}
	}
}

// call runs one handler; a panicking handler is reported like a failing one
// and does not take the worker down.
func (eb *ChannelEventBus) call(ctx context.Context, event Event, h EventHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, event)
}

// Publish queues event. It blocks while the buffer is full, until ctx is
// done or the bus is closed.
func (eb *ChannelEventBus) Publish(ctx context.Context, event Event) error {
	if eb.isClosed() {
		return errClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-eb.done:
		return errClosed
	case eb.queue <- queued{ctx: ctx, event: event}:
		return nil
	}
}

func (eb *ChannelEventBus) isClosed() bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.closed
}

// Subscribe registers handler for eventTypes, or for every event when
// eventTypes is empty.
func (eb *ChannelEventBus) Subscribe(eventTypes []EventType, handler EventHandler) (string, error) {
	if handler == nil {
		return "", errors.New("handler cannot be nil")
	}
	s := subscription{handler: handler}
	if len(eventTypes) > 0 {
		s.types = make(map[EventType]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			s.types[t] = struct{}{}
		}
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return "", errClosed
	}
	id := uuid.NewString()
	eb.subs[id] = s
	return id, nil
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (eb *ChannelEventBus) Unsubscribe(subscriptionID string) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return errClosed
	}
	delete(eb.subs, subscriptionID)
	return nil
}

// Close stops the workers. Queued events are dropped. Safe to call twice.
func (eb *ChannelEventBus) Close() error {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return nil
	}
	eb.closed = true
	eb.mu.Unlock()

	close(eb.done)
	eb.wg.Wait()
	return nil
}
