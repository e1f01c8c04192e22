package pool

import (
	"context"
	"sync"
	"time"
)

// Result is the outcome of one dispatched task.
type Result struct {
	Slot     int
	TaskID   int
	UniqueID string
	Function string
	Values   []float64
	FuncExec time.Duration
	UnitExec time.Duration
}

// Future settles exactly once with the result of a dispatch.
type Future struct {
	once   sync.Once
	done   chan struct{}
	result Result
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// settle resolves or rejects the future; later calls are ignored.
func (f *Future) settle(r Result, err error) bool {
	settled := false
	f.once.Do(func() {
		f.result, f.err = r, err
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed when the future settles.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result blocks until the future settles.
func (f *Future) Result() (Result, error) {
	<-f.done
	return f.result, f.err
}

// Wait blocks until the future settles or ctx is done.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-f.done:
		return f.result, f.err
	}
}
