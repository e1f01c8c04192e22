package orchestrator

import (
	"context"
	"errors"
	"fmt"

	concpool "github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/hydrocompute/internal/eventbus"
	"github.com/ZanzyTHEbar/hydrocompute/internal/protocol"
	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

// fanOut runs independent tasks across the pool without graph bookkeeping.
// Each goroutine owns one pool slot for the duration of a task.
func (o *Orchestrator) fanOut(ctx context.Context, tasks []*compute.Task) error {
	size := o.pool.Size()
	slots := make(chan int, size)
	for i := 0; i < size; i++ {
		slots <- i
	}

	workers := concpool.New().WithMaxGoroutines(size)
	for _, t := range tasks {
		var slot int
		select {
		case slot = <-slots:
		case <-ctx.Done():
		}
		if ctx.Err() != nil || o.pool.Stopped() {
			o.failTask(ctx, t, compute.NewCancelledError(compute.StageExecution, context.Cause(ctx)))
			continue
		}
		workers.Go(func() {
			defer func() { slots <- slot }()
			o.runTask(ctx, slot, t)
		})
	}
	workers.Wait()

	if ctx.Err() != nil {
		return compute.NewCancelledError(compute.StageExecution, ctx.Err())
	}
	if o.pool.Stopped() {
		return compute.NewCancelledError(compute.StageExecution, errors.New("pool stopped"))
	}
	failed := 0
	var first error
	for _, t := range tasks {
		if err := t.Err(); err != nil {
			failed++
			if first == nil {
				first = err
			}
		}
	}
	if failed > 0 {
		return compute.NewError(compute.ErrCodeExecution, compute.StageExecution,
			fmt.Sprintf("%d of %d tasks failed", failed, len(tasks)), first)
	}
	return nil
}

func (o *Orchestrator) runTask(ctx context.Context, slot int, t *compute.Task) {
	h, err := o.pool.Acquire(slot, t.Function)
	if err != nil {
		o.failTask(ctx, t, err)
		return
	}
	t.UpdateStatus(compute.TaskStatusRunning)
	o.taskEvent(ctx, eventbus.EventTaskRunning, t)

	fut, err := o.pool.Dispatch(ctx, h, protocol.NewRequest(t))
	if err != nil {
		o.failTask(ctx, t, err)
		return
	}
	select {
	case <-fut.Done():
	case <-ctx.Done():
		// Every busy unit belongs to this step.
		o.pool.TerminateAll()
	}
	res, err := fut.Result()
	if err != nil {
		o.failTask(ctx, t, err)
		return
	}
	t.Complete(res.Values)
	o.taskEvent(ctx, eventbus.EventTaskCompleted, t)
}

func (o *Orchestrator) failTask(ctx context.Context, t *compute.Task, err error) {
	if !t.Fail(err) {
		return
	}
	o.logger.Info("task failed",
		zap.Int("step", t.Step),
		zap.Int("task", t.Index),
		zap.String("unique_id", t.UniqueID),
		zap.String("code", compute.CodeOf(err)),
		zap.Error(err))
	o.taskEvent(ctx, eventbus.EventTaskError, t)
}

func (o *Orchestrator) taskEvent(ctx context.Context, eventType eventbus.EventType, t *compute.Task) {
	if o.bus == nil {
		return
	}
	_ = eventbus.Emit(ctx, o.bus, eventType, t.Report(), "orchestrator", map[string]interface{}{
		"step": t.Step,
		"task": t.Index,
	})
}
