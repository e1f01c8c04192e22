package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ZanzyTHEbar/hydrocompute/internal/backend"
	"github.com/ZanzyTHEbar/hydrocompute/internal/pool"
	"github.com/ZanzyTHEbar/hydrocompute/internal/protocol"
	"github.com/ZanzyTHEbar/hydrocompute/internal/store"
	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

// recorder backs the test functions and observes how they were called.
type recorder struct {
	mu         sync.Mutex
	running    int
	maxRunning int
	starts     []string
	calls      map[string]int
	release    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{calls: make(map[string]int), release: make(chan struct{})}
}

func (r *recorder) enter(args map[string]interface{}) {
	name, _ := args["name"].(string)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running++
	if r.running > r.maxRunning {
		r.maxRunning = r.running
	}
	r.starts = append(r.starts, name)
	r.calls[name]++
}

func (r *recorder) leave() {
	r.mu.Lock()
	r.running--
	r.mu.Unlock()
}

func (r *recorder) library() *backend.Library {
	lib := backend.NewLibrary()
	lib.Register("work", func(_ context.Context, d []float64, args map[string]interface{}) ([]float64, error) {
		r.enter(args)
		defer r.leave()
		time.Sleep(20 * time.Millisecond)
		return append([]float64{float64(len(d))}, 1), nil
	})
	lib.Register("fail", func(_ context.Context, _ []float64, args map[string]interface{}) ([]float64, error) {
		r.enter(args)
		defer r.leave()
		return nil, errors.New("backend exploded")
	})
	lib.Register("block", func(ctx context.Context, d []float64, args map[string]interface{}) ([]float64, error) {
		r.enter(args)
		defer r.leave()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.release:
			return d, nil
		}
	})
	return lib
}

type fixture struct {
	rec  *recorder
	pool *pool.Pool
}

func newFixture(t *testing.T, size int) *fixture {
	t.Helper()
	rec := newRecorder()
	st := store.NewMemoryStore()
	p := pool.New(size, backend.Defaults(backend.Options{Library: rec.library()}), st)
	t.Cleanup(func() {
		p.Close()
		st.Close()
	})
	return &fixture{rec: rec, pool: p}
}

func task(i int, fn string, deps ...int) *compute.Task {
	name := fmt.Sprintf("t%d", i)
	t := compute.NewTask(0, i, name, compute.FunctionDescriptor{Kind: compute.KindNative, Name: fn})
	t.Args = map[string]interface{}{"name": name}
	t.Dependencies = deps
	return t
}

func statuses(tasks []*compute.Task) []compute.TaskStatus {
	out := make([]compute.TaskStatus, len(tasks))
	for i, t := range tasks {
		out[i] = t.GetStatus()
	}
	return out
}

func TestIndependentTasksRespectConcurrencyBound(t *testing.T) {
	f := newFixture(t, 2)
	e := New(f.pool)
	tasks := []*compute.Task{task(0, "work"), task(1, "work"), task(2, "work")}

	if err := e.Execute(context.Background(), tasks); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []compute.TaskStatus{compute.TaskStatusCompleted, compute.TaskStatusCompleted, compute.TaskStatusCompleted}
	if diff := cmp.Diff(want, statuses(tasks)); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
	if f.rec.maxRunning > 2 {
		t.Errorf("observed %d concurrent tasks with a bound of 2", f.rec.maxRunning)
	}
	m := e.Metrics()
	if m.Completed != 3 || m.Dispatched != 3 || m.MaxInFlight > 2 {
		t.Errorf("unexpected metrics %+v", &m)
	}
	if len(f.pool.Results()) != 3 {
		t.Errorf("expected 3 recorded results, got %d", len(f.pool.Results()))
	}
}

func TestDependenciesStartInOrder(t *testing.T) {
	f := newFixture(t, 3)
	tasks := []*compute.Task{task(0, "work"), task(1, "work", 0), task(2, "work", 0, 1)}

	if err := New(f.pool).Execute(context.Background(), tasks); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if diff := cmp.Diff([]string{"t0", "t1", "t2"}, f.rec.starts); diff != "" {
		t.Errorf("start order mismatch (-want +got):\n%s", diff)
	}
	for _, tk := range tasks {
		if tk.Result() == nil {
			t.Errorf("task %d has no result", tk.Index)
		}
	}
}

func TestCycleIsTerminated(t *testing.T) {
	f := newFixture(t, 2)
	tasks := []*compute.Task{task(0, "work", 1), task(1, "work", 0), task(2, "work", 0), task(3, "work")}

	err := New(f.pool, WithTimeout(5*time.Second)).Execute(context.Background(), tasks)
	if !compute.HasCode(err, compute.ErrCodeExecution) {
		t.Fatalf("expected a task failure error, got %v", err)
	}
	for _, i := range []int{0, 1} {
		if !compute.HasCode(tasks[i].Err(), compute.ErrCodeCircularDependency) {
			t.Errorf("task %d: expected circular dependency, got %v", i, tasks[i].Err())
		}
	}
	if !compute.HasCode(tasks[2].Err(), compute.ErrCodeDependencyFailure) {
		t.Errorf("task 2: expected dependency failure, got %v", tasks[2].Err())
	}
	if tasks[3].GetStatus() != compute.TaskStatusCompleted {
		t.Errorf("independent task should complete, got %s", tasks[3].GetStatus())
	}
	if f.rec.calls["t0"]+f.rec.calls["t1"]+f.rec.calls["t2"] != 0 {
		t.Errorf("tasks in or behind a cycle must never run: %v", f.rec.calls)
	}
}

func TestDependencyFailureNeverInvokesDependent(t *testing.T) {
	f := newFixture(t, 2)
	tasks := []*compute.Task{task(0, "fail"), task(1, "work", 0), task(2, "work", 1)}

	err := New(f.pool).Execute(context.Background(), tasks)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !compute.HasCode(tasks[0].Err(), compute.ErrCodeExecution) {
		t.Errorf("task 0: expected execution error, got %v", tasks[0].Err())
	}
	for _, i := range []int{1, 2} {
		if !compute.HasCode(tasks[i].Err(), compute.ErrCodeDependencyFailure) {
			t.Errorf("task %d: expected dependency failure, got %v", i, tasks[i].Err())
		}
		if !tasks[i].StartTime.IsZero() {
			t.Errorf("task %d entered running", i)
		}
	}
	if !strings.Contains(tasks[1].Err().Error(), "t0") {
		t.Errorf("dependency failure should name t0: %v", tasks[1].Err())
	}
	if f.rec.calls["t1"] != 0 || f.rec.calls["t2"] != 0 {
		t.Errorf("dependents were invoked: %v", f.rec.calls)
	}
	if m := New(f.pool).Metrics(); m.Failed != 0 {
		t.Errorf("fresh executor should have empty metrics, got %+v", &m)
	}
}

func TestStopThenRerun(t *testing.T) {
	f := newFixture(t, 2)
	e := New(f.pool)
	tasks := []*compute.Task{task(0, "block"), task(1, "block")}

	done := make(chan error, 1)
	go func() { done <- e.Execute(context.Background(), tasks) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		f.rec.mu.Lock()
		running := f.rec.running
		f.rec.mu.Unlock()
		if running == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("tasks never started")
		}
		time.Sleep(time.Millisecond)
	}
	f.pool.Stop()
	f.pool.Stop()

	select {
	case err := <-done:
		if !compute.HasCode(err, compute.ErrCodeCancelled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after Stop")
	}
	for i, tk := range tasks {
		if !compute.HasCode(tk.Err(), compute.ErrCodeCancelled) {
			t.Errorf("task %d: expected cancellation, got %v", i, tk.Err())
		}
	}

	rerun := []*compute.Task{task(0, "work"), task(1, "work")}
	if err := e.Execute(context.Background(), rerun); err != nil {
		t.Fatalf("rerun after stop: %v", err)
	}
}

func TestContextCancellation(t *testing.T) {
	f := newFixture(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	tasks := []*compute.Task{task(0, "block"), task(1, "work")}

	time.AfterFunc(30*time.Millisecond, cancel)
	err := New(f.pool).Execute(ctx, tasks)
	if !compute.HasCode(err, compute.ErrCodeCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if diff := cmp.Diff([]compute.TaskStatus{compute.TaskStatusError, compute.TaskStatusError}, statuses(tasks)); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestWallClockTimeout(t *testing.T) {
	f := newFixture(t, 1)
	tasks := []*compute.Task{task(0, "block"), task(1, "work", 0)}

	start := time.Now()
	err := New(f.pool, WithTimeout(50*time.Millisecond)).Execute(context.Background(), tasks)
	if !compute.HasCode(err, compute.ErrCodeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("timeout took %v", time.Since(start))
	}
	for i, tk := range tasks {
		if !compute.HasCode(tk.Err(), compute.ErrCodeTimeout) {
			t.Errorf("task %d: expected timeout, got %v", i, tk.Err())
		}
	}
	if f.pool.Busy() != 0 {
		t.Error("timed out units should be terminated")
	}
}

func TestIterationCeiling(t *testing.T) {
	f := newFixture(t, 1)
	tasks := []*compute.Task{task(0, "work"), task(1, "work"), task(2, "work")}

	err := New(f.pool, WithMaxIterations(2)).Execute(context.Background(), tasks)
	if !compute.HasCode(err, compute.ErrCodeTimeout) {
		t.Fatalf("expected timeout from iteration ceiling, got %v", err)
	}
	for _, tk := range tasks {
		if !tk.GetStatus().Terminal() {
			t.Errorf("task %d left in %s", tk.Index, tk.GetStatus())
		}
	}
}

func TestStallWhenNoSlotFrees(t *testing.T) {
	f := newFixture(t, 1)
	// Occupy the only slot from outside the executor.
	h, err := f.pool.Acquire(0, compute.FunctionDescriptor{Kind: compute.KindNative, Name: "block"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := f.pool.Dispatch(context.Background(), h, protocol.Request{UniqueID: "outside", Function: compute.FunctionDescriptor{Kind: compute.KindNative, Name: "block"}}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	tasks := []*compute.Task{task(0, "work")}
	err = New(f.pool, WithStallPasses(3), WithPollInterval(time.Millisecond)).Execute(context.Background(), tasks)
	if !compute.HasCode(err, compute.ErrCodeStall) {
		t.Fatalf("expected stall, got %v", err)
	}
	if !compute.HasCode(tasks[0].Err(), compute.ErrCodeStall) {
		t.Errorf("expected stalled task, got %v", tasks[0].Err())
	}
	close(f.rec.release)
}

func TestRejectsMalformedGraph(t *testing.T) {
	f := newFixture(t, 1)
	e := New(f.pool)

	dup := []*compute.Task{task(0, "work"), task(1, "work")}
	dup[1].UniqueID = dup[0].UniqueID
	if err := e.Execute(context.Background(), dup); !compute.HasCode(err, compute.ErrCodeValidation) {
		t.Errorf("duplicate unique ids: expected validation error, got %v", err)
	}

	outOfRange := []*compute.Task{task(0, "work", 4)}
	if err := e.Execute(context.Background(), outOfRange); !compute.HasCode(err, compute.ErrCodeValidation) {
		t.Errorf("unknown dependency: expected validation error, got %v", err)
	}
}
