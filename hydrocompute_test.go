package hydrocompute

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ZanzyTHEbar/hydrocompute/pkg/config"
)

type blocker struct {
	started chan struct{}
	release chan struct{}
}

func newBlocker() *blocker {
	return &blocker{started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (b *blocker) fn(ctx context.Context, d []float64, _ map[string]interface{}) ([]float64, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
		return append([]float64(nil), d...), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newTestEngine(t *testing.T, mutate func(*config.Config), opts ...Option) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Concurrency = 2
	cfg.EventBus.Enable = false
	cfg.Store.TTL = 0
	cfg.Scheduler.Timeout = 10 * time.Second
	if mutate != nil {
		mutate(cfg)
	}
	double := func(_ context.Context, d []float64, _ map[string]interface{}) ([]float64, error) {
		out := make([]float64, len(d))
		for i, v := range d {
			out[i] = 2 * v
		}
		return out, nil
	}
	opts = append([]Option{WithConfig(cfg), WithFunction("double", double)}, opts...)
	e, err := New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func waitStarted(t *testing.T, b *blocker) {
	t.Helper()
	select {
	case <-b.started:
	case <-time.After(5 * time.Second):
		t.Fatal("function never started")
	}
}

func TestEngineRunLinkedSteps(t *testing.T) {
	e := newTestEngine(t, nil)
	res, err := e.Run(context.Background(), RunRequest{
		Functions: [][]string{{"native:double"}, {"native:sum"}},
		Data:      [][]float64{{1, 2, 3}},
		Linked:    true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || len(res.Steps) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if diff := cmp.Diff([]float64{12}, res.Steps[1].Output()); diff != "" {
		t.Errorf("linked output mismatch (-want +got):\n%s", diff)
	}

	recorded, err := e.Results(res.ID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if diff := cmp.Diff(res.ByFunction(), recorded.ByFunction()); diff != "" {
		t.Errorf("recorded results mismatch (-want +got):\n%s", diff)
	}
}

func TestEngineRunRejectsBadRequests(t *testing.T) {
	e := newTestEngine(t, nil)
	tests := []struct {
		name string
		req  RunRequest
		code string
	}{
		{"no functions", RunRequest{Data: [][]float64{{1}}}, ErrCodeValidation},
		{"no data", RunRequest{Functions: [][]string{{"native:sum"}}}, ErrCodeValidation},
		{"unknown engine", RunRequest{Functions: [][]string{{"compiled-module:nope"}}, Data: [][]float64{{1}}}, ErrCodeValidation},
		{"missing data id", RunRequest{Functions: [][]string{{"native:sum"}}, DataIDs: []string{"data/missing"}}, ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Run(context.Background(), tt.req)
			if !HasCode(err, tt.code) {
				t.Fatalf("Run() error = %v, want code %s", err, tt.code)
			}
			if res != nil {
				t.Errorf("expected no result, got %+v", res)
			}
		})
	}
}

func TestEngineStoredData(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)

	id, err := e.StoreData(ctx, []float64{1, 2, 3})
	if err != nil {
		t.Fatalf("StoreData: %v", err)
	}
	res, err := e.Run(ctx, RunRequest{
		Functions: [][]string{{"native:cumsum"}},
		DataIDs:   []string{id},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]float64{1, 3, 6}, res.Steps[0].Output()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}

	got, err := e.Data(ctx, id)
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if diff := cmp.Diff([]float64{1, 2, 3}, got); diff != "" {
		t.Errorf("stored data mismatch (-want +got):\n%s", diff)
	}
	if err := e.DeleteData(ctx, id); err != nil {
		t.Fatalf("DeleteData: %v", err)
	}
	if _, err := e.Data(ctx, id); !HasCode(err, ErrCodeNotFound) {
		t.Errorf("Data after delete = %v, want not found", err)
	}
}

func TestEngineSetEngine(t *testing.T) {
	e := newTestEngine(t, nil)
	if err := e.SetEngine("gpu"); err != nil {
		t.Fatalf("SetEngine: %v", err)
	}
	if e.ActiveEngine() != "gpu" {
		t.Errorf("active engine = %q, want gpu", e.ActiveEngine())
	}
	res, err := e.Run(context.Background(), RunRequest{
		Functions: [][]string{{"square"}},
		Data:      [][]float64{{1, 2, 3}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]float64{1, 4, 9}, res.Steps[0].Output()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	if err := e.SetEngine("quantum"); err == nil {
		t.Error("expected error for unknown engine")
	}
}

func TestNewRejectsUnknownEngine(t *testing.T) {
	cfg := config.Default()
	cfg.Engine = "quantum"
	cfg.EventBus.Enable = false
	if _, err := New(WithConfig(cfg)); !HasCode(err, ErrCodeConfiguration) {
		t.Fatalf("New() error = %v, want configuration error", err)
	}
}

func TestRunAsyncLifecycle(t *testing.T) {
	b := newBlocker()
	e := newTestEngine(t, nil, WithFunction("block", b.fn))

	id, err := e.RunAsync(context.Background(), RunRequest{
		Functions: [][]string{{"native:block"}},
		Data:      [][]float64{{4, 5}},
	})
	if err != nil {
		t.Fatalf("RunAsync: %v", err)
	}
	waitStarted(t, b)

	if st, err := e.Status(id); err != nil || st.CurrentState != StateExecuting {
		t.Fatalf("Status = %+v, %v; want executing", st, err)
	}
	if _, err := e.Result(id); err == nil {
		t.Error("expected error for a run in progress")
	}

	close(b.release)
	res, err := e.Wait(context.Background(), id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if diff := cmp.Diff([]float64{4, 5}, res.Steps[0].Output()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	st, err := e.Status(id)
	if err != nil || !st.IsComplete || st.StepsCompleted != 1 {
		t.Errorf("Status = %+v, %v; want complete with one step", st, err)
	}
	if got := e.ListRuns()[id]; got != StateComplete {
		t.Errorf("ListRuns()[id] = %s, want complete", got)
	}
	if ok, err := e.Cancel(id); ok || err != nil {
		t.Errorf("Cancel on finished run = %v, %v", ok, err)
	}

	time.Sleep(5 * time.Millisecond)
	if n := e.CleanupCompletedRuns(time.Millisecond); n != 1 {
		t.Errorf("CleanupCompletedRuns = %d, want 1", n)
	}
	if _, err := e.Status(id); !HasCode(err, ErrCodeNotFound) {
		t.Errorf("Status after cleanup = %v, want not found", err)
	}
	if _, err := e.Results(id); !HasCode(err, ErrCodeNotFound) {
		t.Errorf("Results after cleanup = %v, want not found", err)
	}
}

func TestRunAsyncCancel(t *testing.T) {
	b := newBlocker()
	e := newTestEngine(t, nil, WithFunction("block", b.fn))

	id, err := e.RunAsync(context.Background(), RunRequest{
		Functions: [][]string{{"native:block"}, {"native:sum"}},
		Data:      [][]float64{{1}},
		Linked:    true,
	})
	if err != nil {
		t.Fatalf("RunAsync: %v", err)
	}
	waitStarted(t, b)

	if ok, err := e.Cancel(id); !ok || err != nil {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.Wait(ctx, id); !HasCode(err, ErrCodeCancelled) {
		t.Fatalf("Wait error = %v, want cancelled", err)
	}
	st, err := e.Status(id)
	if err != nil || !st.IsCancelled || st.StepsCompleted != 0 {
		t.Errorf("Status = %+v, %v; want cancelled with no steps", st, err)
	}

	// The engine stays usable.
	res, err := e.Run(context.Background(), RunRequest{
		Functions: [][]string{{"native:sum"}},
		Data:      [][]float64{{1, 2}},
	})
	if err != nil || res.Steps[0].Output()[0] != 3 {
		t.Fatalf("Run after cancel = %+v, %v", res, err)
	}
}

func TestEngineEventsPublished(t *testing.T) {
	e := newTestEngine(t, func(c *config.Config) {
		c.EventBus.Enable = true
		c.EventBus.WorkerCount = 1
	})

	events := make(chan Event, 64)
	if _, err := e.Subscribe([]EventType{"run_state", "task_completed"}, func(ctx context.Context, evt Event) error {
		events <- evt
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := e.Run(context.Background(), RunRequest{
		Functions: [][]string{{"native:sum"}},
		Data:      [][]float64{{1, 2}},
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	seen := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for !seen["complete"] || !seen["task_completed"] {
		select {
		case evt := <-events:
			if evt.Type() == "run_state" {
				seen[evt.Payload().(string)] = true
			} else {
				seen[string(evt.Type())] = true
			}
		case <-deadline:
			t.Fatalf("missing events, saw %v", seen)
		}
	}
}
