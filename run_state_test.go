package hydrocompute

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

func newTestMachine(transitions map[RunState]StateTransition) *StateMachine {
	sm := NewStateMachine(nil, nil)
	for state, t := range transitions {
		sm.RegisterTransition(state, t)
	}
	return sm
}

func goTo(next RunState) StateTransition {
	return func(ctx context.Context, rc *RunContext) (RunState, error) { return next, nil }
}

func TestStateMachine_Execute_Success(t *testing.T) {
	want := &compute.RunResult{ID: "run-1", Success: true}
	sm := newTestMachine(map[RunState]StateTransition{
		StateInit:    goTo(StateStaging),
		StateStaging: goTo(StateExecuting),
		StateExecuting: func(ctx context.Context, rc *RunContext) (RunState, error) {
			rc.setResult(want)
			return StateComplete, nil
		},
	})
	rc := NewRunContext("run-1", compute.RunRequest{})
	got, err := sm.Execute(context.Background(), rc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Errorf("result = %+v, want %+v", got, want)
	}
	if diff := cmp.Diff([]RunState{StateInit, StateStaging, StateExecuting}, rc.History()); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	if rc.State() != StateComplete {
		t.Errorf("state = %s, want complete", rc.State())
	}
	select {
	case <-rc.Done():
	default:
		t.Error("done channel not closed")
	}
	if rc.StateDuration(StateInit) < 0 || rc.TotalDuration() <= 0 {
		t.Errorf("unexpected durations: init=%v total=%v", rc.StateDuration(StateInit), rc.TotalDuration())
	}
}

func TestStateMachine_Execute_ErrorTransition(t *testing.T) {
	boom := compute.NewValidationError(compute.StageValidation, "boom", nil)
	sm := newTestMachine(map[RunState]StateTransition{
		StateInit: goTo(StateStaging),
		StateStaging: func(ctx context.Context, rc *RunContext) (RunState, error) {
			return StateError, boom
		},
	})
	rc := NewRunContext("run-2", compute.RunRequest{})
	res, err := sm.Execute(context.Background(), rc)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if res != nil {
		t.Errorf("expected no result, got %+v", res)
	}
	if rc.State() != StateError || rc.ErrorStage() != string(StateStaging) {
		t.Errorf("state = %s stage = %s, want error in staging", rc.State(), rc.ErrorStage())
	}
}

func TestStateMachine_Execute_Cancellation(t *testing.T) {
	tests := []struct {
		name       string
		ctx        func() context.Context
		transition StateTransition
	}{
		{
			name: "context already cancelled",
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			transition: goTo(StateStaging),
		},
		{
			name: "transition reports cancellation",
			ctx:  context.Background,
			transition: func(ctx context.Context, rc *RunContext) (RunState, error) {
				return StateError, compute.NewStepError(0, compute.NewCancelledError(compute.StageExecution, context.Canceled))
			},
		},
		{
			name: "transition returns context error",
			ctx:  context.Background,
			transition: func(ctx context.Context, rc *RunContext) (RunState, error) {
				return StateError, context.DeadlineExceeded
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := newTestMachine(map[RunState]StateTransition{StateInit: tt.transition})
			rc := NewRunContext("run-3", compute.RunRequest{})
			_, err := sm.Execute(tt.ctx(), rc)
			if err == nil {
				t.Fatal("expected error for cancellation, got nil")
			}
			if rc.State() != StateCancelled {
				t.Errorf("state = %s, want cancelled", rc.State())
			}
		})
	}
}

func TestStateMachine_Execute_MissingTransition(t *testing.T) {
	sm := newTestMachine(map[RunState]StateTransition{StateInit: goTo(StateStaging)})
	rc := NewRunContext("run-4", compute.RunRequest{})
	_, err := sm.Execute(context.Background(), rc)
	if !compute.HasCode(err, compute.ErrCodeInternal) {
		t.Fatalf("err = %v, want internal error", err)
	}
	if rc.ErrorStage() != string(StateStaging) {
		t.Errorf("error stage = %q, want staging", rc.ErrorStage())
	}
}
