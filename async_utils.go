package hydrocompute

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

// RunStatus is the status of an async run.
type RunStatus struct {
	RunID          string        `json:"run_id"`
	CurrentState   RunState      `json:"current_state"`
	StartTime      time.Time     `json:"start_time"`
	Duration       time.Duration `json:"duration"`
	StepsCompleted int           `json:"steps_completed"`
	IsComplete     bool          `json:"is_complete"`
	IsCancelled    bool          `json:"is_cancelled"`
	HasError       bool          `json:"has_error"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	ErrorStage     string        `json:"error_stage,omitempty"`
}

// RunAsync starts req in the background and returns its run ID. The run
// keeps going after ctx is cancelled; use Cancel to stop it.
func (e *Engine) RunAsync(ctx context.Context, req RunRequest) (string, error) {
	runID := uuid.NewString()
	rc := NewRunContext(runID, req)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rc.cancel = cancel

	e.runsMu.Lock()
	e.runs[runID] = rc
	e.runsMu.Unlock()

	e.logger.Debug("async run queued", zap.String("run_id", runID))
	go func() {
		defer cancel()
		if _, err := e.machine.Execute(runCtx, rc); err != nil {
			e.logger.Info("async run ended with error",
				zap.String("run_id", runID),
				zap.String("state", string(rc.State())),
				zap.Error(err))
		}
	}()
	return runID, nil
}

func (e *Engine) lookupRun(runID string) (*RunContext, error) {
	e.runsMu.RLock()
	defer e.runsMu.RUnlock()
	rc, ok := e.runs[runID]
	if !ok {
		return nil, compute.NewNotFoundError(compute.StageOrchestration, fmt.Sprintf("run '%s'", runID), nil)
	}
	return rc, nil
}

// Status returns the current status of an async run.
func (e *Engine) Status(runID string) (*RunStatus, error) {
	rc, err := e.lookupRun(runID)
	if err != nil {
		return nil, err
	}
	state := rc.State()
	status := &RunStatus{
		RunID:        runID,
		CurrentState: state,
		StartTime:    rc.startTime,
		Duration:     rc.TotalDuration(),
		IsComplete:   state == StateComplete,
		IsCancelled:  state == StateCancelled,
		HasError:     state == StateError,
	}
	if res := rc.Result(); res != nil {
		for _, s := range res.Steps {
			if s.Completed {
				status.StepsCompleted++
			}
		}
	}
	if err := rc.Err(); err != nil {
		status.ErrorMessage = err.Error()
		status.ErrorStage = rc.ErrorStage()
	}
	return status, nil
}

// Result returns the result of a finished async run. A failed or cancelled
// run returns its partial result together with the error that ended it.
func (e *Engine) Result(runID string) (*RunResult, error) {
	rc, err := e.lookupRun(runID)
	if err != nil {
		return nil, err
	}
	state := rc.State()
	if !state.Terminal() {
		return nil, compute.NewError(compute.ErrCodeValidation, compute.StageOrchestration,
			fmt.Sprintf("run '%s' is still in progress (current state: %s)", runID, state), nil)
	}
	return rc.Result(), rc.Err()
}

// Wait blocks until the async run finishes or ctx is done.
func (e *Engine) Wait(ctx context.Context, runID string) (*RunResult, error) {
	rc, err := e.lookupRun(runID)
	if err != nil {
		return nil, err
	}
	select {
	case <-rc.Done():
		return rc.Result(), rc.Err()
	case <-ctx.Done():
		return nil, compute.NewCancelledError(compute.StageOrchestration, ctx.Err())
	}
}

// Cancel cancels an async run. It returns false if the run had already
// finished.
func (e *Engine) Cancel(runID string) (bool, error) {
	rc, err := e.lookupRun(runID)
	if err != nil {
		return false, err
	}
	if rc.IsTerminal() {
		return false, nil
	}
	rc.cancel()
	e.logger.Info("async run cancelled", zap.String("run_id", runID))
	return true, nil
}

// ListRuns returns every tracked async run and its state.
func (e *Engine) ListRuns() map[string]RunState {
	e.runsMu.RLock()
	defer e.runsMu.RUnlock()
	out := make(map[string]RunState, len(e.runs))
	for id, rc := range e.runs {
		out[id] = rc.State()
	}
	return out
}

// CleanupCompletedRuns forgets finished async runs that ended more than
// olderThan ago, along with their recorded results.
func (e *Engine) CleanupCompletedRuns(olderThan time.Duration) int {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()

	now := time.Now()
	count := 0
	for id, rc := range e.runs {
		rc.mu.RLock()
		expired := rc.currentState.Terminal() && now.Sub(rc.endTime) > olderThan
		rc.mu.RUnlock()
		if expired {
			delete(e.runs, id)
			e.orchestrator.Forget(id)
			count++
		}
	}
	return count
}
