package hydrocompute

import (
	"context"
	"fmt"

	"github.com/ZanzyTHEbar/hydrocompute/internal/backend"
	"github.com/ZanzyTHEbar/hydrocompute/internal/orchestrator"
	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

// runComponents holds what the run transitions need.
type runComponents struct {
	Registry     *backend.Registry
	Orchestrator *orchestrator.Orchestrator
	Store        compute.Store
}

// createRunStateMachine registers the run lifecycle on sm:
// init -> staging -> executing -> complete, with error and cancelled
// reachable from every non-terminal state.
func createRunStateMachine(c runComponents, sm *StateMachine) *StateMachine {
	sm.RegisterTransition(StateInit, createInitTransition())
	sm.RegisterTransition(StateStaging, createStagingTransition(c))
	sm.RegisterTransition(StateExecuting, createExecutingTransition(c))
	return sm
}

// createInitTransition validates the request shape.
func createInitTransition() StateTransition {
	return func(ctx context.Context, rc *RunContext) (RunState, error) {
		if err := rc.Request.Validate(); err != nil {
			return StateError, err
		}
		return StateStaging, nil
	}
}

// createStagingTransition resolves every function and checks that the data
// IDs the run reads from the store exist, so that a bad request fails
// before any unit is spawned.
func createStagingTransition(c runComponents) StateTransition {
	return func(ctx context.Context, rc *RunContext) (RunState, error) {
		req := rc.Request
		for i, fns := range req.Functions {
			for j, name := range fns {
				if _, err := c.Registry.Resolve(name); err != nil {
					return StateError, compute.NewValidationError(compute.StageValidation,
						fmt.Sprintf("step %d function %d", i, j), err)
				}
			}
			if req.Linked && i > 0 {
				continue
			}
			if i < len(req.Data) && len(req.Data[i]) > 0 {
				continue
			}
			if i < len(req.DataIDs) && req.DataIDs[i] != "" {
				if _, err := c.Store.Status(ctx, req.DataIDs[i]); err != nil {
					return StateError, err
				}
			}
		}
		return StateExecuting, nil
	}
}

// createExecutingTransition runs the steps. The result is recorded even
// when the run fails part way.
func createExecutingTransition(c runComponents) StateTransition {
	return func(ctx context.Context, rc *RunContext) (RunState, error) {
		res, err := c.Orchestrator.Execute(ctx, rc.RunID, rc.Request)
		rc.setResult(res)
		if err != nil {
			return StateError, err
		}
		return StateComplete, nil
	}
}
