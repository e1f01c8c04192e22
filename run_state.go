package hydrocompute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/hydrocompute/internal/eventbus"
	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

// RunState is a stage of a run's lifecycle.
type RunState string

const (
	// StateInit is the state of a run that has not been checked yet.
	StateInit RunState = "init"
	// StateStaging resolves functions and checks referenced data.
	StateStaging RunState = "staging"
	// StateExecuting runs the steps.
	StateExecuting RunState = "executing"
	StateComplete  RunState = "complete"
	StateError     RunState = "error"
	StateCancelled RunState = "cancelled"
	// StateUnknown is reported for runs the engine does not track.
	StateUnknown RunState = "unknown"
)

// Terminal reports whether no transition leaves s.
func (s RunState) Terminal() bool {
	return s == StateComplete || s == StateError || s == StateCancelled
}

// RunContext carries one run through the state machine.
type RunContext struct {
	RunID   string
	Request compute.RunRequest

	mu           sync.RWMutex
	result       *compute.RunResult
	lastError    error
	errorStage   string
	currentState RunState
	history      []RunState

	startTime       time.Time
	endTime         time.Time
	stateStartTimes map[RunState]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunContext creates a run context in StateInit.
func NewRunContext(runID string, req compute.RunRequest) *RunContext {
	now := time.Now()
	return &RunContext{
		RunID:           runID,
		Request:         req,
		currentState:    StateInit,
		startTime:       now,
		stateStartTimes: map[RunState]time.Time{StateInit: now},
		done:            make(chan struct{}),
	}
}

// State returns the current state.
func (rc *RunContext) State() RunState {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.currentState
}

// History returns the states the run has left, oldest first.
func (rc *RunContext) History() []RunState {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return append([]RunState(nil), rc.history...)
}

// IsTerminal checks if the run is complete, failed or cancelled.
func (rc *RunContext) IsTerminal() bool {
	return rc.State().Terminal()
}

// Err returns the error that ended the run.
func (rc *RunContext) Err() error {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.lastError
}

// ErrorStage returns the state the run was in when it failed.
func (rc *RunContext) ErrorStage() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.errorStage
}

// Result returns the recorded run result, possibly partial.
func (rc *RunContext) Result() *compute.RunResult {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.result
}

// Done is closed once the run reaches a terminal state.
func (rc *RunContext) Done() <-chan struct{} { return rc.done }

func (rc *RunContext) setResult(res *compute.RunResult) {
	rc.mu.Lock()
	rc.result = res
	rc.mu.Unlock()
}

// transition moves to state and returns the state that was left.
func (rc *RunContext) transition(state RunState) RunState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.setStateLocked(state)
}

func (rc *RunContext) setStateLocked(state RunState) RunState {
	prev := rc.currentState
	rc.history = append(rc.history, prev)
	rc.currentState = state
	now := time.Now()
	rc.stateStartTimes[state] = now
	if state.Terminal() {
		rc.endTime = now
	}
	return prev
}

// SetError records err and moves to StateError.
func (rc *RunContext) SetError(err error, stage string) RunState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.lastError = err
	rc.errorStage = stage
	return rc.setStateLocked(StateError)
}

// SetCancelled records the cancellation error and moves to StateCancelled.
func (rc *RunContext) SetCancelled(err error, stage string) RunState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.lastError = err
	rc.errorStage = stage
	return rc.setStateLocked(StateCancelled)
}

// StateDuration returns the time spent in state: up to now for the current
// state, up to the next state's start for past ones.
func (rc *RunContext) StateDuration(state RunState) time.Duration {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	start, ok := rc.stateStartTimes[state]
	if !ok {
		return 0
	}
	if state == rc.currentState {
		if state.Terminal() {
			return 0
		}
		return time.Since(start)
	}
	// Earliest start of any state entered after this one.
	var end time.Time
	for s, t := range rc.stateStartTimes {
		if s != state && t.After(start) && (end.IsZero() || t.Before(end)) {
			end = t
		}
	}
	if end.IsZero() {
		return 0
	}
	return end.Sub(start)
}

// TotalDuration returns the duration of the run so far.
func (rc *RunContext) TotalDuration() time.Duration {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.currentState.Terminal() {
		return rc.endTime.Sub(rc.startTime)
	}
	return time.Since(rc.startTime)
}

// StateTransition runs the work of one state and names the next one.
type StateTransition func(ctx context.Context, rc *RunContext) (RunState, error)

// StateMachine drives a RunContext through registered transitions and
// publishes every state change.
type StateMachine struct {
	transitions map[RunState]StateTransition
	bus         eventbus.EventBus
	logger      *zap.Logger
}

// NewStateMachine creates a state machine without transitions.
func NewStateMachine(bus eventbus.EventBus, logger *zap.Logger) *StateMachine {
	if logger == nil {
		logger = zap.L()
	}
	return &StateMachine{
		transitions: make(map[RunState]StateTransition),
		bus:         bus,
		logger:      logger,
	}
}

// RegisterTransition registers the transition for state.
func (sm *StateMachine) RegisterTransition(state RunState, transition StateTransition) {
	sm.transitions[state] = transition
}

// Execute runs transitions until rc reaches a terminal state and returns the
// recorded result with the error that ended the run, if any.
func (sm *StateMachine) Execute(ctx context.Context, rc *RunContext) (*compute.RunResult, error) {
	defer close(rc.done)

	for !rc.IsTerminal() {
		current := rc.State()

		if err := ctx.Err(); err != nil {
			sm.changed(ctx, rc, rc.SetCancelled(compute.NewCancelledError(compute.StageOrchestration, err), string(current)))
			break
		}

		transition, exists := sm.transitions[current]
		if !exists {
			err := compute.NewInternalError(compute.StageOrchestration,
				fmt.Sprintf("no transition defined for state: %s", current), nil)
			sm.changed(ctx, rc, rc.SetError(err, string(current)))
			break
		}

		next, err := transition(ctx, rc)
		if err != nil {
			if compute.HasCode(err, compute.ErrCodeCancelled) ||
				errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				sm.changed(ctx, rc, rc.SetCancelled(err, string(current)))
			} else {
				sm.changed(ctx, rc, rc.SetError(err, string(current)))
			}
			continue
		}
		sm.changed(ctx, rc, rc.transition(next))
	}

	return rc.Result(), rc.Err()
}

func (sm *StateMachine) changed(ctx context.Context, rc *RunContext, from RunState) {
	to := rc.State()
	log := sm.logger.With(zap.String("run_id", rc.RunID))
	switch to {
	case StateError:
		log.Warn("run state changed", zap.String("from", string(from)), zap.String("to", string(to)),
			zap.String("stage", rc.ErrorStage()), zap.Error(rc.Err()))
	default:
		log.Debug("run state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	}

	meta := map[string]interface{}{
		"run_id": rc.RunID,
		"from":   string(from),
		"to":     string(to),
	}
	if err := rc.Err(); err != nil && to.Terminal() {
		meta["error"] = err.Error()
		meta["code"] = compute.CodeOf(err)
	}
	if err := eventbus.Emit(ctx, sm.bus, eventbus.EventRunState, string(to), "StateMachine", meta); err != nil {
		log.Debug("event dropped", zap.String("type", string(eventbus.EventRunState)), zap.Error(err))
	}
}
