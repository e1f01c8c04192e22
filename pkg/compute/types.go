package compute

import (
	"fmt"
	"sync"
	"time"
)

// TaskStatus represents the possible states of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting for dependencies or a free slot.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates the task has been dispatched to an execution unit.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task has completed successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusError indicates the task reached a terminal failure.
	TaskStatusError TaskStatus = "error"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusError
}

// Store record statuses.
const (
	RecordPending   = "pending"
	RecordCompleted = "completed"
	RecordError     = "error"
)

// SplitStrategy is the data-partitioning strategy chosen for a step.
type SplitStrategy string

const (
	// SplitPassthrough hands the whole step input to the single function of the step.
	SplitPassthrough SplitStrategy = "passthrough"
	// SplitPartition cuts the input into one piece per function.
	SplitPartition SplitStrategy = "partition"
	// SplitBroadcast gives every function a full copy of the input.
	SplitBroadcast SplitStrategy = "broadcast"
	// SplitGraph passes the input to root tasks and dependency results to dependents.
	SplitGraph SplitStrategy = "graph"
)

// PartitionMode selects how SplitPartition cuts the input.
type PartitionMode string

const (
	PartitionContiguous  PartitionMode = "contiguous"
	PartitionInterleaved PartitionMode = "interleaved"
)

// Task represents one function invocation inside a step.
type Task struct {
	Index        int                    `json:"index"`
	UniqueID     string                 `json:"unique_id"`
	Step         int                    `json:"step"`
	Function     FunctionDescriptor     `json:"function"`
	Args         map[string]interface{} `json:"args,omitempty"`
	DataRefs     []string               `json:"data_refs,omitempty"`
	Dependencies []int                  `json:"dependencies,omitempty"`

	// Internal execution state
	status    TaskStatus
	result    []float64
	err       error
	mutex     sync.Mutex
	StartTime time.Time `json:"-"`
	EndTime   time.Time `json:"-"`
}

// NewTask creates a pending task.
func NewTask(step, index int, uniqueID string, fn FunctionDescriptor) *Task {
	return &Task{
		Index:    index,
		UniqueID: uniqueID,
		Step:     step,
		Function: fn,
		status:   TaskStatusPending,
	}
}

// UpdateStatus safely updates the task's status and records timestamps.
func (t *Task) UpdateStatus(status TaskStatus) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.status = status
	switch status {
	case TaskStatusRunning:
		t.StartTime = time.Now()
	case TaskStatusCompleted, TaskStatusError:
		t.EndTime = time.Now()
	}
}

// GetStatus safely retrieves the task's status.
func (t *Task) GetStatus() TaskStatus {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.status == "" {
		return TaskStatusPending
	}
	return t.status
}

// Complete marks the task completed with its output.
func (t *Task) Complete(result []float64) {
	t.mutex.Lock()
	t.result = result
	t.mutex.Unlock()
	t.UpdateStatus(TaskStatusCompleted)
}

// Fail marks the task as failed. A task that already reached a terminal
// status keeps its first outcome.
func (t *Task) Fail(err error) bool {
	t.mutex.Lock()
	if t.status.Terminal() {
		t.mutex.Unlock()
		return false
	}
	t.err = err
	t.mutex.Unlock()
	t.UpdateStatus(TaskStatusError)
	return true
}

// Result returns the task output, nil until completed.
func (t *Task) Result() []float64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.result
}

// Err returns the terminal error, if any.
func (t *Task) Err() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.err
}

// Duration calculates the execution time of the task.
func (t *Task) Duration() time.Duration {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.StartTime.IsZero() {
		return 0
	}
	if t.EndTime.IsZero() {
		return time.Since(t.StartTime)
	}
	return t.EndTime.Sub(t.StartTime)
}

// Report snapshots the task for result queries.
func (t *Task) Report() TaskReport {
	r := TaskReport{
		Index:    t.Index,
		UniqueID: t.UniqueID,
		Function: t.Function.String(),
		Status:   t.GetStatus(),
		Duration: t.Duration(),
	}
	if err := t.Err(); err != nil {
		r.Error = err.Error()
		r.Code = CodeOf(err)
	}
	return r
}

// Step is an ordered list of tasks executed together.
type Step struct {
	Index    int
	Tasks    []*Task
	Linked   bool
	Strategy SplitStrategy
}

// HasDependencies reports whether any task of the step declares a dependency.
func (s *Step) HasDependencies() bool {
	for _, t := range s.Tasks {
		if len(t.Dependencies) > 0 {
			return true
		}
	}
	return false
}

// RunRequest enumerates, per step, what to execute and on which data.
type RunRequest struct {
	Functions      [][]string                 `json:"functions" yaml:"functions"`
	Args           [][]map[string]interface{} `json:"args,omitempty" yaml:"args,omitempty"`
	DataIDs        []string                   `json:"data_ids,omitempty" yaml:"data_ids,omitempty"`
	Data           [][]float64                `json:"data,omitempty" yaml:"data,omitempty"`
	Dependencies   [][][]int                  `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Linked         bool                       `json:"linked" yaml:"linked"`
	SplitPerStep   []bool                     `json:"split_per_step,omitempty" yaml:"split_per_step,omitempty"`
	PartitionModes []PartitionMode            `json:"partition_modes,omitempty" yaml:"partition_modes,omitempty"`
}

// Validate checks that the request names functions and data for every step that needs it.
func (r *RunRequest) Validate() error {
	if len(r.Functions) == 0 {
		return NewValidationError(StageValidation, "no functions given", nil)
	}
	if len(r.Data) == 0 && len(r.DataIDs) == 0 {
		return NewValidationError(StageValidation, "no data given", nil)
	}
	for i, fns := range r.Functions {
		if len(fns) == 0 {
			return NewValidationError(StageValidation, fmt.Sprintf("step %d has no functions", i), nil)
		}
		if i < len(r.Args) && len(r.Args[i]) > len(fns) {
			return NewValidationError(StageValidation, fmt.Sprintf("step %d has more argument sets than functions", i), nil)
		}
		if i < len(r.Dependencies) && len(r.Dependencies[i]) > len(fns) {
			return NewValidationError(StageValidation, fmt.Sprintf("step %d has more dependency lists than functions", i), nil)
		}
		if r.Linked && i > 0 {
			continue
		}
		if !r.HasData(i) {
			return NewValidationError(StageValidation, fmt.Sprintf("step %d has no data", i), nil)
		}
	}
	return nil
}

// HasData reports whether the caller supplied data for the step.
func (r *RunRequest) HasData(step int) bool {
	if step < len(r.Data) && len(r.Data[step]) > 0 {
		return true
	}
	return step < len(r.DataIDs) && r.DataIDs[step] != ""
}

// SplitRequested reports whether the caller asked to split the step's data.
func (r *RunRequest) SplitRequested(step int) bool {
	return step < len(r.SplitPerStep) && r.SplitPerStep[step]
}

// PartitionMode returns the partition mode for a step, contiguous by default.
func (r *RunRequest) PartitionMode(step int) PartitionMode {
	if step < len(r.PartitionModes) && r.PartitionModes[step] != "" {
		return r.PartitionModes[step]
	}
	return PartitionContiguous
}

// TaskReport is the queryable outcome of one task.
type TaskReport struct {
	Index    int           `json:"index"`
	UniqueID string        `json:"unique_id"`
	Function string        `json:"function"`
	Status   TaskStatus    `json:"status"`
	Error    string        `json:"error,omitempty"`
	Code     string        `json:"code,omitempty"`
	Duration time.Duration `json:"duration"`
}

// StepResult aggregates the outcome of one step.
type StepResult struct {
	Step          int           `json:"step"`
	Strategy      SplitStrategy `json:"strategy"`
	Functions     []string      `json:"functions"`
	Results       [][]float64   `json:"results"`
	FunctionOrder []string      `json:"function_order"`
	FuncTime      time.Duration `json:"func_time"`
	UnitTime      time.Duration `json:"unit_time"`
	Tasks         []TaskReport  `json:"tasks"`
	Completed     bool          `json:"completed"`
}

// ByFunction groups the step's ordered results by the function that produced them.
func (s StepResult) ByFunction() map[string][][]float64 {
	out := make(map[string][][]float64, len(s.Functions))
	for i, fn := range s.Functions {
		if i < len(s.Results) && s.Results[i] != nil {
			out[fn] = append(out[fn], s.Results[i])
		}
	}
	return out
}

// Output is the value trailed into the next step of a linked run. A graph
// step yields the result of its last task; any other step yields the results
// of all its tasks concatenated in task order.
func (s StepResult) Output() []float64 {
	if len(s.Results) == 0 {
		return nil
	}
	if s.Strategy == SplitGraph {
		return s.Results[len(s.Results)-1]
	}
	n := 0
	for _, r := range s.Results {
		n += len(r)
	}
	out := make([]float64, 0, n)
	for _, r := range s.Results {
		out = append(out, r...)
	}
	return out
}

// RunResult is everything recorded for one run.
type RunResult struct {
	ID        string        `json:"id"`
	Engine    string        `json:"engine"`
	Linked    bool          `json:"linked"`
	Steps     []StepResult  `json:"steps"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	FuncTime  time.Duration `json:"func_time"`
	UnitTime  time.Duration `json:"unit_time"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
}

// ByFunction returns, per step, the ordered results keyed by function.
func (r *RunResult) ByFunction() []map[string][][]float64 {
	out := make([]map[string][][]float64, 0, len(r.Steps))
	for _, s := range r.Steps {
		out = append(out, s.ByFunction())
	}
	return out
}

// InputRef is the store ID of the j-th task input of a step.
func InputRef(runID string, step, j int) string {
	return fmt.Sprintf("%s/step-%d/input-%d", runID, step, j)
}

// ResultRef is the store ID under which a task's output is kept.
func ResultRef(uniqueID string) string {
	return "result/" + uniqueID
}
