package hydrocompute

import (
	"github.com/ZanzyTHEbar/hydrocompute/internal/backend"
	"github.com/ZanzyTHEbar/hydrocompute/internal/eventbus"
	"github.com/ZanzyTHEbar/hydrocompute/internal/executor"
	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

type (
	RunRequest         = compute.RunRequest
	RunResult          = compute.RunResult
	StepResult         = compute.StepResult
	TaskReport         = compute.TaskReport
	TaskStatus         = compute.TaskStatus
	PartitionMode      = compute.PartitionMode
	FunctionDescriptor = compute.FunctionDescriptor
	Store              = compute.Store

	// Function is a native or compiled-module kernel.
	Function = backend.Func

	SchedulerMetrics = executor.SchedulerMetrics

	Event        = eventbus.Event
	EventType    = eventbus.EventType
	EventHandler = eventbus.EventHandler
	EventBus     = eventbus.EventBus
)

const (
	PartitionContiguous  = compute.PartitionContiguous
	PartitionInterleaved = compute.PartitionInterleaved
)
