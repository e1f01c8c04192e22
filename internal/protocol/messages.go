// Package protocol defines the messages exchanged between the pool and its
// execution units.
package protocol

import (
	"time"

	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

// MessageType distinguishes status updates from result payloads.
type MessageType string

const (
	TypeStatus MessageType = "status"
	TypeResult MessageType = "result"
)

// Request asks an execution unit to run one task.
type Request struct {
	TaskID   int                        `cbor:"taskId"`
	UniqueID string                     `cbor:"uniqueId"`
	Function compute.FunctionDescriptor `cbor:"functionDescriptor"`
	DataRefs []string                   `cbor:"dataRefs"`
	Args     map[string]interface{}     `cbor:"args,omitempty"`
	Step     int                        `cbor:"step"`
}

// NewRequest builds the request for a task.
func NewRequest(t *compute.Task) Request {
	return Request{
		TaskID:   t.Index,
		UniqueID: t.UniqueID,
		Function: t.Function,
		DataRefs: t.DataRefs,
		Args:     t.Args,
		Step:     t.Step,
	}
}

// Message is what a unit sends back: a status update for itemId, or the
// result payload for id after a completed status.
type Message struct {
	Type     MessageType        `cbor:"type"`
	ItemID   string             `cbor:"itemId,omitempty"`
	Status   compute.TaskStatus `cbor:"status"`
	Error    string             `cbor:"error,omitempty"`
	ID       string             `cbor:"id,omitempty"`
	Results  []float64          `cbor:"results,omitempty"`
	FuncExec time.Duration      `cbor:"funcExec,omitempty"`
	UnitExec time.Duration      `cbor:"unitExec,omitempty"`
}

// StatusMessage reports a status transition of a task.
func StatusMessage(itemID string, status compute.TaskStatus, errMsg string) Message {
	return Message{Type: TypeStatus, ItemID: itemID, Status: status, Error: errMsg}
}

// ResultMessage carries the output of a completed task.
func ResultMessage(id string, results []float64, funcExec, unitExec time.Duration) Message {
	return Message{
		Type:     TypeResult,
		ID:       id,
		Status:   compute.TaskStatusCompleted,
		Results:  results,
		FuncExec: funcExec,
		UnitExec: unitExec,
	}
}

// Subject returns the unique ID the message refers to.
func (m Message) Subject() string {
	if m.Type == TypeResult {
		return m.ID
	}
	return m.ItemID
}
