package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/hydrocompute/internal/backend"
	"github.com/ZanzyTHEbar/hydrocompute/internal/protocol"
	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

// unit is an execution unit: a goroutine owning one backend instance. It
// shares nothing with the pool except the encoded messages on inbox and
// outbox, and reads its inputs from the store by reference.
type unit struct {
	id      uint64
	slot    int
	engine  string
	backend backend.Backend
	store   compute.Store
	codec   protocol.Codec

	inbox  chan []byte
	outbox chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	exited chan struct{}
}

func startUnit(id uint64, slot int, engine string, b backend.Backend, store compute.Store, codec protocol.Codec) *unit {
	ctx, cancel := context.WithCancel(context.Background())
	u := &unit{
		id:      id,
		slot:    slot,
		engine:  engine,
		backend: b,
		store:   store,
		codec:   codec,
		inbox:   make(chan []byte, 1),
		outbox:  make(chan []byte, 4),
		ctx:     ctx,
		cancel:  cancel,
		exited:  make(chan struct{}),
	}
	go u.loop()
	return u
}

func (u *unit) loop() {
	defer close(u.exited)
	defer u.backend.Close()
	for {
		select {
		case <-u.ctx.Done():
			return
		case raw := <-u.inbox:
			u.handle(raw)
		}
	}
}

// terminate kills the unit. A backend call in progress sees its context
// cancelled; the unit never reports again.
func (u *unit) terminate() {
	u.cancel()
}

func (u *unit) handle(raw []byte) {
	start := time.Now()
	var req protocol.Request
	if err := u.codec.Unmarshal(raw, &req); err != nil {
		u.emit(protocol.StatusMessage("", compute.TaskStatusError, fmt.Sprintf("decode request: %v", err)))
		return
	}
	u.emit(protocol.StatusMessage(req.UniqueID, compute.TaskStatusRunning, ""))

	data, err := u.load(req.DataRefs)
	if err != nil {
		u.fail(req, err)
		return
	}

	funcStart := time.Now()
	out, err := u.execute(req, data)
	funcExec := time.Since(funcStart)
	if err != nil {
		u.fail(req, err)
		return
	}

	payload, err := protocol.EncodeSeries(u.codec, out)
	if err != nil {
		u.fail(req, err)
		return
	}
	if err := u.store.Put(u.ctx, compute.ResultRef(req.UniqueID), payload, compute.RecordCompleted); err != nil {
		u.fail(req, err)
		return
	}
	u.emit(protocol.StatusMessage(req.UniqueID, compute.TaskStatusCompleted, ""))
	u.emit(protocol.ResultMessage(req.UniqueID, out, funcExec, time.Since(start)))
}

func (u *unit) execute(req protocol.Request, data []float64) (out []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend panicked: %v", r)
		}
	}()
	return u.backend.Execute(u.ctx, req.Function, data, req.Args)
}

// load resolves data references and concatenates them in order.
func (u *unit) load(refs []string) ([]float64, error) {
	var data []float64
	for _, ref := range refs {
		raw, err := u.store.Get(u.ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", ref, err)
		}
		part, err := protocol.DecodeSeries(u.codec, raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", ref, err)
		}
		if len(refs) == 1 {
			return part, nil
		}
		data = append(data, part...)
	}
	return data, nil
}

func (u *unit) fail(req protocol.Request, err error) {
	_ = u.store.Put(u.ctx, compute.ResultRef(req.UniqueID), nil, compute.RecordError)
	u.emit(protocol.StatusMessage(req.UniqueID, compute.TaskStatusError, err.Error()))
}

func (u *unit) emit(msg protocol.Message) {
	raw, err := u.codec.Marshal(msg)
	if err != nil {
		raw, _ = u.codec.Marshal(protocol.StatusMessage(msg.Subject(), compute.TaskStatusError, err.Error()))
	}
	select {
	case u.outbox <- raw:
	case <-u.ctx.Done():
	}
}
