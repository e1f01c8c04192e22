package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitFor(t *testing.T, ch <-chan EventType, want EventType) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Errorf("expected event type %v, got %v", want, got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %v", want)
	}
}

func TestChannelEventBus_PublishAndSubscribe(t *testing.T) {
	eb := NewChannelEventBus(WithBufferSize(1), WithWorkerCount(1))
	defer eb.Close()

	received := make(chan EventType, 2)
	_, err := eb.Subscribe([]EventType{EventTaskCompleted}, func(ctx context.Context, event Event) error {
		received <- event.Type()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Not subscribed to this one.
	if err := eb.Publish(context.Background(), NewEvent(EventTaskRunning, nil, "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := eb.Publish(context.Background(), NewEvent(EventTaskCompleted, nil, "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	waitFor(t, received, EventTaskCompleted)
}

func TestChannelEventBus_FailingHandlersKeepWorkerAlive(t *testing.T) {
	eb := NewChannelEventBus(WithBufferSize(4), WithWorkerCount(1))
	defer eb.Close()

	received := make(chan EventType, 4)
	_, err := eb.Subscribe([]EventType{EventTaskError}, func(ctx context.Context, event Event) error {
		return errors.New("handler failed")
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	_, err = eb.Subscribe([]EventType{EventStepFailed}, func(ctx context.Context, event Event) error {
		panic("handler panicked")
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	_, err = eb.Subscribe([]EventType{EventRunFailed}, func(ctx context.Context, event Event) error {
		received <- event.Type()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for _, typ := range []EventType{EventTaskError, EventStepFailed, EventRunFailed} {
		if err := eb.Publish(context.Background(), NewEvent(typ, nil, "test", nil)); err != nil {
			t.Fatalf("Publish %v failed: %v", typ, err)
		}
	}
	waitFor(t, received, EventRunFailed)
}

func TestChannelEventBus_ContextCancellation(t *testing.T) {
	eb := NewChannelEventBus(WithBufferSize(1), WithWorkerCount(1))
	defer eb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	received := make(chan struct{}, 1)
	_, err := eb.Subscribe([]EventType{EventTaskRunning}, func(ctx context.Context, event Event) error {
		received <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	cancel()
	if err := eb.Publish(ctx, NewEvent(EventTaskRunning, nil, "test", nil)); err == nil {
		t.Fatal("expected Publish to fail with a cancelled context")
	}

	select {
	case <-received:
		t.Error("handler should not be called after context cancellation")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelEventBus_SubscribeEverythingAndUnsubscribe(t *testing.T) {
	eb := NewChannelEventBus(WithBufferSize(4), WithWorkerCount(1))
	defer eb.Close()

	received := make(chan EventType, 4)
	id, err := eb.Subscribe(nil, func(ctx context.Context, event Event) error {
		received <- event.Type()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := eb.Publish(context.Background(), NewEvent(EventUnitCreated, nil, "pool", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	waitFor(t, received, EventUnitCreated)

	if err := eb.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := eb.Publish(context.Background(), NewEvent(EventUnitTerminated, nil, "pool", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	select {
	case typ := <-received:
		t.Errorf("unsubscribed handler received %v", typ)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelEventBus_PublishAfterClose(t *testing.T) {
	eb := NewChannelEventBus()
	if err := eb.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := eb.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if err := eb.Publish(context.Background(), NewEvent(EventRunState, nil, "test", nil)); err == nil {
		t.Error("expected error publishing on a closed bus")
	}
	if _, err := eb.Subscribe(nil, func(context.Context, Event) error { return nil }); err == nil {
		t.Error("expected error subscribing on a closed bus")
	}
}
