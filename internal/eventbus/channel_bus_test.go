package eventbus

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func collectInto(ch chan<- Event) Handler {
	return func(ctx context.Context, event Event) error {
		ch <- event
		return nil
	}
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event delivery")
		return Event{}
	}
}

func assertQuiet(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected delivery: %v", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribe_FiltersByType(t *testing.T) {
	bus := NewChannelBus()
	defer bus.Close()

	got := make(chan Event, 10)
	if _, err := bus.Subscribe([]EventType{EventTaskFailed}, collectInto(got)); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := bus.Publish(ctx, NewTaskEvent(EventTaskStarted, "test", "r1", "t1", nil)); err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(ctx, NewTaskEvent(EventTaskFailed, "test", "r1", "t1", nil)); err != nil {
		t.Fatal(err)
	}

	e := waitEvent(t, got)
	if e.Type != EventTaskFailed {
		t.Errorf("delivered %s, want %s", e.Type, EventTaskFailed)
	}
	if e.RunID != "r1" || e.TaskID != "t1" {
		t.Errorf("event scope = %s/%s, want r1/t1", e.RunID, e.TaskID)
	}
	assertQuiet(t, got)
}

func TestSubscribeAll_ReceivesEveryType(t *testing.T) {
	bus := NewChannelBus(WithWorkerCount(1))
	defer bus.Close()

	got := make(chan Event, 10)
	if _, err := bus.SubscribeAll(collectInto(got)); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	published := []EventType{EventWorkflowStarted, EventTaskCompleted, EventResourceConstraint}
	for _, et := range published {
		if err := bus.Publish(ctx, NewEvent(et, "test", "r1", nil)); err != nil {
			t.Fatal(err)
		}
	}

	// A single worker preserves publish order.
	for _, want := range published {
		if e := waitEvent(t, got); e.Type != want {
			t.Errorf("delivered %s, want %s", e.Type, want)
		}
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	bus := NewChannelBus()
	defer bus.Close()

	got := make(chan Event, 10)
	id, err := bus.SubscribeAll(collectInto(got))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := bus.Publish(ctx, NewEvent(EventWorkflowStarted, "test", "r1", nil)); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, got)

	if err := bus.Unsubscribe(id); err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(ctx, NewEvent(EventWorkflowCompleted, "test", "r1", nil)); err != nil {
		t.Fatal(err)
	}
	assertQuiet(t, got)
}

func TestPublish_AfterCloseErrors(t *testing.T) {
	bus := NewChannelBus()
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(context.Background(), NewEvent(EventWorkflowStarted, "test", "r1", nil)); err == nil {
		t.Error("publish on a closed bus must fail")
	}
	if _, err := bus.SubscribeAll(collectInto(make(chan Event, 1))); err == nil {
		t.Error("subscribe on a closed bus must fail")
	}
	// Close is idempotent.
	if err := bus.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestSubscribe_Validation(t *testing.T) {
	bus := NewChannelBus()
	defer bus.Close()

	if _, err := bus.Subscribe(nil, collectInto(make(chan Event, 1))); err == nil {
		t.Error("subscribe without event types must fail")
	}
	if _, err := bus.Subscribe([]EventType{EventTaskStarted}, nil); err == nil {
		t.Error("subscribe with a nil handler must fail")
	}
	if _, err := bus.SubscribeAll(nil); err == nil {
		t.Error("subscribe-all with a nil handler must fail")
	}
}

func TestDeliver_RetriesFailingHandler(t *testing.T) {
	bus := NewChannelBus(WithHandlerRetries(2, time.Millisecond))
	defer bus.Close()

	var calls atomic.Int32
	done := make(chan struct{})
	_, err := bus.SubscribeAll(func(ctx context.Context, event Event) error {
		if calls.Add(1) < 3 {
			return fmt.Errorf("transient")
		}
		close(done)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := bus.Publish(context.Background(), NewEvent(EventTaskFailed, "test", "r1", nil)); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never succeeded after retries")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("handler ran %d times, want 3", got)
	}
}

func TestEvent_MetadataChaining(t *testing.T) {
	e := NewTaskEvent(EventTaskCompleted, "scheduler", "r1", "t1", map[string]string{"out": "v"}).
		WithMetadata("duration_ms", int64(42)).
		WithMetadata("retries", 0)

	if e.Metadata["duration_ms"] != int64(42) {
		t.Errorf("duration_ms = %v", e.Metadata["duration_ms"])
	}
	if e.Metadata["retries"] != 0 {
		t.Errorf("retries = %v", e.Metadata["retries"])
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}
