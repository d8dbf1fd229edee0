package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"clinic_engine/platform/logger"
)

type testEvent struct {
	BaseEvent
	name string
}

func (e testEvent) EventName() string { return e.name }

func TestPublishSyncDeliversToNamedAndWildcardHandlers(t *testing.T) {
	bus := NewInMemoryBus(logger.Nop())
	var named, wildcard int32

	bus.Subscribe("actions.generated", HandlerFunc(func(context.Context, Event) error {
		atomic.AddInt32(&named, 1)
		return nil
	}))
	bus.Subscribe(Wildcard, HandlerFunc(func(context.Context, Event) error {
		atomic.AddInt32(&wildcard, 1)
		return nil
	}))

	evt := testEvent{BaseEvent: NewBaseEvent(time.Time{}), name: "actions.generated"}
	if err := bus.PublishSync(context.Background(), evt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if named != 1 || wildcard != 1 {
		t.Fatalf("expected one delivery each, got named=%d wildcard=%d", named, wildcard)
	}
}

func TestPublishSyncJoinsHandlerErrors(t *testing.T) {
	bus := NewInMemoryBus(logger.Nop())
	boom := errors.New("boom")
	bus.Subscribe("x", HandlerFunc(func(context.Context, Event) error { return boom }))

	err := bus.PublishSync(context.Background(), testEvent{name: "x"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined handler error, got %v", err)
	}
}

func TestPublishRunsAsynchronously(t *testing.T) {
	bus := NewInMemoryBus(logger.Nop())
	var calls int32
	bus.Subscribe("x", HandlerFunc(func(context.Context, Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	bus.Publish(context.Background(), testEvent{name: "x"})
	bus.Wait()

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected handler to run once, got %d", calls)
	}
}
