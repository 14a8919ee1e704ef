package events

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	return Event{}
}

func TestEmit_FiltersByType(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	got := make(chan Event, 4)
	bus.Subscribe("test", func(ctx context.Context, e Event) error {
		got <- e
		return nil
	}, EventResolveStarted, EventResolveFinished)

	bus.Emit(context.Background(), Event{Type: EventFieldResolved})
	bus.Emit(context.Background(), Event{Type: EventResolveFinished, Source: "engine"})

	e := waitFor(t, got)
	if e.Type != EventResolveFinished || e.Source != "engine" {
		t.Errorf("unexpected event %+v", e)
	}
	select {
	case e := <-got:
		t.Errorf("unsubscribed type delivered: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmit_HandlerContextOutlivesEmitter(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	errs := make(chan error, 1)
	bus.Subscribe("test", func(ctx context.Context, e Event) error {
		errs <- ctx.Err()
		return nil
	}, EventShutdown)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Emit(ctx, Event{Type: EventShutdown})

	select {
	case err := <-errs:
		if err != nil {
			t.Errorf("handler saw a cancelled context: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	noop := func(ctx context.Context, e Event) error { return nil }
	bus.Subscribe("a", noop, EventResolveStarted, EventShutdown)
	bus.Subscribe("b", noop, EventResolveStarted)

	bus.Unsubscribe("a")
	if n := bus.HandlerCount(EventResolveStarted); n != 1 {
		t.Errorf("expected 1 handler, got %d", n)
	}
	if n := bus.HandlerCount(EventShutdown); n != 0 {
		t.Errorf("expected 0 handlers, got %d", n)
	}
}

func TestStop_WaitsAndDropsLaterEvents(t *testing.T) {
	bus := NewEventBus()

	var calls atomic.Int32
	bus.Subscribe("slow", func(ctx context.Context, e Event) error {
		time.Sleep(30 * time.Millisecond)
		calls.Add(1)
		return nil
	}, EventFieldResolved)

	bus.Emit(context.Background(), Event{Type: EventFieldResolved})
	bus.Stop()
	if calls.Load() != 1 {
		t.Fatalf("Stop returned before the in-flight handler finished")
	}

	bus.Emit(context.Background(), Event{Type: EventFieldResolved})
	bus.Stop()
	if calls.Load() != 1 {
		t.Errorf("event emitted after Stop was delivered")
	}
}

func TestEmit_RecoversPanics(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	got := make(chan Event, 1)
	bus.Subscribe("panics", func(ctx context.Context, e Event) error {
		panic("boom")
	}, EventShutdown)
	bus.Subscribe("ok", func(ctx context.Context, e Event) error {
		got <- e
		return nil
	}, EventShutdown)

	bus.Emit(context.Background(), Event{Type: EventShutdown})
	waitFor(t, got)
}
