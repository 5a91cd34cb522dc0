package events

import (
	"fmt"
	"testing"
	"time"

	"torrentjobs/internal/domain"
)

func recv(t *testing.T, sub *Subscription) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		if !ok {
			t.Fatalf("subscription closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return domain.Event{}
}

func expectNone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe()

	for i := 0; i < 100; i++ {
		bus.Publish(domain.Event{Type: domain.EventJobAdded, JobID: "a", CallerID: fmt.Sprintf("req-%d", i)})
	}
	for i := 0; i < 100; i++ {
		ev := recv(t, sub)
		if ev.CallerID != fmt.Sprintf("req-%d", i) {
			t.Fatalf("event %d out of order: %q", i, ev.CallerID)
		}
		if ev.At.IsZero() {
			t.Fatalf("event timestamp not set")
		}
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe(domain.EventNoMoreTasks)

	bus.Publish(domain.Event{Type: domain.EventJobAdded, JobID: "a"})
	bus.Publish(domain.Event{Type: domain.EventNoMoreTasks})

	if ev := recv(t, sub); ev.Type != domain.EventNoMoreTasks {
		t.Fatalf("got %s", ev.Type)
	}
	expectNone(t, sub)
}

func TestBindDeliversOnlyMatchingJob(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	l := NewSubscription()
	defer l.Close()
	bus.Bind("a", l)

	bus.Publish(domain.Event{Type: domain.EventJobPaused, JobID: "b"})
	bus.Publish(domain.Event{Type: domain.EventJobPaused, JobID: "a"})

	if ev := recv(t, l); ev.JobID != "a" {
		t.Fatalf("got event for %q", ev.JobID)
	}
	expectNone(t, l)
}

func TestBindOverwritesPreviousListener(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	first := NewSubscription()
	second := NewSubscription()
	defer first.Close()
	defer second.Close()

	bus.Bind("a", first)
	bus.Bind("a", second)
	bus.Publish(domain.Event{Type: domain.EventJobResumed, JobID: "a"})

	recv(t, second)
	expectNone(t, first)
}

func TestUnbindIsIdempotent(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	l := NewSubscription()
	defer l.Close()

	bus.Bind("a", l)
	bus.Unbind("a")
	bus.Unbind("a")
	bus.Unbind("missing")
	if bus.Bound("a") {
		t.Fatalf("listener still bound")
	}
	bus.Publish(domain.Event{Type: domain.EventJobRemoved, JobID: "a"})
	expectNone(t, l)
}

func TestDirectListenerReceivesOnce(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	l := NewSubscription()
	defer l.Close()
	bus.Bind("a", l)

	bus.Publish(domain.Event{Type: domain.EventJobAdded, JobID: "a"}, l)
	recv(t, l)
	expectNone(t, l)
}

func TestDirectListenerFunc(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	got := make(chan domain.Event, 2)
	fn := ListenerFunc(func(ev domain.Event) { got <- ev })
	bus.Bind("a", fn)
	bus.Publish(domain.Event{Type: domain.EventJobFailed, CallerID: "req-1"}, fn)

	select {
	case ev := <-got:
		if ev.CallerID != "req-1" {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("direct listener not called")
	}
}

func TestSubscriptionCloseClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe()
	sub.Close()
	sub.Close()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed")
	}
	bus.Publish(domain.Event{Type: domain.EventNoMoreTasks})
}

func TestBusCloseClosesSubscriptions(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	bus.Close()
	bus.Close()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed")
	}

	late := bus.Subscribe()
	if _, ok := <-late.C(); ok {
		t.Fatalf("subscription on closed bus should be closed")
	}
}

func TestSlowReaderDoesNotBlockPublisher(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(domain.Event{Type: domain.EventJobPaused, JobID: "a"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publisher blocked on slow reader")
	}
	recv(t, sub)
}

func TestListenerMayReenterBus(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe()

	returned := make(chan struct{})
	bus.Bind("a", ListenerFunc(func(ev domain.Event) {
		if ev.Type != domain.EventJobAdded {
			return
		}
		bus.Unbind("a")
		bus.Bind("b", ListenerFunc(func(domain.Event) {}))
		bus.Publish(domain.Event{Type: domain.EventJobPaused, JobID: "a"})
		close(returned)
	}))

	go bus.Publish(domain.Event{Type: domain.EventJobAdded, JobID: "a"})
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatalf("listener calling back into the bus never returned")
	}

	if ev := recv(t, sub); ev.Type != domain.EventJobAdded {
		t.Fatalf("first event = %s", ev.Type)
	}
	if ev := recv(t, sub); ev.Type != domain.EventJobPaused {
		t.Fatalf("second event = %s", ev.Type)
	}
	if bus.Bound("a") || !bus.Bound("b") {
		t.Fatalf("bindings not updated from inside the listener")
	}
}

func TestPanickingListenerDoesNotStallBus(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe(domain.EventJobResumed)

	bus.Bind("a", ListenerFunc(func(domain.Event) { panic("listener bug") }))
	func() {
		defer func() { _ = recover() }()
		bus.Publish(domain.Event{Type: domain.EventJobPaused, JobID: "a"})
	}()

	bus.Publish(domain.Event{Type: domain.EventJobResumed, JobID: "b"})
	if ev := recv(t, sub); ev.JobID != "b" {
		t.Fatalf("got %+v", ev)
	}
}
