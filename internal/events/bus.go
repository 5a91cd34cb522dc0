package events

import (
	"reflect"
	"sync"
	"time"

	"torrentjobs/internal/domain"
)

// ListenerFunc adapts a function to domain.Listener.
type ListenerFunc func(domain.Event)

func (f ListenerFunc) Deliver(ev domain.Event) { f(ev) }

// Bus fans engine events out to subscriptions and per-job listeners.
// Recipients are fixed when an event is published. Delivery runs outside the
// bus lock through a single FIFO, so receivers observe events in publish
// order and a listener may call back into the bus or the engine.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	jobs   map[domain.JobID]domain.Listener
	closed bool
	now    func() time.Time

	queue      []delivery
	delivering bool
}

// delivery is one published event and the receivers it was addressed to.
type delivery struct {
	ev     domain.Event
	subs   []*Subscription
	bound  domain.Listener
	direct []domain.Listener
}

func (d delivery) run() {
	for _, sub := range d.subs {
		sub.Deliver(d.ev)
	}
	if d.bound != nil {
		d.bound.Deliver(d.ev)
	}
	for _, l := range d.direct {
		l.Deliver(d.ev)
	}
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
		jobs: make(map[domain.JobID]domain.Listener),
		now:  time.Now,
	}
}

// Subscribe registers an engine-wide subscription. With no types it
// receives every event.
func (b *Bus) Subscribe(types ...domain.EventType) *Subscription {
	sub := NewSubscription(types...)
	sub.bus = b

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closeLocal()
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Bind attaches l to job id, replacing any listener already bound.
func (b *Bus) Bind(id domain.JobID, l domain.Listener) {
	if id == "" || l == nil {
		return
	}
	b.mu.Lock()
	b.jobs[id] = l
	b.mu.Unlock()
}

// Unbind detaches the listener of job id. Unbinding an unknown id is a no-op.
func (b *Bus) Unbind(id domain.JobID) {
	b.mu.Lock()
	delete(b.jobs, id)
	b.mu.Unlock()
}

func (b *Bus) UnbindAll() {
	b.mu.Lock()
	clear(b.jobs)
	b.mu.Unlock()
}

func (b *Bus) Bound(id domain.JobID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.jobs[id]
	return ok
}

// Publish delivers ev to matching subscriptions, to the listener bound to
// its job, and to each direct listener. A direct listener that is also the
// bound one receives the event once.
//
// When another goroutine is already delivering, or when Publish is called
// from inside a listener, ev is queued behind the events in flight and
// Publish returns before it is delivered.
func (b *Bus) Publish(ev domain.Event, direct ...domain.Listener) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	b.queue = append(b.queue, b.addressLocked(ev, direct))
	if b.delivering {
		b.mu.Unlock()
		return
	}
	b.delivering = true
	b.mu.Unlock()

	b.drain()
}

func (b *Bus) addressLocked(ev domain.Event, direct []domain.Listener) delivery {
	d := delivery{ev: ev}
	if len(b.subs) > 0 {
		d.subs = make([]*Subscription, 0, len(b.subs))
		for sub := range b.subs {
			d.subs = append(d.subs, sub)
		}
	}
	if ev.JobID != "" {
		d.bound = b.jobs[ev.JobID]
	}
	for _, l := range direct {
		if l == nil || sameListener(l, d.bound) {
			continue
		}
		d.direct = append(d.direct, l)
	}
	return d
}

// drain delivers queued events until the queue is empty. Only the goroutine
// that set b.delivering runs it. A panicking listener releases the role so a
// later Publish resumes delivery.
func (b *Bus) drain() {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.delivering = false
			b.mu.Unlock()
			panic(r)
		}
	}()
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.delivering = false
			b.mu.Unlock()
			return
		}
		d := b.queue[0]
		b.queue[0] = delivery{}
		b.queue = b.queue[1:]
		b.mu.Unlock()

		d.run()
	}
}

// Close closes every subscription and drops job bindings. Later publishes
// are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	clear(b.subs)
	b.queue = nil
	clear(b.jobs)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.closeLocal()
	}
}

func sameListener(a, b domain.Listener) bool {
	if a == nil || b == nil {
		return false
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}
