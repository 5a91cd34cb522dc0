package events

import (
	"sync"

	"torrentjobs/internal/domain"
)

// Subscription buffers delivered events without bound and hands them out in
// order on C. It implements domain.Listener, so it can also be attached to a
// single job through a descriptor or Bus.Bind.
type Subscription struct {
	bus   *Bus
	types map[domain.EventType]struct{}

	mu     sync.Mutex
	queue  []domain.Event
	closed bool

	notify    chan struct{}
	out       chan domain.Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewSubscription creates a subscription that is not attached to any bus.
func NewSubscription(types ...domain.EventType) *Subscription {
	s := &Subscription{
		notify: make(chan struct{}, 1),
		out:    make(chan domain.Event),
		done:   make(chan struct{}),
	}
	if len(types) > 0 {
		s.types = make(map[domain.EventType]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	go s.pump()
	return s
}

// C returns the receive channel. It is closed after Close.
func (s *Subscription) C() <-chan domain.Event { return s.out }

func (s *Subscription) Deliver(ev domain.Event) {
	if s.types != nil {
		if _, ok := s.types[ev.Type]; !ok {
			return
		}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of events not yet received.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close detaches the subscription from its bus and closes C. Undelivered
// events are dropped.
func (s *Subscription) Close() {
	if s.bus != nil {
		s.bus.unsubscribe(s)
	}
	s.closeLocal()
}

func (s *Subscription) closeLocal() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = domain.Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
