// Package events fans job events out to subscribers.
//
// Publish never blocks. Every subscription owns an unbounded FIFO queue
// drained by its own goroutine, so a slow subscriber delays only itself and
// no event is dropped while the subscription is open.
package events

import (
	"sync"

	"github.com/google/uuid"
)

// Envelope carries one published event with the job it belongs to.
type Envelope[E any] struct {
	JobID int64
	Seq   uint64
	Event E
}

// Predicate selects the envelopes a subscriber receives. nil accepts all.
type Predicate[E any] func(Envelope[E]) bool

// ForJob accepts envelopes of a single job.
func ForJob[E any](jobID int64) Predicate[E] {
	return func(env Envelope[E]) bool { return env.JobID == jobID }
}

// Bus is a publish/subscribe hub for events of type E.
type Bus[E any] struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription[E]
	seq    uint64
	closed bool
}

func NewBus[E any]() *Bus[E] {
	return &Bus[E]{subs: make(map[string]*Subscription[E])}
}

// Publish enqueues event for every matching subscriber.
func (b *Bus[E]) Publish(jobID int64, event E) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.seq++
	env := Envelope[E]{JobID: jobID, Seq: b.seq, Event: event}
	subs := make([]*Subscription[E], 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	// Enqueue under the bus lock so every subscriber sees publish order
	for _, s := range subs {
		if s.pred == nil || s.pred(env) {
			s.enqueue(env)
		}
	}
	b.mu.Unlock()
}

// Subscribe registers a subscriber. Only events published after the call are
// delivered.
func (b *Bus[E]) Subscribe(pred Predicate[E]) *Subscription[E] {
	s := &Subscription[E]{
		id:   uuid.New().String(),
		bus:  b,
		pred: pred,
		out:  make(chan Envelope[E]),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.out)
		return s
	}
	b.subs[s.id] = s
	go s.pump()
	return s
}

// Len returns the number of open subscriptions.
func (b *Bus[E]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription. Queued events are still delivered to
// subscribers that keep reading.
func (b *Bus[E]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*Subscription[E])
	b.mu.Unlock()

	for _, s := range subs {
		s.finish(true)
	}
}

// Subscription is one subscriber's view of the bus.
type Subscription[E any] struct {
	id   string
	bus  *Bus[E]
	pred Predicate[E]
	out  chan Envelope[E]
	done chan struct{}

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Envelope[E]
	draining bool // stop accepting, deliver what is queued
	stopped  bool // stop delivering
}

func (s *Subscription[E]) ID() string { return s.id }

// Events is closed after Unsubscribe or Bus.Close.
func (s *Subscription[E]) Events() <-chan Envelope[E] { return s.out }

// Unsubscribe stops delivery. Events still queued are discarded.
func (s *Subscription[E]) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.finish(false)
}

func (s *Subscription[E]) enqueue(env Envelope[E]) {
	s.mu.Lock()
	if !s.draining {
		s.queue = append(s.queue, env)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *Subscription[E]) finish(drain bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = true
	if !drain && !s.stopped {
		s.stopped = true
		s.queue = nil
		close(s.done)
	}
	s.cond.Signal()
}

func (s *Subscription[E]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.draining {
			s.cond.Wait()
		}
		if s.stopped || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		env := s.queue[0]
		s.queue[0] = Envelope[E]{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- env:
		case <-s.done:
			return
		}
	}
}
