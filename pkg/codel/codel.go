// Package codel implements the admission queue of §4.8/C9: a CoDel-style
// buffer that starts FIFO while idle and switches to LIFO once requests
// are sitting in the queue long enough to indicate congestion, always
// draining expired entries first. Ported from
// original_source/crates/common/src/codel_queue.rs; the async wrapper
// trades the Rust Stream/Event pair for a one-slot channel used as the
// lock and an unbuffered notify channel that is closed and replaced to
// wake every waiter at once.
package codel

import (
	"context"
	"errors"
	"time"
)

// ErrQueueFull is returned by Push/TrySend when the queue is at capacity.
var ErrQueueFull = errors.New("codel: queue is full")

// Expired reports that the popped item sat in the queue past its
// deadline; the caller should treat it as dropped rather than served.
type Expired struct{}

func (Expired) Error() string { return "codel: item expired in queue" }

type entry[T any] struct {
	item     T
	deadline time.Time
}

// Queue is a single CoDel admission buffer. Not safe for concurrent use on
// its own — Sender/Receiver add the locking.
type Queue[T any] struct {
	buffer             []entry[T]
	capacity           int
	lastTimeEmpty      time.Time
	idleExpiration     time.Duration
	congestedExpiration time.Duration
	now                func() time.Time
}

// NewQueue constructs a queue bounded by capacity. idleExpiration is the
// deadline granted to items while the queue has been empty recently;
// congestedExpiration is the shorter deadline used once it hasn't.
func NewQueue[T any](capacity int, idleExpiration, congestedExpiration time.Duration) *Queue[T] {
	return &Queue[T]{
		capacity:            capacity,
		lastTimeEmpty:       time.Now(),
		idleExpiration:      idleExpiration,
		congestedExpiration: congestedExpiration,
		now:                 time.Now,
	}
}

// Len returns the number of items currently buffered.
func (q *Queue[T]) Len() int { return len(q.buffer) }

// IsEmpty reports whether the queue currently holds no items.
func (q *Queue[T]) IsEmpty() bool { return len(q.buffer) == 0 }

func (q *Queue[T]) updateLastTimeEmpty() {
	if q.IsEmpty() {
		q.lastTimeEmpty = q.now()
	}
}

func (q *Queue[T]) isIdle() bool {
	q.updateLastTimeEmpty()
	return q.lastTimeEmpty.Add(q.idleExpiration).After(q.now())
}

// Push appends item, failing with ErrQueueFull past capacity. The new
// item's deadline is set to the idle or congested expiration depending on
// whether the queue is presently idle.
func (q *Queue[T]) Push(item T) error {
	if len(q.buffer) >= q.capacity {
		return ErrQueueFull
	}
	q.updateLastTimeEmpty()
	expiration := q.congestedExpiration
	if q.isIdle() {
		expiration = q.idleExpiration
	}
	q.buffer = append(q.buffer, entry[T]{item: item, deadline: q.now().Add(expiration)})
	return nil
}

func (q *Queue[T]) popFront() (entry[T], bool) {
	if len(q.buffer) == 0 {
		return entry[T]{}, false
	}
	e := q.buffer[0]
	q.buffer = q.buffer[1:]
	q.updateLastTimeEmpty()
	return e, true
}

func (q *Queue[T]) popBack() (entry[T], bool) {
	if len(q.buffer) == 0 {
		return entry[T]{}, false
	}
	last := len(q.buffer) - 1
	e := q.buffer[last]
	q.buffer = q.buffer[:last]
	q.updateLastTimeEmpty()
	return e, true
}

// Pop removes and returns the next item per the CoDel policy: drain an
// already-expired head first, otherwise pop FIFO while idle and LIFO
// while congested. The returned error is non-nil (an Expired) when the
// returned item sat past its own deadline.
func (q *Queue[T]) Pop() (T, error, bool) {
	now := q.now()
	var e entry[T]
	var ok bool
	if len(q.buffer) > 0 && q.buffer[0].deadline.Before(now) {
		e, ok = q.popFront()
	} else if q.isIdle() {
		e, ok = q.popFront()
	} else {
		e, ok = q.popBack()
	}
	if !ok {
		var zero T
		return zero, nil, false
	}
	if e.deadline.Before(now) {
		return e.item, Expired{}, true
	}
	return e.item, nil, true
}

// Sender/Receiver wrap Queue with a mutex and a single notify channel,
// giving blocking consumers a way to wait for TrySend without polling.

type shared[T any] struct {
	mu      chan struct{} // 1-buffered binary mutex
	queue   *Queue[T]
	notify  chan struct{}
	senders int
}

func newShared[T any](q *Queue[T]) *shared[T] {
	s := &shared[T]{mu: make(chan struct{}, 1), queue: q, notify: make(chan struct{}), senders: 1}
	s.mu <- struct{}{}
	return s
}

func (s *shared[T]) lock()   { <-s.mu }
func (s *shared[T]) unlock() { s.mu <- struct{}{} }

// wake closes and replaces the notify channel, releasing every blocked
// receiver exactly once (mirrors event_listener::Event::notify(MAX)).
func (s *shared[T]) wake() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// Sender pushes items into a shared CoDel queue.
type Sender[T any] struct {
	s *shared[T]
}

// Receiver pops items from a shared CoDel queue, blocking until one is
// available or every sender has gone away.
type Receiver[T any] struct {
	s *shared[T]
}

// NewAsync builds a connected Sender/Receiver pair over a fresh queue.
func NewAsync[T any](capacity int, idleExpiration, congestedExpiration time.Duration) (Sender[T], Receiver[T]) {
	s := newShared[T](NewQueue[T](capacity, idleExpiration, congestedExpiration))
	return Sender[T]{s: s}, Receiver[T]{s: s}
}

// TrySend enqueues item without blocking, failing with ErrQueueFull if the
// queue is at capacity.
func (snd Sender[T]) TrySend(item T) error {
	snd.s.lock()
	defer snd.s.unlock()
	if err := snd.s.queue.Push(item); err != nil {
		return err
	}
	snd.s.wake()
	return nil
}

// Clone returns a new Sender sharing the same queue, incrementing the
// live-sender count Receiver.Next checks to detect that every Sender is gone.
func (snd Sender[T]) Clone() Sender[T] {
	snd.s.lock()
	snd.s.senders++
	snd.s.unlock()
	return Sender[T]{s: snd.s}
}

// Close drops this sender's reference; once every clone has closed, blocked
// receivers are woken and told the queue is done via ok=false.
func (snd Sender[T]) Close() {
	snd.s.lock()
	snd.s.senders--
	done := snd.s.senders == 0
	if done {
		snd.s.wake()
	}
	snd.s.unlock()
}

// Clone returns a new Receiver sharing the same queue.
func (r Receiver[T]) Clone() Receiver[T] { return Receiver[T]{s: r.s} }

// Next blocks until an item is available, the context is canceled, or
// every sender has closed (ok=false). err is non-nil (Expired) when the
// returned item sat past its deadline.
func (r Receiver[T]) Next(ctx context.Context) (item T, err error, ok bool) {
	for {
		r.s.lock()
		if v, e, popped := r.s.queue.Pop(); popped {
			r.s.unlock()
			return v, e, true
		}
		closed := r.s.senders == 0
		notify := r.s.notify
		r.s.unlock()
		if closed {
			var zero T
			return zero, nil, false
		}
		select {
		case <-notify:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err(), false
		}
	}
}
