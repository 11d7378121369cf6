package engine

import (
	"sync"
	"sync/atomic"
)

// ingress is a bounded FIFO feeding the forwarder. Its channel is closed once
// the last producer handle is released, and it cannot be reopened.
type ingress struct {
	kind    Kind
	ch      chan Event
	mu      sync.RWMutex
	handles int
	closed  bool
}

func newIngress(kind Kind, capacity int) *ingress {
	return &ingress{kind: kind, ch: make(chan Event, capacity)}
}

func (q *ingress) acquire() (*Producer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	q.handles++
	return &Producer{q: q}, nil
}

func (q *ingress) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handles--
	if q.handles == 0 && !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Producer is a handle on one ingress queue. The queue stays open while at
// least one Producer for it is unreleased.
type Producer struct {
	q        *ingress
	released atomic.Bool
}

// Kind returns the kind of events this producer accepts.
func (p *Producer) Kind() Kind { return p.q.kind }

// TrySend enqueues ev without blocking. It fails with ErrResourceExhausted
// when the queue is full and ErrClosed after Release.
func (p *Producer) TrySend(ev Event) error {
	if p.released.Load() {
		return ErrClosed
	}
	p.q.mu.RLock()
	defer p.q.mu.RUnlock()
	if p.q.closed {
		return ErrClosed
	}
	select {
	case p.q.ch <- ev:
		return nil
	default:
		return ErrResourceExhausted
	}
}

// Release drops the handle. Releasing twice is a no-op.
func (p *Producer) Release() {
	if p.released.CompareAndSwap(false, true) {
		p.q.release()
	}
}

// outbound is a subscriber's bounded queue. The forwarder is its only writer;
// the subscriber marks it closed through done.
type outbound struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func newOutbound(capacity int) *outbound {
	return &outbound{
		ch:   make(chan Event, capacity),
		done: make(chan struct{}),
	}
}

func (o *outbound) trySend(ev Event) error {
	select {
	case <-o.done:
		return ErrSubscriberGone
	default:
	}
	select {
	case o.ch <- ev:
		return nil
	default:
		return errQueueFull
	}
}

func (o *outbound) close() {
	o.once.Do(func() { close(o.done) })
}
