package engine

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultSubscriberBuffer is the outbound queue capacity of each subscriber.
const DefaultSubscriberBuffer = 1000

// Subscription is a registered consumer of one event kind. Events are read from
// Events until Close; after Close the forwarder evicts the subscription the next
// time it tries to deliver to it.
type Subscription struct {
	id   uuid.UUID
	kind Kind
	out  *outbound
}

// ID is freshly generated on every registration and never reused.
func (s *Subscription) ID() uuid.UUID { return s.id }

func (s *Subscription) Kind() Kind { return s.kind }

// Events yields delivered events in ingestion order. The channel is never closed.
func (s *Subscription) Events() <-chan Event { return s.out.ch }

// Done is closed once Close has been called.
func (s *Subscription) Done() <-chan struct{} { return s.out.done }

// Close marks the outbound queue closed. It is safe to call more than once.
func (s *Subscription) Close() { s.out.close() }

type entry struct {
	id  uuid.UUID
	out *outbound
}

// Registry maps subscriber ids to outbound queues for one event kind.
// Registration inserts; only the forwarder removes.
type Registry struct {
	kind     Kind
	capacity int

	mu   sync.Mutex
	subs map[uuid.UUID]*outbound

	// onLen receives the subscriber count after every change, under mu, so
	// concurrent updates are reported in the order they happened.
	onLen func(n int)
}

// NewRegistry creates a registry whose subscribers get queues of the given
// capacity. A non-positive capacity uses DefaultSubscriberBuffer.
func NewRegistry(kind Kind, capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultSubscriberBuffer
	}
	return &Registry{
		kind:     kind,
		capacity: capacity,
		subs:     make(map[uuid.UUID]*outbound),
	}
}

// Register allocates a fresh queue and id and inserts them.
func (r *Registry) Register() *Subscription {
	sub := &Subscription{
		id:   uuid.New(),
		kind: r.kind,
		out:  newOutbound(r.capacity),
	}
	r.mu.Lock()
	r.subs[sub.id] = sub.out
	r.changed()
	r.mu.Unlock()
	return sub
}

// snapshot copies the current entries. The lock is released before return so
// that delivery never runs under it.
func (r *Registry) snapshot() []entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entry, 0, len(r.subs))
	for id, q := range r.subs {
		out = append(out, entry{id: id, out: q})
	}
	return out
}

// Evict removes id and reports whether it was present.
func (r *Registry) Evict(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return false
	}
	delete(r.subs, id)
	r.changed()
	return true
}

func (r *Registry) changed() {
	if r.onLen != nil {
		r.onLen(len(r.subs))
	}
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[id]
	return ok
}

// Len returns the number of registered subscribers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
