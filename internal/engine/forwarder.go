package engine

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"
)

// Forwarder is the single worker that drains both ingress queues and fans
// each event out to the current subscribers of its kind.
//
// When both queues have pending events the forwarder alternates strictly
// between them, so neither kind can starve the other.
type Forwarder struct {
	packets    <-chan Event
	bundles    <-chan Event
	packetSubs *Registry
	bundleSubs *Registry
	log        *slog.Logger
	rec        Recorder

	// trace is called before each dispatch; tests use it to observe order.
	trace func(Event)
}

// NewForwarder wires a forwarder to its queues and registries.
func NewForwarder(packets, bundles <-chan Event, packetSubs, bundleSubs *Registry, log *slog.Logger, rec Recorder) *Forwarder {
	if log == nil {
		log = slog.Default()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Forwarder{
		packets:    packets,
		bundles:    bundles,
		packetSubs: packetSubs,
		bundleSubs: bundleSubs,
		log:        log,
		rec:        rec,
	}
}

// Run forwards events until both ingress queues are closed and drained, then
// returns ErrShutdown. It does not restart itself.
func (f *Forwarder) Run() error {
	packets, bundles := f.packets, f.bundles
	turn := KindPacket
	for packets != nil || bundles != nil {
		var ev Event
		if turn == KindPacket {
			if ev = f.poll(&packets, KindPacket); ev == nil {
				ev = f.poll(&bundles, KindBundle)
			}
		} else {
			if ev = f.poll(&bundles, KindBundle); ev == nil {
				ev = f.poll(&packets, KindPacket)
			}
		}
		if ev == nil {
			// both polls may have observed closure; wait needs a live queue
			if packets == nil && bundles == nil {
				break
			}
			ev = f.wait(&packets, &bundles)
		}
		if ev == nil {
			continue
		}
		f.dispatch(ev)
		if ev.Kind() == KindPacket {
			turn = KindBundle
		} else {
			turn = KindPacket
		}
	}
	f.log.Warn("all ingress queues closed, forwarder exiting")
	return ErrShutdown
}

// poll receives from *ch without blocking. A closed channel is set to nil.
func (f *Forwarder) poll(ch *<-chan Event, kind Kind) Event {
	if *ch == nil {
		return nil
	}
	select {
	case ev, ok := <-*ch:
		if !ok {
			f.closed(ch, kind)
			return nil
		}
		return ev
	default:
		return nil
	}
}

// wait blocks until either queue yields an event or closes. A nil channel
// never becomes ready, so a closed queue drops out of the select. At least one
// queue must still be open.
func (f *Forwarder) wait(packets, bundles *<-chan Event) Event {
	select {
	case ev, ok := <-*packets:
		if !ok {
			f.closed(packets, KindPacket)
			return nil
		}
		return ev
	case ev, ok := <-*bundles:
		if !ok {
			f.closed(bundles, KindBundle)
			return nil
		}
		return ev
	}
}

func (f *Forwarder) closed(ch *<-chan Event, kind Kind) {
	*ch = nil
	f.log.Warn("ingress queue closed", "kind", kind)
}

func (f *Forwarder) registry(kind Kind) *Registry {
	if kind == KindPacket {
		return f.packetSubs
	}
	return f.bundleSubs
}

// dispatch attempts a non-blocking delivery of ev to every subscriber of its
// kind, then evicts the subscribers whose queues were closed.
func (f *Forwarder) dispatch(ev Event) {
	if f.trace != nil {
		f.trace(ev)
	}
	kind := ev.Kind()
	reg := f.registry(kind)

	var gone []uuid.UUID
	for _, sub := range reg.snapshot() {
		err := sub.out.trySend(ev)
		switch {
		case err == nil:
			f.rec.Delivered(kind.String())
			f.log.Debug("event forwarded", "kind", kind, "subscriber", sub.id)
		case errors.Is(err, ErrSubscriberGone):
			f.rec.Gone(kind.String())
			f.log.Warn("subscriber channel closed", "kind", kind, "subscriber", sub.id)
			gone = append(gone, sub.id)
		default:
			f.rec.Dropped(kind.String())
			f.log.Warn("subscriber channel full", "kind", kind, "subscriber", sub.id)
		}
	}
	for _, id := range gone {
		if reg.Evict(id) {
			f.rec.Evicted(kind.String())
			f.log.Info("removing subscription", "kind", kind, "subscriber", id)
		}
	}
}
