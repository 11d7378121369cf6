package engine

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/blockengine/internal/proto"
)

const waitFor = 2 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type harness struct {
	packetIn   *ingress
	bundleIn   *ingress
	pp         *Producer
	bp         *Producer
	packetSubs *Registry
	bundleSubs *Registry
	fwd        *Forwarder
	errc       chan error

	mu    sync.Mutex
	trace []Kind
}

func newHarness(t *testing.T, packetBuf, bundleBuf int) *harness {
	t.Helper()
	h := &harness{
		packetIn:   newIngress(KindPacket, 64),
		bundleIn:   newIngress(KindBundle, 64),
		packetSubs: NewRegistry(KindPacket, packetBuf),
		bundleSubs: NewRegistry(KindBundle, bundleBuf),
		errc:       make(chan error, 1),
	}
	var err error
	h.pp, err = h.packetIn.acquire()
	require.NoError(t, err)
	h.bp, err = h.bundleIn.acquire()
	require.NoError(t, err)
	h.fwd = NewForwarder(h.packetIn.ch, h.bundleIn.ch, h.packetSubs, h.bundleSubs, testLogger(), nil)
	h.fwd.trace = func(ev Event) {
		h.mu.Lock()
		h.trace = append(h.trace, ev.Kind())
		h.mu.Unlock()
	}
	return h
}

func (h *harness) start() {
	go func() { h.errc <- h.fwd.Run() }()
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.pp.Release()
	h.bp.Release()
	select {
	case err := <-h.errc:
		require.ErrorIs(t, err, ErrShutdown)
	case <-time.After(waitFor):
		t.Fatal("forwarder did not exit")
	}
}

func (h *harness) dispatched() []Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Kind(nil), h.trace...)
}

func bundleEvent(payload string) BundleEvent {
	return BundleEvent{
		Bundle: &proto.Bundle{Packets: []proto.Packet{proto.PacketFromBytes([]byte(payload))}},
		UUID:   "uuid-" + payload,
	}
}

func packetEvent(payload string) PacketBatchEvent {
	return PacketBatchEvent{Batch: &proto.PacketBatch{Packets: []proto.Packet{proto.PacketFromBytes([]byte(payload))}}}
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertEmpty(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestForwarderDeliversOneCopyToEachSubscriber(t *testing.T) {
	h := newHarness(t, 10, 10)
	subs := []*Subscription{h.packetSubs.Register(), h.packetSubs.Register(), h.packetSubs.Register()}
	bundleSub := h.bundleSubs.Register()
	h.start()

	ev := packetEvent("p1")
	require.NoError(t, h.pp.TrySend(ev))
	for _, sub := range subs {
		got := recv(t, sub)
		assert.Same(t, ev.Batch, got.(PacketBatchEvent).Batch)
	}
	h.stop(t)

	for _, sub := range subs {
		assertEmpty(t, sub)
	}
	assertEmpty(t, bundleSub)
}

func TestForwarderFullQueueDropsButKeepsSubscriber(t *testing.T) {
	h := newHarness(t, 1, 1)
	sub := h.bundleSubs.Register()
	h.start()

	require.NoError(t, h.bp.TrySend(bundleEvent("b1")))
	require.NoError(t, h.bp.TrySend(bundleEvent("b2")))
	h.stop(t)

	got := recv(t, sub)
	assert.Equal(t, "uuid-b1", got.(BundleEvent).UUID)
	assertEmpty(t, sub)
	assert.True(t, h.bundleSubs.Contains(sub.ID()))
}

func TestForwarderEvictsClosedSubscriber(t *testing.T) {
	h := newHarness(t, 10, 10)
	gone := h.bundleSubs.Register()
	live := h.bundleSubs.Register()
	gone.Close()
	h.start()

	require.NoError(t, h.bp.TrySend(bundleEvent("b1")))
	recv(t, live)
	require.Eventually(t, func() bool { return !h.bundleSubs.Contains(gone.ID()) }, waitFor, 5*time.Millisecond)

	require.NoError(t, h.bp.TrySend(bundleEvent("b2")))
	recv(t, live)
	h.stop(t)

	assert.False(t, h.bundleSubs.Contains(gone.ID()))
	assert.Equal(t, 1, h.bundleSubs.Len())
	assertEmpty(t, gone)
}

func TestForwarderFIFOPerKind(t *testing.T) {
	h := newHarness(t, 10, 10)
	sub := h.bundleSubs.Register()
	h.start()

	for _, p := range []string{"e1", "e2", "e3"} {
		require.NoError(t, h.bp.TrySend(bundleEvent(p)))
	}
	for _, want := range []string{"uuid-e1", "uuid-e2", "uuid-e3"} {
		assert.Equal(t, want, recv(t, sub).(BundleEvent).UUID)
	}
	h.stop(t)
}

func TestForwarderSlowBundleSubscriberDoesNotAffectPackets(t *testing.T) {
	h := newHarness(t, 50, 1)
	h.bundleSubs.Register() // never read
	packetSub := h.packetSubs.Register()
	h.start()

	for i := 0; i < 20; i++ {
		require.NoError(t, h.bp.TrySend(bundleEvent(fmt.Sprint(i))))
		require.NoError(t, h.pp.TrySend(packetEvent(fmt.Sprint(i))))
	}
	for i := 0; i < 20; i++ {
		got := recv(t, packetSub).(PacketBatchEvent)
		assert.Equal(t, []byte(fmt.Sprint(i)), got.Batch.Packets[0].Data)
	}
	h.stop(t)
}

func TestForwarderAlternatesWhenBothQueuesHaveData(t *testing.T) {
	h := newHarness(t, 10, 10)
	for i := 0; i < 5; i++ {
		require.NoError(t, h.pp.TrySend(packetEvent(fmt.Sprint(i))))
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, h.bp.TrySend(bundleEvent(fmt.Sprint(i))))
	}
	h.start()
	require.Eventually(t, func() bool { return len(h.dispatched()) == 13 }, waitFor, 5*time.Millisecond)
	h.stop(t)

	want := []Kind{
		KindPacket, KindBundle, KindPacket, KindBundle, KindPacket, KindBundle,
		KindPacket, KindBundle, KindPacket, KindBundle, KindBundle, KindBundle, KindBundle,
	}
	assert.Equal(t, want, h.dispatched())
}

func TestForwarderContinuesAfterOneQueueCloses(t *testing.T) {
	h := newHarness(t, 10, 10)
	sub := h.bundleSubs.Register()
	h.start()

	h.pp.Release()
	require.NoError(t, h.bp.TrySend(bundleEvent("after")))
	assert.Equal(t, "uuid-after", recv(t, sub).(BundleEvent).UUID)

	select {
	case err := <-h.errc:
		t.Fatalf("forwarder exited early: %v", err)
	default:
	}
	h.stop(t)
}

func TestForwarderDrainsBufferedEventsBeforeShutdown(t *testing.T) {
	h := newHarness(t, 10, 10)
	sub := h.bundleSubs.Register()
	require.NoError(t, h.bp.TrySend(bundleEvent("last")))
	h.pp.Release()
	h.bp.Release()

	h.start()
	select {
	case err := <-h.errc:
		assert.ErrorIs(t, err, ErrShutdown)
	case <-time.After(waitFor):
		t.Fatal("forwarder did not exit")
	}
	assert.Equal(t, "uuid-last", recv(t, sub).(BundleEvent).UUID)
}

func TestForwarderExitsWhenBothQueuesCloseTogether(t *testing.T) {
	for i := 0; i < 100; i++ {
		h := newHarness(t, 1, 1)
		h.start()
		// releasing back to back lets one pass observe both closures
		h.stop(t)
	}
}

func TestForwarderExitsWhenQueuesClosedBeforeStart(t *testing.T) {
	h := newHarness(t, 1, 1)
	h.pp.Release()
	h.bp.Release()
	h.start()
	select {
	case err := <-h.errc:
		assert.ErrorIs(t, err, ErrShutdown)
	case <-time.After(waitFor):
		t.Fatal("forwarder did not exit")
	}
	assert.Empty(t, h.dispatched())
}
