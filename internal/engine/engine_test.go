package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/blockengine/internal/proto"
)

func newTestEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg, WithLogger(testLogger()))
	require.NoError(t, err)
	return e
}

func startEngine(t *testing.T, e *Engine) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- e.Run() }()
	t.Cleanup(e.Close)
	return errc
}

func TestEngineSubmitBundleReachesSubscriber(t *testing.T) {
	e := newTestEngine(t, nil)
	startEngine(t, e)

	a := e.RegisterBundleSubscriber()
	u1, err := e.SubmitBundle(validBundle("B1"))
	require.NoError(t, err)

	ev := recv(t, a).(BundleEvent)
	assert.Equal(t, u1, ev.UUID)
	assert.Equal(t, []byte("B1"), ev.Bundle.Packets[0].Data)
}

func TestEngineSubscriberSaturationDoesNotFailSubmission(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.SubscriberBuffer = 1 })
	errc := startEngine(t, e)

	b := e.RegisterBundleSubscriber()
	u1, err := e.SubmitBundle(validBundle("first"))
	require.NoError(t, err)
	_, err = e.SubmitBundle(validBundle("second"))
	require.NoError(t, err)

	e.Close()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrShutdown)
	case <-time.After(waitFor):
		t.Fatal("engine did not stop")
	}

	assert.Equal(t, u1, recv(t, b).(BundleEvent).UUID)
	assertEmpty(t, b)
	assert.Equal(t, 1, e.Subscribers(KindBundle))
}

func TestEnginePacketBatches(t *testing.T) {
	e := newTestEngine(t, nil)
	startEngine(t, e)

	sub := e.RegisterPacketSubscriber()
	bundleSub := e.RegisterBundleSubscriber()
	batch := &proto.PacketBatch{Packets: []proto.Packet{proto.PacketFromBytes([]byte("tx"))}}
	require.NoError(t, e.PushPacketBatch(batch))

	assert.Same(t, batch, recv(t, sub).(PacketBatchEvent).Batch)
	assertEmpty(t, bundleSub)

	err := e.PushPacketBatch(&proto.PacketBatch{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEngineShutdownWhenAllProducersReleased(t *testing.T) {
	e := newTestEngine(t, nil)
	extra, err := e.NewPacketProducer()
	require.NoError(t, err)
	errc := startEngine(t, e)

	e.Close()
	select {
	case err := <-errc:
		t.Fatalf("engine stopped while a producer was held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	extra.Release()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrShutdown)
	case <-time.After(waitFor):
		t.Fatal("engine did not stop")
	}
	<-e.Done()
	assert.ErrorIs(t, e.Run(), ErrShutdown)

	_, err = e.NewPacketProducer()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.SubmitBundle(validBundle("late"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEngineCloseBeforeRun(t *testing.T) {
	e := newTestEngine(t, nil)
	e.Close()

	errc := make(chan error, 1)
	go func() { errc <- e.Run() }()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrShutdown)
	case <-time.After(waitFor):
		t.Fatal("engine did not stop")
	}
}

func TestEngineRepeatedStartStop(t *testing.T) {
	for i := 0; i < 100; i++ {
		e := newTestEngine(t, nil)
		errc := make(chan error, 1)
		go func() { errc <- e.Run() }()
		if i%2 == 0 {
			e.RegisterBundleSubscriber()
			_, err := e.SubmitBundle(validBundle("b"))
			require.NoError(t, err)
		}
		e.Close()
		select {
		case err := <-errc:
			require.ErrorIs(t, err, ErrShutdown)
		case <-time.After(waitFor):
			t.Fatalf("engine did not stop on iteration %d", i)
		}
	}
}

func TestEngineSubscriberGauge(t *testing.T) {
	rec := newCountingRecorder()
	e, err := New(DefaultConfig(), WithLogger(testLogger()), WithRecorder(rec))
	require.NoError(t, err)
	startEngine(t, e)

	a := e.RegisterBundleSubscriber()
	e.RegisterBundleSubscriber()
	e.RegisterPacketSubscriber()
	assert.Equal(t, 2, rec.gauge("bundle"))
	assert.Equal(t, 1, rec.gauge("packet"))

	a.Close()
	_, err = e.SubmitBundle(validBundle("evict"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.Subscribers(KindBundle) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, rec.gauge("bundle"))
}

func TestEngineFeeInfo(t *testing.T) {
	e := newTestEngine(t, nil)
	assert.Equal(t, FeeInfo{Pubkey: DefaultFeePubkey, Commission: DefaultCommission}, e.GetFeeInfo())

	e = newTestEngine(t, func(c *Config) { c.FeeInfo = FeeInfo{Pubkey: "abc", Commission: 9} })
	assert.Equal(t, uint64(9), e.GetFeeInfo().Commission)
}

func TestNewRejectsBadQueueSizes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BundleQueueSize = 0
	_, err := New(cfg)
	assert.Error(t, err)
}
