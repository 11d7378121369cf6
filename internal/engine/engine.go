// Package engine relays packet batches and searcher bundles to subscribed
// validators. Producers feed two bounded ingress queues; a single forwarder
// goroutine fans every event out to the subscribers of its kind, dropping
// events for subscribers whose queues are full and evicting subscribers whose
// queues have been closed.
package engine

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/SWAI-Ltd/blockengine/internal/proto"
)

const (
	DefaultPacketQueueSize = 100
	DefaultBundleQueueSize = 100
	DefaultCommission      = 5
	// DefaultFeePubkey is the all-zero 32-byte key in base58.
	DefaultFeePubkey = "11111111111111111111111111111111"
)

// FeeInfo is the block builder identity and commission returned to validators.
type FeeInfo struct {
	Pubkey     string
	Commission uint64
}

// Config sizes the engine's queues.
type Config struct {
	PacketQueueSize  int
	BundleQueueSize  int
	SubscriberBuffer int
	FeeInfo          FeeInfo
}

// DefaultConfig returns the sizes used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		PacketQueueSize:  DefaultPacketQueueSize,
		BundleQueueSize:  DefaultBundleQueueSize,
		SubscriberBuffer: DefaultSubscriberBuffer,
		FeeInfo: FeeInfo{
			Pubkey:     DefaultFeePubkey,
			Commission: DefaultCommission,
		},
	}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.rec = r }
}

// Engine owns the subscription registries, ingress queues and the forwarder.
type Engine struct {
	cfg Config
	log *slog.Logger
	rec Recorder

	packetSubs *Registry
	bundleSubs *Registry
	packetIn   *ingress
	bundleIn   *ingress

	packets   *PacketProducer
	bundles   *BundleIngest
	forwarder *Forwarder

	runOnce   sync.Once
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// New builds an engine. The forwarder does not start until Run.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.PacketQueueSize <= 0 || cfg.BundleQueueSize <= 0 {
		return nil, fmt.Errorf("engine: queue sizes must be positive (packets=%d bundles=%d)", cfg.PacketQueueSize, cfg.BundleQueueSize)
	}
	e := &Engine{
		cfg:  cfg,
		log:  slog.Default(),
		rec:  nopRecorder{},
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.rec == nil {
		e.rec = nopRecorder{}
	}

	e.packetSubs = NewRegistry(KindPacket, cfg.SubscriberBuffer)
	e.bundleSubs = NewRegistry(KindBundle, cfg.SubscriberBuffer)
	for _, r := range []*Registry{e.packetSubs, e.bundleSubs} {
		kind := r.kind.String()
		r.onLen = func(n int) { e.rec.SetSubscribers(kind, n) }
	}
	e.packetIn = newIngress(KindPacket, cfg.PacketQueueSize)
	e.bundleIn = newIngress(KindBundle, cfg.BundleQueueSize)

	pp, err := e.NewPacketProducer()
	if err != nil {
		return nil, err
	}
	bp, err := e.bundleIn.acquire()
	if err != nil {
		return nil, err
	}
	e.packets = pp
	e.bundles = NewBundleIngest(bp, e.log, e.rec)
	e.forwarder = NewForwarder(e.packetIn.ch, e.bundleIn.ch, e.packetSubs, e.bundleSubs, e.log, e.rec)
	return e, nil
}

// Run runs the forwarder on the calling goroutine and returns ErrShutdown once
// every producer handle of both queues has been released. Later calls return
// immediately with the same error.
func (e *Engine) Run() error {
	e.runOnce.Do(func() {
		e.log.Info("forwarder started")
		e.err = e.forwarder.Run()
		close(e.done)
	})
	<-e.done
	return e.err
}

// Done is closed when the forwarder has exited.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Close releases the engine's own producer handles. The forwarder exits once
// handles held elsewhere, such as a relayer's, are released too.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.packets.Release()
		e.bundles.Close()
	})
}

// RegisterPacketSubscriber adds a packet subscriber.
func (e *Engine) RegisterPacketSubscriber() *Subscription {
	return e.register(e.packetSubs)
}

// RegisterBundleSubscriber adds a bundle subscriber.
func (e *Engine) RegisterBundleSubscriber() *Subscription {
	return e.register(e.bundleSubs)
}

func (e *Engine) register(r *Registry) *Subscription {
	sub := r.Register()
	e.log.Info("adding subscription", "kind", r.kind, "subscriber", sub.ID())
	return sub
}

// Subscribers returns the number of registered subscribers of kind.
func (e *Engine) Subscribers(kind Kind) int {
	if kind == KindPacket {
		return e.packetSubs.Len()
	}
	return e.bundleSubs.Len()
}

// SubmitBundle validates and enqueues a bundle, returning its correlation id.
// It fails with ErrInvalidInput or ErrResourceExhausted and never blocks.
func (e *Engine) SubmitBundle(b *proto.Bundle) (string, error) {
	return e.bundles.Submit(b)
}

// PushPacketBatch enqueues a packet batch without blocking.
func (e *Engine) PushPacketBatch(batch *proto.PacketBatch) error {
	return e.packets.Push(batch)
}

// GetFeeInfo returns the configured fee identity.
func (e *Engine) GetFeeInfo() FeeInfo {
	return e.cfg.FeeInfo
}

// NewPacketProducer acquires an additional packet producer handle. It fails
// with ErrClosed once the packet queue has closed.
func (e *Engine) NewPacketProducer() (*PacketProducer, error) {
	p, err := e.packetIn.acquire()
	if err != nil {
		return nil, err
	}
	return &PacketProducer{p: p, rec: e.rec}, nil
}

// PacketProducer injects packet batches. It is meant for trusted producers.
type PacketProducer struct {
	p   *Producer
	rec Recorder
}

// Push validates and enqueues batch without blocking.
func (pp *PacketProducer) Push(batch *proto.PacketBatch) error {
	if err := proto.ValidatePacketBatch(batch); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if err := pp.p.TrySend(PacketBatchEvent{Batch: batch}); err != nil {
		return err
	}
	pp.rec.Ingested(KindPacket.String())
	return nil
}

// Release drops the handle.
func (pp *PacketProducer) Release() { pp.p.Release() }
