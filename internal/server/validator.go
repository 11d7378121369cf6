package server

import (
	"log/slog"
	"sync"

	"github.com/SWAI-Ltd/blockengine/internal/engine"
	"github.com/SWAI-Ltd/blockengine/internal/proto"
	"github.com/SWAI-Ltd/blockengine/internal/transport"
)

// Subscriptions is the validator-facing side of the engine.
type Subscriptions interface {
	RegisterPacketSubscriber() *engine.Subscription
	RegisterBundleSubscriber() *engine.Subscription
	GetFeeInfo() engine.FeeInfo
	Done() <-chan struct{}
}

// Validator serves packet and bundle subscriptions and fee info.
type Validator struct {
	eng   Subscriptions
	authz Authorizer
	log   *slog.Logger

	done chan struct{}
	once sync.Once
}

// NewValidator creates the validator service.
func NewValidator(eng Subscriptions, authz Authorizer, log *slog.Logger) *Validator {
	if log == nil {
		log = slog.Default()
	}
	return &Validator{eng: eng, authz: authz, log: log, done: make(chan struct{})}
}

// Close ends every active stream.
func (v *Validator) Close() error {
	v.once.Do(func() { close(v.done) })
	return nil
}

// Handle serves one validator connection. A subscribe request turns the
// connection into a one-way stream for the rest of its life.
func (v *Validator) Handle(c *transport.Conn) {
	defer c.Close()
	v.log.Debug("validator connected", "remote", c.RemoteAddr())
	for {
		var f proto.Frame
		if err := c.RecvFrame(&f); err != nil {
			return
		}
		switch f.Type {
		case proto.FrameTypeFeeInfoRequest:
			resp := v.feeInfo(&f)
			if err := c.SendFrame(resp); err != nil {
				return
			}
		case proto.FrameTypeSubscribePackets, proto.FrameTypeSubscribeBundles:
			if err := authorize(v.authz, &f, proto.RoleValidator); err != nil {
				if c.SendFrame(errorFrame(err)) != nil {
					return
				}
				continue
			}
			var sub *engine.Subscription
			if f.Type == proto.FrameTypeSubscribePackets {
				sub = v.eng.RegisterPacketSubscriber()
			} else {
				sub = v.eng.RegisterBundleSubscriber()
			}
			v.stream(c, sub)
			return
		default:
			if err := c.SendFrame(unimplemented(&f)); err != nil {
				return
			}
		}
	}
}

func (v *Validator) feeInfo(f *proto.Frame) *proto.Frame {
	if err := authorize(v.authz, f, proto.RoleValidator); err != nil {
		return errorFrame(err)
	}
	fi := v.eng.GetFeeInfo()
	return &proto.Frame{
		Type:    proto.FrameTypeFeeInfoResponse,
		FeeInfo: &proto.FeeInfoFrame{Pubkey: fi.Pubkey, Commission: fi.Commission},
	}
}

// stream pumps sub's events to c. The subscription is closed on return so the
// forwarder evicts it on its next delivery.
func (v *Validator) stream(c *transport.Conn, sub *engine.Subscription) {
	defer sub.Close()
	log := v.log.With("subscriber", sub.ID(), "kind", sub.Kind(), "remote", c.RemoteAddr())

	if err := c.SendFrame(proto.NewAck()); err != nil {
		return
	}

	// The peer sends nothing after subscribing, so any read result means it
	// went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var f proto.Frame
		for c.RecvFrame(&f) == nil {
		}
	}()

	for {
		select {
		case ev := <-sub.Events():
			if err := c.SendFrame(eventFrame(ev)); err != nil {
				log.Info("subscriber stream failed", "err", err)
				return
			}
		case <-gone:
			log.Info("subscriber disconnected")
			return
		case <-v.eng.Done():
			return
		case <-v.done:
			return
		}
	}
}

func eventFrame(ev engine.Event) *proto.Frame {
	switch ev := ev.(type) {
	case engine.PacketBatchEvent:
		return &proto.Frame{Type: proto.FrameTypePackets, Packets: &proto.PacketsFrame{Batch: ev.Batch}}
	case engine.BundleEvent:
		return &proto.Frame{
			Type:    proto.FrameTypeBundles,
			Bundles: &proto.BundlesFrame{Bundles: []proto.BundleUUID{{Bundle: ev.Bundle, UUID: ev.UUID}}},
		}
	}
	return proto.NewError(proto.CodeInternal, "unknown event")
}
