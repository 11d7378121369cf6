package server

import (
	"log/slog"

	"github.com/SWAI-Ltd/blockengine/internal/proto"
	"github.com/SWAI-Ltd/blockengine/internal/transport"
)

// PacketPusher accepts packet batches.
type PacketPusher interface {
	Push(batch *proto.PacketBatch) error
	Release()
}

// Relayer injects packet batches from trusted producers. It owns one packet
// producer handle, so the engine keeps running until the relayer is closed.
type Relayer struct {
	producer PacketPusher
	authz    Authorizer
	log      *slog.Logger
}

// NewRelayer takes ownership of producer.
func NewRelayer(producer PacketPusher, authz Authorizer, log *slog.Logger) *Relayer {
	if log == nil {
		log = slog.Default()
	}
	return &Relayer{producer: producer, authz: authz, log: log}
}

// Close releases the producer handle.
func (r *Relayer) Close() error {
	r.producer.Release()
	return nil
}

// Handle serves one relayer connection.
func (r *Relayer) Handle(c *transport.Conn) {
	defer c.Close()
	r.log.Debug("relayer connected", "remote", c.RemoteAddr())
	for {
		var f proto.Frame
		if err := c.RecvFrame(&f); err != nil {
			return
		}
		if err := c.SendFrame(r.handleFrame(&f)); err != nil {
			return
		}
	}
}

func (r *Relayer) handleFrame(f *proto.Frame) *proto.Frame {
	if f.Type != proto.FrameTypePushPackets {
		return unimplemented(f)
	}
	if err := authorize(r.authz, f, proto.RoleRelayer); err != nil {
		return errorFrame(err)
	}
	var batch *proto.PacketBatch
	if f.Packets != nil {
		batch = f.Packets.Batch
	}
	if err := r.producer.Push(batch); err != nil {
		r.log.Debug("packet batch rejected", "err", err)
		return errorFrame(err)
	}
	return proto.NewAck()
}
