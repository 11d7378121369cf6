package engine

import "github.com/SWAI-Ltd/blockengine/internal/proto"

// Kind selects one of the two independent event streams.
type Kind uint8

const (
	KindPacket Kind = iota + 1
	KindBundle
)

func (k Kind) String() string {
	switch k {
	case KindPacket:
		return "packet"
	case KindBundle:
		return "bundle"
	}
	return "unknown"
}

// Event is either a PacketBatchEvent or a BundleEvent.
type Event interface {
	Kind() Kind
}

// PacketBatchEvent carries a relayed packet batch. The batch is shared by every
// subscriber it is delivered to and must not be mutated after ingestion.
type PacketBatchEvent struct {
	Batch *proto.PacketBatch
}

func (PacketBatchEvent) Kind() Kind { return KindPacket }

// BundleEvent is a searcher bundle tagged with its correlation id.
type BundleEvent struct {
	Bundle *proto.Bundle
	UUID   string
}

func (BundleEvent) Kind() Kind { return KindBundle }
