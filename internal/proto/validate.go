package proto

import (
	"errors"
	"fmt"
)

const (
	// MaxBundleLen is the most transactions a bundle may carry.
	MaxBundleLen   = 5
	// PacketDataSize is the largest serialized transaction a packet may hold.
	PacketDataSize = 1232
)

var (
	ErrMissingBundle  = errors.New("bundle is required")
	ErrMissingBatch   = errors.New("packet batch is required")
	ErrNoPackets      = errors.New("no packets")
	ErrTooManyPackets = fmt.Errorf("more than %d packets", MaxBundleLen)
	ErrEmptyPacket    = errors.New("packet has no data")
	ErrPacketTooLarge = fmt.Errorf("packet larger than %d bytes", PacketDataSize)
	ErrSizeMismatch   = errors.New("packet meta size does not match data")
)

// ValidateBundle checks that a searcher's bundle is structurally sound.
func ValidateBundle(b *Bundle) error {
	if b == nil {
		return ErrMissingBundle
	}
	if len(b.Packets) == 0 {
		return fmt.Errorf("invalid bundle: %w", ErrNoPackets)
	}
	if len(b.Packets) > MaxBundleLen {
		return fmt.Errorf("invalid bundle: %w", ErrTooManyPackets)
	}
	for i := range b.Packets {
		if err := ValidatePacket(&b.Packets[i]); err != nil {
			return fmt.Errorf("invalid bundle packet %d: %w", i, err)
		}
	}
	return nil
}

// ValidatePacketBatch checks a relayed packet batch.
func ValidatePacketBatch(b *PacketBatch) error {
	if b == nil {
		return ErrMissingBatch
	}
	if len(b.Packets) == 0 {
		return fmt.Errorf("invalid batch: %w", ErrNoPackets)
	}
	for i := range b.Packets {
		if err := ValidatePacket(&b.Packets[i]); err != nil {
			return fmt.Errorf("invalid batch packet %d: %w", i, err)
		}
	}
	return nil
}

// ValidatePacket checks a single packet. A zero Meta.Size is treated as unset.
func ValidatePacket(p *Packet) error {
	if len(p.Data) == 0 {
		return ErrEmptyPacket
	}
	if len(p.Data) > PacketDataSize {
		return ErrPacketTooLarge
	}
	if p.Meta != nil && p.Meta.Size != 0 && p.Meta.Size != uint64(len(p.Data)) {
		return ErrSizeMismatch
	}
	return nil
}
