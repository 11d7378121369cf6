package proto

import "time"

// Role identifies what a client is allowed to do once authenticated.
type Role string

const (
	RoleSearcher  Role = "searcher"
	RoleValidator Role = "validator"
	RoleRelayer   Role = "relayer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSearcher, RoleValidator, RoleRelayer:
		return true
	}
	return false
}

// PacketFlags mirrors the flag bits a validator attaches to a received packet.
type PacketFlags struct {
	Discard      bool `json:"discard,omitempty"`
	Forwarded    bool `json:"forwarded,omitempty"`
	Repair       bool `json:"repair,omitempty"`
	SimpleVoteTx bool `json:"simple_vote_tx,omitempty"`
	TracerTx     bool `json:"tracer_tx,omitempty"`
}

// Meta describes where a packet came from.
type Meta struct {
	Size        uint64       `json:"size"`
	Addr        string       `json:"addr,omitempty"`
	Port        uint32       `json:"port,omitempty"`
	Flags       *PacketFlags `json:"flags,omitempty"`
	SenderStake uint64       `json:"sender_stake,omitempty"`
}

// Packet is one serialized transaction.
type Packet struct {
	Data []byte `json:"data"`
	Meta *Meta  `json:"meta,omitempty"`
}

// PacketFromBytes wraps a serialized transaction, filling in its size.
func PacketFromBytes(data []byte) Packet {
	return Packet{
		Data: data,
		Meta: &Meta{Size: uint64(len(data))},
	}
}

// PacketBatch is a batch of raw packets relayed to packet subscribers.
type PacketBatch struct {
	Packets []Packet `json:"packets"`
}

// Header carries the submission timestamp of a bundle.
type Header struct {
	TS time.Time `json:"ts"`
}

// Bundle is an ordered set of transactions that must execute atomically.
type Bundle struct {
	Header  *Header  `json:"header,omitempty"`
	Packets []Packet `json:"packets"`
}

// BundleUUID is a bundle tagged with the correlation id handed back to its searcher.
type BundleUUID struct {
	Bundle *Bundle `json:"bundle"`
	UUID   string  `json:"uuid"`
}

// Token is a bearer credential with its expiry.
type Token struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at_utc"`
}
