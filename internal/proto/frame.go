package proto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
)

// Frame types
const (
	FrameTypeSubscribePackets      = 1
	FrameTypeSubscribeBundles      = 2
	FrameTypeSendBundle            = 3
	FrameTypeSendBundleResponse    = 4
	FrameTypePackets               = 5
	FrameTypeBundles               = 6
	FrameTypeFeeInfoRequest        = 7
	FrameTypeFeeInfoResponse       = 8
	FrameTypeAuthChallengeRequest  = 9
	FrameTypeAuthChallengeResponse = 10
	FrameTypeAuthTokensRequest     = 11
	FrameTypeAuthTokensResponse    = 12
	FrameTypeRefreshTokenRequest   = 13
	FrameTypeRefreshTokenResponse  = 14
	FrameTypePushPackets           = 15
	FrameTypeAck                   = 16
	FrameTypeError                 = 17

	// Searcher calls that are accepted on the wire but not served.
	FrameTypeTipAccountsRequest      = 20
	FrameTypeNextLeaderRequest       = 21
	FrameTypeConnectedLeadersRequest = 22
)

// Error codes carried by ErrorFrame.
const (
	CodeInvalidArgument   = "INVALID_ARGUMENT"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"
	CodeUnauthenticated   = "UNAUTHENTICATED"
	CodePermissionDenied  = "PERMISSION_DENIED"
	CodeUnimplemented     = "UNIMPLEMENTED"
	CodeUnavailable       = "UNAVAILABLE"
	CodeInternal          = "INTERNAL"
)

// MaxFrameSize bounds a single decoded frame.
const MaxFrameSize = 1024 * 1024

// ErrFrameTooLarge is returned by Decode when the length prefix exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("proto: frame too large")

// SendBundleFrame submits a bundle from a searcher.
type SendBundleFrame struct {
	Bundle *Bundle `json:"bundle"`
}

// SendBundleResponseFrame returns the correlation id of an accepted bundle.
type SendBundleResponseFrame struct {
	UUID string `json:"uuid"`
}

// PacketsFrame carries one packet batch, to a validator or from a relayer.
type PacketsFrame struct {
	Batch *PacketBatch `json:"batch"`
}

// BundlesFrame carries tagged bundles to a validator.
type BundlesFrame struct {
	Bundles []BundleUUID `json:"bundles"`
}

// FeeInfoFrame is the block builder's fee identity.
type FeeInfoFrame struct {
	Pubkey     string `json:"pubkey"`
	Commission uint64 `json:"commission"`
}

// AuthChallengeRequestFrame starts the challenge/response handshake.
type AuthChallengeRequestFrame struct {
	Role   Role   `json:"role"`
	Pubkey []byte `json:"pubkey"`
}

// AuthChallengeResponseFrame
type AuthChallengeResponseFrame struct {
	Challenge string `json:"challenge"`
}

// AuthTokensRequestFrame proves ownership of Pubkey by signing the challenge.
type AuthTokensRequestFrame struct {
	Challenge       string `json:"challenge"`
	ClientPubkey    []byte `json:"client_pubkey"`
	SignedChallenge []byte `json:"signed_challenge"`
}

// AuthTokensResponseFrame
type AuthTokensResponseFrame struct {
	AccessToken  *Token `json:"access_token"`
	RefreshToken *Token `json:"refresh_token"`
}

// RefreshTokenRequestFrame
type RefreshTokenRequestFrame struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshTokenResponseFrame
type RefreshTokenResponseFrame struct {
	AccessToken *Token `json:"access_token"`
}

// AckFrame
type AckFrame struct {
	OK bool `json:"ok"`
}

// ErrorFrame
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Frame is the top-level wire message
type Frame struct {
	Type int    `json:"t"`
	Auth string `json:"auth,omitempty"` // access token, when the service requires one

	SendBundle         *SendBundleFrame            `json:"sb,omitempty"`
	SendBundleResponse *SendBundleResponseFrame    `json:"sbr,omitempty"`
	Packets            *PacketsFrame               `json:"p,omitempty"`
	Bundles            *BundlesFrame               `json:"b,omitempty"`
	FeeInfo            *FeeInfoFrame               `json:"f,omitempty"`
	ChallengeRequest   *AuthChallengeRequestFrame  `json:"cq,omitempty"`
	ChallengeResponse  *AuthChallengeResponseFrame `json:"cr,omitempty"`
	TokensRequest      *AuthTokensRequestFrame     `json:"tq,omitempty"`
	TokensResponse     *AuthTokensResponseFrame    `json:"tr,omitempty"`
	RefreshRequest     *RefreshTokenRequestFrame   `json:"rq,omitempty"`
	RefreshResponse    *RefreshTokenResponseFrame  `json:"rr,omitempty"`
	Ack                *AckFrame                   `json:"a,omitempty"`
	Error              *ErrorFrame                 `json:"e,omitempty"`
}

// NewError builds an error frame.
func NewError(code, message string) *Frame {
	return &Frame{Type: FrameTypeError, Error: &ErrorFrame{Code: code, Message: message}}
}

// NewAck builds a positive acknowledgement.
func NewAck() *Frame {
	return &Frame{Type: FrameTypeAck, Ack: &AckFrame{OK: true}}
}

// Encode writes a length-prefixed JSON frame to w
func (f *Frame) Encode(w io.Writer) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	// 4-byte big-endian length prefix, written with the body in one call
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err = w.Write(buf)
	return err
}

// Decode reads a length-prefixed JSON frame from r
func (f *Frame) Decode(r io.Reader) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	*f = Frame{}
	return json.Unmarshal(data, f)
}
