// Package client provides the block engine developer SDK: searchers submit
// bundles, validators subscribe to packets and bundles with channel-based
// delivery, and both authenticate with a signing key. Every call takes a
// context.Context for timeouts.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	"github.com/SWAI-Ltd/blockengine/internal/auth"
	"github.com/SWAI-Ltd/blockengine/internal/crypto"
	"github.com/SWAI-Ltd/blockengine/internal/proto"
	"github.com/SWAI-Ltd/blockengine/internal/transport"
)

const (
	// DefaultStreamBuffer is the buffer size of subscription channels.
	DefaultStreamBuffer = 64
)

var (
	// ErrClosed is returned when using a client after Close.
	ErrClosed = errors.New("client closed")
	// ErrStreaming is returned for requests on a client that has subscribed.
	ErrStreaming = errors.New("client is streaming")
	// ErrUnexpectedFrame is returned when the engine answers with the wrong frame type.
	ErrUnexpectedFrame = errors.New("client: unexpected response frame")
)

// Sentinels matched by *Error through errors.Is.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrUnimplemented     = errors.New("unimplemented")
	ErrUnavailable       = errors.New("unavailable")
)

var codeErrors = map[string]error{
	proto.CodeInvalidArgument:   ErrInvalidArgument,
	proto.CodeResourceExhausted: ErrResourceExhausted,
	proto.CodeUnauthenticated:   ErrUnauthenticated,
	proto.CodePermissionDenied:  ErrPermissionDenied,
	proto.CodeUnimplemented:     ErrUnimplemented,
	proto.CodeUnavailable:       ErrUnavailable,
}

// Error is an error frame returned by the engine.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Is lets errors.Is(err, ErrResourceExhausted) and friends match by code.
func (e *Error) Is(target error) bool {
	sentinel, ok := codeErrors[e.Code]
	return ok && sentinel == target
}

// Option configures Dial.
type Option func(*options)

type options struct {
	token  string
	tls    *tls.Config
	buffer int
}

// WithToken attaches an access token to every request.
func WithToken(token string) Option {
	return func(o *options) { o.token = token }
}

// WithTLS replaces the default config, which skips certificate verification.
func WithTLS(cfg *tls.Config) Option {
	return func(o *options) { o.tls = cfg }
}

// WithStreamBuffer sets the capacity of subscription channels; 0 uses DefaultStreamBuffer.
func WithStreamBuffer(n int) Option {
	return func(o *options) { o.buffer = n }
}

// Client is a connection to one engine service. Requests are serialized.
type Client struct {
	conn *transport.Conn
	opts options

	mu        sync.Mutex
	token     string
	closed    bool
	streaming bool
	streamErr error
}

// Dial connects to the service at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	o := options{buffer: DefaultStreamBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	if o.buffer <= 0 {
		o.buffer = DefaultStreamBuffer
	}
	var (
		conn *transport.Conn
		err  error
	)
	if o.tls != nil {
		conn, err = transport.DialQUICWithTLS(ctx, addr, o.tls)
	} else {
		conn, err = transport.DialQUIC(ctx, addr)
	}
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, opts: o, token: o.token}, nil
}

// SetToken replaces the access token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Close closes the connection and ends any subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// Err reports why a subscription channel was closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamErr
}

func (c *Client) roundTrip(ctx context.Context, req *proto.Frame, want int) (*proto.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.streaming {
		return nil, ErrStreaming
	}
	req.Auth = c.token

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
		defer c.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := c.conn.SendFrame(req); err != nil {
		return nil, ctxErr(ctx, err)
	}
	var resp proto.Frame
	if err := c.conn.RecvFrame(&resp); err != nil {
		return nil, ctxErr(ctx, err)
	}
	if resp.Type == proto.FrameTypeError && resp.Error != nil {
		return nil, &Error{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if resp.Type != want {
		return nil, ErrUnexpectedFrame
	}
	return &resp, nil
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// SendBundle submits a bundle and returns its correlation id. A full engine
// answers with an error matching ErrResourceExhausted.
func (c *Client) SendBundle(ctx context.Context, b *proto.Bundle) (string, error) {
	resp, err := c.roundTrip(ctx, &proto.Frame{
		Type:       proto.FrameTypeSendBundle,
		SendBundle: &proto.SendBundleFrame{Bundle: b},
	}, proto.FrameTypeSendBundleResponse)
	if err != nil {
		return "", err
	}
	if resp.SendBundleResponse == nil {
		return "", ErrUnexpectedFrame
	}
	return resp.SendBundleResponse.UUID, nil
}

// FeeInfo fetches the block builder identity and commission.
func (c *Client) FeeInfo(ctx context.Context) (proto.FeeInfoFrame, error) {
	resp, err := c.roundTrip(ctx, &proto.Frame{Type: proto.FrameTypeFeeInfoRequest}, proto.FrameTypeFeeInfoResponse)
	if err != nil {
		return proto.FeeInfoFrame{}, err
	}
	if resp.FeeInfo == nil {
		return proto.FeeInfoFrame{}, ErrUnexpectedFrame
	}
	return *resp.FeeInfo, nil
}

// PushPackets injects a packet batch through the relayer service.
func (c *Client) PushPackets(ctx context.Context, batch *proto.PacketBatch) error {
	_, err := c.roundTrip(ctx, &proto.Frame{
		Type:    proto.FrameTypePushPackets,
		Packets: &proto.PacketsFrame{Batch: batch},
	}, proto.FrameTypeAck)
	return err
}

// SubscribeBundles streams tagged bundles until ctx is done or the connection
// fails, then closes the channel. The client serves only the stream afterwards.
func (c *Client) SubscribeBundles(ctx context.Context) (<-chan proto.BundleUUID, error) {
	if _, err := c.roundTrip(ctx, &proto.Frame{Type: proto.FrameTypeSubscribeBundles}, proto.FrameTypeAck); err != nil {
		return nil, err
	}
	out := make(chan proto.BundleUUID, c.opts.buffer)
	c.startStream(ctx, func(f *proto.Frame) bool {
		if f.Type != proto.FrameTypeBundles || f.Bundles == nil {
			return true
		}
		for _, b := range f.Bundles.Bundles {
			select {
			case out <- b:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}, func() { close(out) })
	return out, nil
}

// SubscribePackets streams packet batches like SubscribeBundles.
func (c *Client) SubscribePackets(ctx context.Context) (<-chan *proto.PacketBatch, error) {
	if _, err := c.roundTrip(ctx, &proto.Frame{Type: proto.FrameTypeSubscribePackets}, proto.FrameTypeAck); err != nil {
		return nil, err
	}
	out := make(chan *proto.PacketBatch, c.opts.buffer)
	c.startStream(ctx, func(f *proto.Frame) bool {
		if f.Type != proto.FrameTypePackets || f.Packets == nil {
			return true
		}
		select {
		case out <- f.Packets.Batch:
			return true
		case <-ctx.Done():
			return false
		}
	}, func() { close(out) })
	return out, nil
}

func (c *Client) startStream(ctx context.Context, deliver func(*proto.Frame) bool, done func()) {
	c.mu.Lock()
	c.streaming = true
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	go func() {
		defer done()
		defer stop()
		var err error
		for {
			var f proto.Frame
			if err = c.conn.RecvFrame(&f); err != nil {
				break
			}
			if f.Type == proto.FrameTypeError && f.Error != nil {
				err = &Error{Code: f.Error.Code, Message: f.Error.Message}
				break
			}
			if !deliver(&f) {
				break
			}
		}
		c.mu.Lock()
		c.streamErr = ctxErr(ctx, err)
		c.mu.Unlock()
	}()
}

// Tokens is a pair issued by the auth service.
type Tokens struct {
	Access  proto.Token
	Refresh proto.Token
}

// Authenticate proves ownership of keys to the auth service and returns
// tokens for role.
func (c *Client) Authenticate(ctx context.Context, keys *crypto.KeyPair, role proto.Role) (Tokens, error) {
	resp, err := c.roundTrip(ctx, &proto.Frame{
		Type:             proto.FrameTypeAuthChallengeRequest,
		ChallengeRequest: &proto.AuthChallengeRequestFrame{Role: role, Pubkey: keys.Public[:]},
	}, proto.FrameTypeAuthChallengeResponse)
	if err != nil {
		return Tokens{}, err
	}
	if resp.ChallengeResponse == nil {
		return Tokens{}, ErrUnexpectedFrame
	}
	challenge := resp.ChallengeResponse.Challenge

	resp, err = c.roundTrip(ctx, &proto.Frame{
		Type: proto.FrameTypeAuthTokensRequest,
		TokensRequest: &proto.AuthTokensRequestFrame{
			Challenge:       challenge,
			ClientPubkey:    keys.Public[:],
			SignedChallenge: keys.Sign(auth.ChallengeMessage(keys.Public[:], challenge)),
		},
	}, proto.FrameTypeAuthTokensResponse)
	if err != nil {
		return Tokens{}, err
	}
	tr := resp.TokensResponse
	if tr == nil || tr.AccessToken == nil || tr.RefreshToken == nil {
		return Tokens{}, ErrUnexpectedFrame
	}
	return Tokens{Access: *tr.AccessToken, Refresh: *tr.RefreshToken}, nil
}

// RefreshAccessToken exchanges a refresh token for a new access token.
func (c *Client) RefreshAccessToken(ctx context.Context, refresh string) (proto.Token, error) {
	resp, err := c.roundTrip(ctx, &proto.Frame{
		Type:           proto.FrameTypeRefreshTokenRequest,
		RefreshRequest: &proto.RefreshTokenRequestFrame{RefreshToken: refresh},
	}, proto.FrameTypeRefreshTokenResponse)
	if err != nil {
		return proto.Token{}, err
	}
	if resp.RefreshResponse == nil || resp.RefreshResponse.AccessToken == nil {
		return proto.Token{}, ErrUnexpectedFrame
	}
	return *resp.RefreshResponse.AccessToken, nil
}

// Login dials the auth service, authenticates and hangs up.
func Login(ctx context.Context, authAddr string, keys *crypto.KeyPair, role proto.Role, opts ...Option) (Tokens, error) {
	c, err := Dial(ctx, authAddr, opts...)
	if err != nil {
		return Tokens{}, err
	}
	defer c.Close()
	return c.Authenticate(ctx, keys, role)
}
