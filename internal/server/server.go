// Package server exposes the engine over QUIC: a searcher service that
// accepts bundles, a validator service that streams packets and bundles, a
// relayer service that injects packet batches, and the auth service.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"go.uber.org/multierr"

	"github.com/SWAI-Ltd/blockengine/internal/auth"
	"github.com/SWAI-Ltd/blockengine/internal/crypto"
	"github.com/SWAI-Ltd/blockengine/internal/engine"
	"github.com/SWAI-Ltd/blockengine/internal/proto"
	"github.com/SWAI-Ltd/blockengine/internal/transport"
)

// Authorizer checks the access token carried by a request. A nil Authorizer
// lets every request through.
type Authorizer interface {
	Authorize(token string, role proto.Role) error
}

func authorize(a Authorizer, f *proto.Frame, role proto.Role) error {
	if a == nil {
		return nil
	}
	return a.Authorize(f.Auth, role)
}

// ErrorCode maps an error to the code sent in an ErrorFrame.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, engine.ErrInvalidInput),
		errors.Is(err, auth.ErrInvalidRole),
		errors.Is(err, crypto.ErrInvalidKey):
		return proto.CodeInvalidArgument
	case errors.Is(err, engine.ErrResourceExhausted):
		return proto.CodeResourceExhausted
	case errors.Is(err, engine.ErrClosed),
		errors.Is(err, engine.ErrShutdown):
		return proto.CodeUnavailable
	case errors.Is(err, auth.ErrPermissionDenied):
		return proto.CodePermissionDenied
	case errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrWrongTokenKind),
		errors.Is(err, auth.ErrUnknownChallenge),
		errors.Is(err, auth.ErrBadSignature):
		return proto.CodeUnauthenticated
	}
	return proto.CodeInternal
}

func errorFrame(err error) *proto.Frame {
	return proto.NewError(ErrorCode(err), err.Error())
}

func unimplemented(f *proto.Frame) *proto.Frame {
	return proto.NewError(proto.CodeUnimplemented, "not served: "+frameName(f.Type))
}

func frameName(t int) string {
	switch t {
	case proto.FrameTypeTipAccountsRequest:
		return "get_tip_accounts"
	case proto.FrameTypeNextLeaderRequest:
		return "get_next_scheduled_leader"
	case proto.FrameTypeConnectedLeadersRequest:
		return "get_connected_leaders"
	}
	return "frame type " + strconv.Itoa(t)
}

// Group owns the listeners of one process and closes them together.
type Group struct {
	log *slog.Logger
	tls *tls.Config

	mu      sync.Mutex
	servers map[string]*transport.Server
	closers []func() error
}

// NewGroup creates a group serving with tlsCfg. A nil tlsCfg uses a
// self-signed certificate.
func NewGroup(tlsCfg *tls.Config, log *slog.Logger) *Group {
	if log == nil {
		log = slog.Default()
	}
	return &Group{log: log, tls: tlsCfg, servers: make(map[string]*transport.Server)}
}

// Listen starts a named QUIC listener on addr.
func (g *Group) Listen(ctx context.Context, name, addr string, handler func(*transport.Conn)) (*transport.Server, error) {
	var (
		srv *transport.Server
		err error
	)
	if g.tls != nil {
		srv, err = transport.ListenQUICWithTLS(ctx, addr, g.tls.Clone(), handler)
	} else {
		srv, err = transport.ListenQUIC(ctx, addr, handler)
	}
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.servers[name] = srv
	g.mu.Unlock()
	g.log.Info("server listening", "service", name, "addr", srv.LocalAddr())
	return srv, nil
}

// Addr returns the bound address of the named listener, or "".
func (g *Group) Addr(name string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.servers[name]; ok {
		return s.LocalAddr()
	}
	return ""
}

// OnClose registers fn to run after the listeners are closed.
func (g *Group) OnClose(fn func() error) {
	g.mu.Lock()
	g.closers = append(g.closers, fn)
	g.mu.Unlock()
}

// Close stops every listener and runs the OnClose hooks in registration order.
func (g *Group) Close() error {
	g.mu.Lock()
	servers := g.servers
	closers := g.closers
	g.servers = make(map[string]*transport.Server)
	g.closers = nil
	g.mu.Unlock()

	var err error
	for name, s := range servers {
		if cerr := s.Close(); cerr != nil {
			err = multierr.Append(err, cerr)
		}
		g.log.Info("server stopped", "service", name)
	}
	for _, fn := range closers {
		err = multierr.Append(err, fn())
	}
	return err
}
