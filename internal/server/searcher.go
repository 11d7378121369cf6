package server

import (
	"log/slog"

	"github.com/SWAI-Ltd/blockengine/internal/proto"
	"github.com/SWAI-Ltd/blockengine/internal/transport"
)

// BundleSubmitter accepts searcher bundles.
type BundleSubmitter interface {
	SubmitBundle(b *proto.Bundle) (string, error)
}

// Searcher serves SendBundle.
type Searcher struct {
	eng   BundleSubmitter
	authz Authorizer
	log   *slog.Logger
}

// NewSearcher creates the searcher service.
func NewSearcher(eng BundleSubmitter, authz Authorizer, log *slog.Logger) *Searcher {
	if log == nil {
		log = slog.Default()
	}
	return &Searcher{eng: eng, authz: authz, log: log}
}

// Handle serves one searcher connection until it fails.
func (s *Searcher) Handle(c *transport.Conn) {
	defer c.Close()
	s.log.Debug("searcher connected", "remote", c.RemoteAddr())
	for {
		var f proto.Frame
		if err := c.RecvFrame(&f); err != nil {
			return
		}
		if err := c.SendFrame(s.handleFrame(&f)); err != nil {
			s.log.Debug("searcher send failed", "remote", c.RemoteAddr(), "err", err)
			return
		}
	}
}

func (s *Searcher) handleFrame(f *proto.Frame) *proto.Frame {
	if f.Type != proto.FrameTypeSendBundle {
		return unimplemented(f)
	}
	if err := authorize(s.authz, f, proto.RoleSearcher); err != nil {
		return errorFrame(err)
	}
	var b *proto.Bundle
	if f.SendBundle != nil {
		b = f.SendBundle.Bundle
	}
	id, err := s.eng.SubmitBundle(b)
	if err != nil {
		s.log.Debug("bundle rejected", "err", err)
		return errorFrame(err)
	}
	return &proto.Frame{
		Type:               proto.FrameTypeSendBundleResponse,
		SendBundleResponse: &proto.SendBundleResponseFrame{UUID: id},
	}
}
