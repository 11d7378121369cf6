package server

import (
	"log/slog"

	"github.com/SWAI-Ltd/blockengine/internal/proto"
	"github.com/SWAI-Ltd/blockengine/internal/transport"
)

// TokenIssuer runs the challenge/response handshake.
type TokenIssuer interface {
	GenerateChallenge(role proto.Role, pubkey []byte) (string, error)
	GenerateTokens(challenge string, pubkey, signed []byte) (access, refresh proto.Token, err error)
	RefreshAccessToken(refresh string) (proto.Token, error)
}

// Auth serves the token handshake.
type Auth struct {
	issuer TokenIssuer
	log    *slog.Logger
}

// NewAuth creates the auth service.
func NewAuth(issuer TokenIssuer, log *slog.Logger) *Auth {
	if log == nil {
		log = slog.Default()
	}
	return &Auth{issuer: issuer, log: log}
}

// Handle serves one auth connection.
func (a *Auth) Handle(c *transport.Conn) {
	defer c.Close()
	for {
		var f proto.Frame
		if err := c.RecvFrame(&f); err != nil {
			return
		}
		if err := c.SendFrame(a.handleFrame(&f)); err != nil {
			return
		}
	}
}

func (a *Auth) handleFrame(f *proto.Frame) *proto.Frame {
	switch {
	case f.Type == proto.FrameTypeAuthChallengeRequest && f.ChallengeRequest != nil:
		req := f.ChallengeRequest
		challenge, err := a.issuer.GenerateChallenge(req.Role, req.Pubkey)
		if err != nil {
			return errorFrame(err)
		}
		return &proto.Frame{
			Type:              proto.FrameTypeAuthChallengeResponse,
			ChallengeResponse: &proto.AuthChallengeResponseFrame{Challenge: challenge},
		}

	case f.Type == proto.FrameTypeAuthTokensRequest && f.TokensRequest != nil:
		req := f.TokensRequest
		access, refresh, err := a.issuer.GenerateTokens(req.Challenge, req.ClientPubkey, req.SignedChallenge)
		if err != nil {
			a.log.Info("token request rejected", "err", err)
			return errorFrame(err)
		}
		return &proto.Frame{
			Type:           proto.FrameTypeAuthTokensResponse,
			TokensResponse: &proto.AuthTokensResponseFrame{AccessToken: &access, RefreshToken: &refresh},
		}

	case f.Type == proto.FrameTypeRefreshTokenRequest && f.RefreshRequest != nil:
		access, err := a.issuer.RefreshAccessToken(f.RefreshRequest.RefreshToken)
		if err != nil {
			return errorFrame(err)
		}
		return &proto.Frame{
			Type:            proto.FrameTypeRefreshTokenResponse,
			RefreshResponse: &proto.RefreshTokenResponseFrame{AccessToken: &access},
		}

	case f.Type == proto.FrameTypeAuthChallengeRequest,
		f.Type == proto.FrameTypeAuthTokensRequest,
		f.Type == proto.FrameTypeRefreshTokenRequest:
		return proto.NewError(proto.CodeInvalidArgument, "missing request body")
	}
	return unimplemented(f)
}
