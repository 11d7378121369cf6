// Package auth issues and verifies access tokens for the block engine.
//
// A client proves ownership of its Ed25519 key by signing a server-issued
// challenge. The server then hands out access and refresh tokens that it signs
// with its own key, so any service holding the server's public key can verify
// them without shared state.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SWAI-Ltd/blockengine/internal/crypto"
	"github.com/SWAI-Ltd/blockengine/internal/proto"
)

var (
	ErrInvalidRole      = errors.New("auth: invalid role")
	ErrUnknownChallenge = errors.New("auth: unknown or expired challenge")
	ErrBadSignature     = errors.New("auth: signature verification failed")
	ErrInvalidToken     = errors.New("auth: invalid token")
	ErrTokenExpired     = errors.New("auth: token expired")
	ErrWrongTokenKind   = errors.New("auth: wrong token kind")
	ErrPermissionDenied = errors.New("auth: permission denied")
	ErrMissingToken     = errors.New("auth: missing token")
)

// TokenKind distinguishes access tokens from refresh tokens.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// Config holds token lifetimes.
type Config struct {
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	ChallengeTTL time.Duration
}

// DefaultConfig returns 30 minute access tokens and 24 hour refresh tokens.
func DefaultConfig() Config {
	return Config{
		AccessTTL:    30 * time.Minute,
		RefreshTTL:   24 * time.Hour,
		ChallengeTTL: 2 * time.Minute,
	}
}

// Claims is the signed body of a token.
type Claims struct {
	Subject   string     `json:"sub"` // hex public key of the client
	Role      proto.Role `json:"role"`
	Kind      TokenKind  `json:"kind"`
	ExpiresAt int64      `json:"exp"`
}

type challenge struct {
	subject string
	role    proto.Role
	expires time.Time
}

// Service runs the challenge/response handshake and signs tokens.
type Service struct {
	keys *crypto.KeyPair
	cfg  Config
	log  *slog.Logger
	now  func() time.Time

	mu         sync.Mutex
	challenges map[string]challenge
}

// New creates a service signing with keys.
func New(keys *crypto.KeyPair, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		keys:       keys,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
		challenges: make(map[string]challenge),
	}
}

// PublicKey returns the key tokens are verified against.
func (s *Service) PublicKey() *[crypto.PublicKeySize]byte {
	return s.keys.Public
}

// ChallengeMessage is what a client signs to answer a challenge.
func ChallengeMessage(pubkey []byte, challenge string) []byte {
	return []byte(hex.EncodeToString(pubkey) + "-" + challenge)
}

// GenerateChallenge issues a single-use challenge for pubkey acting as role.
func (s *Service) GenerateChallenge(role proto.Role, pubkey []byte) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	pub, err := crypto.PublicKeyFromBytes(pubkey)
	if err != nil {
		return "", err
	}
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	c := hex.EncodeToString(buf[:])
	now := s.now()

	s.mu.Lock()
	for k, v := range s.challenges {
		if now.After(v.expires) {
			delete(s.challenges, k)
		}
	}
	s.challenges[c] = challenge{subject: crypto.KeyID(pub), role: role, expires: now.Add(s.cfg.ChallengeTTL)}
	s.mu.Unlock()

	s.log.Info("generated auth challenge", "role", role, "pubkey", crypto.KeyID(pub))
	return c, nil
}

// GenerateTokens consumes a challenge answered with signed and returns an
// access token and a refresh token.
func (s *Service) GenerateTokens(challengeStr string, pubkey, signed []byte) (access, refresh proto.Token, err error) {
	pub, err := crypto.PublicKeyFromBytes(pubkey)
	if err != nil {
		return access, refresh, err
	}

	s.mu.Lock()
	c, ok := s.challenges[challengeStr]
	if ok {
		delete(s.challenges, challengeStr)
	}
	s.mu.Unlock()
	if !ok || s.now().After(c.expires) || c.subject != crypto.KeyID(pub) {
		return access, refresh, ErrUnknownChallenge
	}

	msg, ok := crypto.Open(signed, pub)
	if !ok || string(msg) != string(ChallengeMessage(pubkey, challengeStr)) {
		return access, refresh, ErrBadSignature
	}

	if access, err = s.issue(c.subject, c.role, KindAccess, s.cfg.AccessTTL); err != nil {
		return access, refresh, err
	}
	if refresh, err = s.issue(c.subject, c.role, KindRefresh, s.cfg.RefreshTTL); err != nil {
		return access, refresh, err
	}
	s.log.Info("issued auth tokens", "role", c.role, "pubkey", c.subject)
	return access, refresh, nil
}

// RefreshAccessToken exchanges a refresh token for a new access token.
func (s *Service) RefreshAccessToken(refreshToken string) (proto.Token, error) {
	claims, err := s.Verify(refreshToken, KindRefresh)
	if err != nil {
		return proto.Token{}, err
	}
	return s.issue(claims.Subject, claims.Role, KindAccess, s.cfg.AccessTTL)
}

// Authorize checks that token is a valid access token for role.
func (s *Service) Authorize(token string, role proto.Role) error {
	if token == "" {
		return ErrMissingToken
	}
	claims, err := s.Verify(token, KindAccess)
	if err != nil {
		return err
	}
	if claims.Role != role {
		return fmt.Errorf("%w: %s token used for %s", ErrPermissionDenied, claims.Role, role)
	}
	return nil
}

// Verify checks the signature, kind and expiry of token.
func (s *Service) Verify(token string, kind TokenKind) (*Claims, error) {
	return Verify(token, kind, s.keys.Public, s.now())
}

// Verify checks a token against the issuer's public key at time now.
func Verify(token string, kind TokenKind, issuer *[crypto.PublicKeySize]byte, now time.Time) (*Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	body, ok := crypto.Open(raw, issuer)
	if !ok {
		return nil, ErrInvalidToken
	}
	var c Claims
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, ErrInvalidToken
	}
	if c.Kind != kind {
		return nil, ErrWrongTokenKind
	}
	if now.Unix() >= c.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &c, nil
}

func (s *Service) issue(subject string, role proto.Role, kind TokenKind, ttl time.Duration) (proto.Token, error) {
	exp := s.now().Add(ttl).UTC().Truncate(time.Second)
	body, err := json.Marshal(Claims{Subject: subject, Role: role, Kind: kind, ExpiresAt: exp.Unix()})
	if err != nil {
		return proto.Token{}, err
	}
	return proto.Token{
		Value:     base64.RawURLEncoding.EncodeToString(s.keys.Sign(body)),
		ExpiresAt: exp,
	}, nil
}
