// Package auth issues mailbox bearer tokens to agents that prove ownership of
// their address by signing a one-time challenge.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"

	"github.com/amurg-ai/agentwire/pkg/identity"
	"github.com/amurg-ai/agentwire/pkg/protocol"
	"github.com/amurg-ai/agentwire/relay/internal/config"
)

var (
	ErrInvalidChallenge = errors.New("invalid or expired challenge")
	ErrInvalidProof     = errors.New("challenge signature does not match address")
	ErrUnauthorized     = errors.New("unauthorized")
)

// Claims are the JWT claims of a mailbox token. The subject is the agent
// address.
type Claims struct {
	jwt.RegisteredClaims
}

type challenge struct {
	address string
	expires time.Time
}

// Service hands out challenges and tokens.
type Service struct {
	secret       []byte
	lifetime     time.Duration
	challengeTTL time.Duration
	clock        clock.Clock

	mu         sync.Mutex
	challenges map[string]challenge
}

// NewService creates an auth service. A nil clock uses the wall clock.
func NewService(cfg config.AuthConfig, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		secret:       []byte(cfg.JWTSecret),
		lifetime:     cfg.TokenLifetime.Duration,
		challengeTTL: cfg.ChallengeTTL.Duration,
		clock:        clk,
		challenges:   make(map[string]challenge),
	}
}

// Challenge creates a single-use challenge for address.
func (s *Service) Challenge(address string) (string, error) {
	if !identity.IsAgentAddress(address) {
		return "", fmt.Errorf("%w: %s", identity.ErrInvalidAddress, address)
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	value := hex.EncodeToString(b)
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range s.challenges {
		if !now.Before(c.expires) {
			delete(s.challenges, k)
		}
	}
	s.challenges[value] = challenge{address: address, expires: now.Add(s.challengeTTL)}
	return value, nil
}

// Prove consumes the challenge in req and, if its signature verifies against
// the address, issues a token.
func (s *Service) Prove(req protocol.ProveRequest) (string, time.Time, error) {
	s.mu.Lock()
	c, ok := s.challenges[req.Challenge]
	delete(s.challenges, req.Challenge)
	s.mu.Unlock()

	if !ok || c.address != req.Address || !s.clock.Now().Before(c.expires) {
		return "", time.Time{}, ErrInvalidChallenge
	}
	digest := sha256.Sum256([]byte(req.Challenge))
	valid, err := identity.VerifyDigest(req.Address, digest[:], req.ChallengeResponse)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if !valid {
		return "", time.Time{}, ErrInvalidProof
	}
	return s.IssueToken(req.Address)
}

// IssueToken signs a token for address.
func (s *Service) IssueToken(address string) (string, time.Time, error) {
	now := s.clock.Now()
	expiry := now.Add(s.lifetime)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   address,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiry),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expiry, nil
}

// ValidateToken returns the address a token was issued to.
func (s *Service) ValidateToken(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.clock.Now), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}
