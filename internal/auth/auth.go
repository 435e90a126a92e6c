// Package auth issues and verifies player identities.
//
// A client without a token is given a guest identity: a uuid player id and a
// generated display name, persisted in the store with a TTL and returned with
// a signed HS256 token. Presenting that token later resumes the identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gridlock/internal/config"
	"github.com/cory-johannsen/gridlock/internal/storage"
)

// ErrInvalidToken is returned for a token that fails signature, issuer or expiry checks.
var ErrInvalidToken = errors.New("invalid token")

// ErrUnknownPlayer is returned for a valid token whose guest record is gone.
var ErrUnknownPlayer = errors.New("unknown player")

const guestKeyPrefix = "guest:"

// Identity is a verified player identity.
type Identity struct {
	PlayerID string
	Username string
	// Token is set when a new token was issued.
	Token string
}

// Service verifies tokens and issues guest identities.
type Service struct {
	secret []byte
	issuer string
	ttl    time.Duration
	store  storage.Store
	logger *zap.Logger
	now    func() time.Time
	names  func() string
}

// NewService creates an auth Service.
//
// Precondition: cfg.Secret must be at least 16 bytes; store and logger must be non-nil.
// Postcondition: Returns a ready Service.
func NewService(cfg config.AuthConfig, store storage.Store, logger *zap.Logger) *Service {
	return &Service{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    cfg.GuestTTL,
		store:  store,
		logger: logger,
		now:    time.Now,
		names:  guestName,
	}
}

// Authenticate verifies token, or issues a guest identity when token is empty.
// It blocks on the store and must not run on the event loop.
//
// Postcondition: Returns a non-empty PlayerID, or an error. Store failures are
// returned, never swallowed.
func (s *Service) Authenticate(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return s.issueGuest(ctx)
	}
	return s.resume(ctx, token)
}

func (s *Service) issueGuest(ctx context.Context) (Identity, error) {
	start := time.Now()
	id := uuid.NewString()
	name := s.names()
	if err := s.store.Set(ctx, guestKeyPrefix+id, name, s.ttl); err != nil {
		return Identity{}, fmt.Errorf("persisting guest: %w", err)
	}
	token, err := s.Sign(id)
	if err != nil {
		return Identity{}, err
	}
	s.logger.Info("guest issued",
		zap.String("player_id", id),
		zap.String("username", name),
		zap.Duration("elapsed", time.Since(start)),
	)
	return Identity{PlayerID: id, Username: name, Token: token}, nil
}

func (s *Service) resume(ctx context.Context, token string) (Identity, error) {
	id, err := s.Verify(token)
	if err != nil {
		return Identity{}, err
	}
	key := guestKeyPrefix + id
	name, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return Identity{}, fmt.Errorf("looking up player %s: %w", id, err)
	}
	if !ok {
		return Identity{}, ErrUnknownPlayer
	}
	if err := s.store.Set(ctx, key, name, s.ttl); err != nil {
		s.logger.Warn("refreshing guest ttl", zap.String("player_id", id), zap.Error(err))
	}
	return Identity{PlayerID: id, Username: name}, nil
}

// Sign returns an HS256 token whose subject is playerID.
//
// Postcondition: Returns a token that Verify accepts until the guest TTL elapses.
func (s *Service) Sign(playerID string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   playerID,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks the token signature, issuer and expiry.
//
// Postcondition: Returns the subject player id, or an error wrapping ErrInvalidToken.
func (s *Service) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// guestName returns a display name like "Guest-7F3A".
func guestName() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:4])
	return "Guest-" + suffix
}
