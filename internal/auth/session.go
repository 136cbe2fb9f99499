package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatline/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthorized means the credential is absent, expired or rejected by
	// the backend. It is not recoverable locally.
	ErrUnauthorized = errors.New("unauthorized")
)

type Config struct {
	Token string
	User  models.UserRef
	// OnUnauthorized is invoked once per token when the credential stops
	// working. It is the place to send the user back to login.
	OnUnauthorized func(err error)
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("%w: token is required", ErrUnauthorized)
	}
	if c.User.ID == "" {
		return errors.New("user id is required")
	}
	return nil
}

// Session holds the bearer credential and the current user.
type Session struct {
	cfg       Config
	expiresAt time.Time
	reported  bool
	now       func() time.Time
	mu        sync.Mutex
}

func NewSession(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		cfg:       cfg,
		expiresAt: tokenExpiry(cfg.Token),
		now:       time.Now,
	}, nil
}

// tokenExpiry reads the exp claim of a JWT without verifying it. Opaque
// tokens and tokens without exp never expire locally.
func tokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

func (s *Session) User() models.UserRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.User
}

// Token returns the bearer token or ErrUnauthorized if it already expired.
func (s *Session) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.expiresAt.IsZero() && !s.now().Before(s.expiresAt) {
		return "", fmt.Errorf("%w: token expired at %s", ErrUnauthorized, s.expiresAt.Format(time.RFC3339))
	}
	return s.cfg.Token, nil
}

// ExpiresAt returns the token expiry, zero if unknown.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// SetToken replaces the credential after re-authentication.
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Token = token
	s.expiresAt = tokenExpiry(token)
	s.reported = false
}

// Unauthorized hands an authentication failure to the re-authentication hook.
// Repeated failures for the same token are reported once.
func (s *Session) Unauthorized(err error) {
	s.mu.Lock()
	if s.reported {
		s.mu.Unlock()
		return
	}
	s.reported = true
	hook := s.cfg.OnUnauthorized
	userID := s.cfg.User.ID
	s.mu.Unlock()

	slog.Warn("credential rejected", "user_id", userID, "error", err)
	if hook != nil {
		hook(err)
	}
}
