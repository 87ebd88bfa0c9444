// Package credential holds the authentication credential that gates sync.
package credential

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gyaneshwarpardhi/sessionsync/internal/medium"
	"github.com/gyaneshwarpardhi/sessionsync/internal/storage"
)

// storageName is the fixed key the current credential lives under.
const storageName = "current_credential"

// Credential is the persisted authentication state. At most one exists.
type Credential struct {
	Token     string     `json:"token"`
	UserID    string     `json:"user_id,omitempty"`
	Email     string     `json:"email,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// FromToken builds a credential, reading the expiry and subject from the
// token when it is a JWT. The signature is not verified: the client never
// holds the signing key, and the server re-validates every request.
func FromToken(token string) Credential {
	c := Credential{Token: token}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return c
	}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.UTC()
		c.ExpiresAt = &exp
	}
	c.UserID = claims.Subject
	return c
}

// Usable reports whether the credential can authorize requests at now.
func (c *Credential) Usable(now time.Time) bool {
	if c == nil || c.Token == "" {
		return false
	}
	return c.ExpiresAt == nil || now.Before(*c.ExpiresAt)
}

// Store serializes access to the current credential. The last writer wins;
// a read issued after a write returns that write's value. Every read goes
// back to the medium, so a login or logout written by another process
// sharing it (the CLI next to a daemon) takes effect on the next read.
type Store struct {
	mu     sync.Mutex
	module *storage.Module[Credential]
	logger *slog.Logger
}

// NewStore persists the credential through m.
func NewStore(m medium.Medium, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		module: storage.New[Credential](m, nil, storage.Options{Logger: logger}),
		logger: logger.With("component", "credential"),
	}
}

// Current returns the stored credential, or nil when unauthenticated.
// An unreadable record is deleted and treated as absent.
func (s *Store) Current(ctx context.Context) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok, err := s.module.Read(ctx, storageName, storage.Refresh(), storage.DeleteOnError())
	if err != nil || !ok {
		return nil, err
	}
	return clone(&c), nil
}

// Update replaces the credential wholesale. nil logs out.
func (s *Store) Update(ctx context.Context, c *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.module.Write(ctx, storageName, c); err != nil {
		return err
	}
	if c == nil {
		s.logger.Info("credential cleared")
	} else {
		s.logger.Info("credential updated", "user_id", c.UserID)
	}
	return nil
}

func clone(c *Credential) *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	if c.ExpiresAt != nil {
		exp := *c.ExpiresAt
		cp.ExpiresAt = &exp
	}
	return &cp
}
