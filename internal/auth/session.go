package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rickgao/arenalink/internal/model"
)

// LoginClient performs login and logout calls.
type LoginClient interface {
	Login(ctx context.Context, username, password string) (model.Credential, error)
	Logout(ctx context.Context, accessToken string) error
}

// SessionStore is the credential store as seen by a session.
type SessionStore interface {
	CredentialStore
	Clear(ctx context.Context) error
}

// Session handles explicit login and logout.
type Session struct {
	client LoginClient
	store  SessionStore
	logger *slog.Logger
}

// NewSession creates a session over store.
func NewSession(client LoginClient, store SessionStore, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{client: client, store: store, logger: logger}
}

// Login authenticates and stores the resulting credential.
func (s *Session) Login(ctx context.Context, username, password string) (model.Credential, error) {
	cred, err := s.client.Login(ctx, username, password)
	if err != nil {
		return model.Credential{}, fmt.Errorf("login: %w", err)
	}
	if err := s.store.Set(ctx, cred); err != nil {
		s.logger.Warn("credential not persisted", "error", err)
	}
	s.logger.Info("logged in")
	return cred, nil
}

// Logout notifies the server on a best-effort basis and clears the
// local credential regardless of the outcome.
func (s *Session) Logout(ctx context.Context) error {
	if cred, ok := s.store.Get(); ok && cred.AccessToken != "" {
		if err := s.client.Logout(ctx, cred.AccessToken); err != nil {
			s.logger.Debug("logout notification failed", "error", err)
		}
	}
	return s.Expire(ctx)
}

// Expire clears the local credential without contacting the server. It is
// the teardown used after a terminal refresh failure.
func (s *Session) Expire(ctx context.Context) error {
	if err := s.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	s.logger.Info("logged out")
	return nil
}
