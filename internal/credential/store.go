// Package credential holds the current session credential and persists it
// under a single storage key.
//
// Reads are served from memory and never fail. Anything unreadable in the
// backend at open time is treated as logged out.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/arenalink/internal/model"
)

// Errors
var (
	ErrNotFound        = errors.New("credential not found")
	ErrEmptyCredential = errors.New("credential has no tokens")
)

// Backend is durable key/value storage for the persisted credential blob.
type Backend interface {
	// Load returns ErrNotFound when key has never been saved or was deleted.
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// Store owns the process-wide credential.
type Store struct {
	backend Backend
	key     string
	logger  *slog.Logger

	mu      sync.RWMutex
	current model.Credential
	present bool
}

// Open creates a store and loads any persisted credential from backend.
func Open(ctx context.Context, backend Backend, key string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		backend: backend,
		key:     key,
		logger:  logger,
	}
	s.load(ctx)
	return s
}

func (s *Store) load(ctx context.Context) {
	data, err := s.backend.Load(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("credential backend unreadable, starting logged out", "key", s.key, "error", err)
		return
	}

	c, err := model.DecodePersisted(data)
	if err != nil {
		s.logger.Warn("persisted credential malformed, starting logged out", "key", s.key, "error", err)
		return
	}

	s.current = c
	s.present = true
	s.logger.Debug("credential loaded", "key", s.key)
}

// Get returns the current credential and whether one is present.
func (s *Store) Get() (model.Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.present
}

// Set replaces the credential and persists it. The in-memory value is
// updated even when persisting fails.
func (s *Store) Set(ctx context.Context, c model.Credential) error {
	if c.IsZero() {
		return ErrEmptyCredential
	}

	data, err := json.Marshal(c.Persisted())
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}

	s.mu.Lock()
	s.current = c
	s.present = true
	s.mu.Unlock()

	if err := s.backend.Save(ctx, s.key, data); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	return nil
}

// Clear drops the credential from memory and storage.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.current = model.Credential{}
	s.present = false
	s.mu.Unlock()

	if err := s.backend.Delete(ctx, s.key); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
