package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/IvanRicoPrieto/CCRemote/internal/db"
)

const tokenKey = "auth_token"

var ErrUnauthorized = errors.New("invalid token")

// Store issues and validates the daemon's single long-lived bearer token.
// The token lives in the record store's config table and is cached so
// validation never touches the database on the hot path.
type Store struct {
	db *db.Store

	mu    sync.RWMutex
	token string
}

func NewStore(store *db.Store) *Store {
	return &Store{db: store}
}

// EnsureToken loads the persisted token, generating and storing one on first
// run.
func (s *Store) EnsureToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" {
		return s.token, nil
	}
	token, err := s.db.GetConfig(ctx, tokenKey)
	if err == nil && token != "" {
		s.token = token
		return token, nil
	}
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return "", fmt.Errorf("load auth token: %w", err)
	}
	return s.rotateLocked(ctx)
}

// Rotate replaces the token; existing clients must re-authenticate.
func (s *Store) Rotate(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked(ctx)
}

func (s *Store) rotateLocked(ctx context.Context) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := s.db.SetConfig(ctx, tokenKey, token); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	s.token = token
	return token, nil
}

// Validate compares in constant time regardless of where the candidate
// diverges.
func (s *Store) Validate(candidate string) bool {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1
}
