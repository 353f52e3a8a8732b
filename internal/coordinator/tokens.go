package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cue-voice-lab/internal/pipeerr"
)

// ErrInvalidToken is returned for tokens that were never minted, were
// already consumed or have expired.
var ErrInvalidToken = fmt.Errorf("coordinator: invalid capture token: %w", pipeerr.ErrPermissionDenied)

// TokenStore mints single-use capture tokens. Tab audio may only be captured
// with a token the coordinator handed out.
type TokenStore struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	tokens map[string]time.Time // token -> expiry
}

func NewTokenStore(ttl time.Duration) *TokenStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &TokenStore{ttl: ttl, now: time.Now, tokens: make(map[string]time.Time)}
}

// Mint issues a fresh token.
func (s *TokenStore) Mint() string {
	tok := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	s.tokens[tok] = s.now().Add(s.ttl)
	return tok
}

// Validate checks tok without consuming it.
func (s *TokenStore) Validate(tok string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.tokens[tok]
	if !ok || !s.now().Before(exp) {
		return ErrInvalidToken
	}
	return nil
}

// Consume validates tok and invalidates it.
func (s *TokenStore) Consume(tok string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.tokens[tok]
	delete(s.tokens, tok)
	if !ok || !s.now().Before(exp) {
		return ErrInvalidToken
	}
	return nil
}

// Len is the number of live tokens.
func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	return len(s.tokens)
}

func (s *TokenStore) pruneLocked() {
	now := s.now()
	for tok, exp := range s.tokens {
		if !now.Before(exp) {
			delete(s.tokens, tok)
		}
	}
}
