package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// Token consumption failures.
var (
	ErrTokenUnknown  = errors.New("session: unknown token")
	ErrTokenExpired  = errors.New("session: token expired")
	ErrTokenConsumed = errors.New("session: token already consumed")
)

// Token is a short-lived, single-use grant issued after payment and redeemed
// at WebSocket upgrade.
type Token struct {
	Value     string
	Quote     Quote
	Payer     string
	ExpiresAt time.Time
	consumed  bool
}

// tokenStore holds pending tokens between the paid HTTP handshake and the
// upgrade. Consume is atomic: exactly one upgrade wins a token.
type tokenStore struct {
	mu     sync.Mutex
	tokens map[string]*Token
	ttl    time.Duration
}

func newTokenStore(ttl time.Duration) *tokenStore {
	return &tokenStore{
		tokens: make(map[string]*Token),
		ttl:    ttl,
	}
}

// issue mints a 32-byte hex token bound to the quote.
func (s *tokenStore) issue(quote Quote, payer string) *Token {
	raw := make([]byte, 32)
	rand.Read(raw)

	t := &Token{
		Value:     hex.EncodeToString(raw),
		Quote:     quote,
		Payer:     payer,
		ExpiresAt: time.Now().Add(s.ttl),
	}

	s.mu.Lock()
	s.tokens[t.Value] = t
	s.mu.Unlock()
	return t
}

// consume redeems a token exactly once.
func (s *tokenStore) consume(value string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[value]
	if !ok {
		return nil, ErrTokenUnknown
	}
	if t.consumed {
		return nil, ErrTokenConsumed
	}
	if time.Now().After(t.ExpiresAt) {
		delete(s.tokens, value)
		return nil, ErrTokenExpired
	}
	t.consumed = true
	delete(s.tokens, value)
	return t, nil
}

// sweep drops expired tokens.
func (s *tokenStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for value, t := range s.tokens {
		if now.After(t.ExpiresAt) {
			delete(s.tokens, value)
		}
	}
}

func (s *tokenStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
