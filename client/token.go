package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// RefreshFunc obtains a fresh bearer token from the auth collaborator. It may
// suspend on the network.
type RefreshFunc func(ctx context.Context) (string, error)

// CachingTokenSource wraps a RefreshFunc and reuses the token until shortly
// before its JWT expiry. Tokens without a readable exp claim are refreshed on
// every call.
type CachingTokenSource struct {
	refresh RefreshFunc
	leeway  time.Duration

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewCachingTokenSource creates a token source refreshing leeway before
// expiry. A non-positive leeway defaults to one minute.
func NewCachingTokenSource(refresh RefreshFunc, leeway time.Duration) *CachingTokenSource {
	if leeway <= 0 {
		leeway = time.Minute
	}
	return &CachingTokenSource{refresh: refresh, leeway: leeway}
}

// Token returns a cached token or refreshes it.
func (s *CachingTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.expiry.Add(-s.leeway)) {
		return s.token, nil
	}

	token, err := s.refresh(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", errors.New("auth collaborator returned empty token")
	}

	s.token = token
	s.expiry = tokenExpiry(token)
	return token, nil
}

// Invalidate drops the cached token so the next call refreshes.
func (s *CachingTokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiry = time.Time{}
	s.mu.Unlock()
}

// tokenExpiry reads the exp claim without verifying the signature; the server
// is the authority on validity, the client only needs a refresh hint.
func tokenExpiry(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
