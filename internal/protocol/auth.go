// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package protocol

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// ErrAuthFailed is returned when a token fails signature or claim checks.
var ErrAuthFailed = errors.New("protocol: authentication failed")

// ErrRateLimited is returned when a remote address has exceeded its
// authentication attempt budget.
var ErrRateLimited = errors.New("protocol: too many authentication attempts")

// TokenIssuer signs and verifies the short-lived JWTs used by the wsserver
// companion listener (the primary Unix socket endpoint trusts filesystem
// permissions instead; see DESIGN.md). Signing key is generated fresh per
// daemon start and never persisted.
type TokenIssuer struct {
	key []byte
}

// NewTokenIssuer generates a fresh random HMAC signing key.
func NewTokenIssuer() (*TokenIssuer, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &TokenIssuer{key: key}, nil
}

// Issue mints a token valid for ttl, identifying the client as subject.
func (t *TokenIssuer) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.key)
}

// Verify checks signature, expiry, and not-before on raw, returning the
// subject it was issued for.
func (t *TokenIssuer) Verify(raw string) (string, error) {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return t.key, nil
	})
	if err != nil || !token.Valid {
		return "", ErrAuthFailed
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return "", ErrAuthFailed
	}
	return claims.Subject, nil
}

// RateLimiter throttles authentication attempts per remote address, each
// address getting its own token bucket lazily created on first use.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

// NewRateLimiter allows burst attempts immediately, then one every 1/r
// seconds, per remote address.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        r,
		burst:    burst,
	}
}

// Allow reports whether addr may attempt authentication right now.
func (l *RateLimiter) Allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[addr]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.limiters[addr] = lim
	}
	return lim.Allow()
}
