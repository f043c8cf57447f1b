// Package auth obtains mail server credentials and verifies the bearer
// tokens presented to the local API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
)

// JWTVerifier validates bearer tokens, either against a cached JWKS or a
// shared HMAC secret.
type JWTVerifier struct {
	jwksURL     string
	cache       *jwk.Cache
	keySet      jwk.Set
	hmacKey     jwk.Key
	keySetMutex sync.RWMutex
	lastFetch   time.Time
	refreshTTL  time.Duration
	log         zerolog.Logger
}

// NewJWKSVerifier creates a verifier that keeps the key set at jwksURL
// cached and refreshed in the background until ctx is done.
func NewJWKSVerifier(ctx context.Context, jwksURL string, log zerolog.Logger) (*JWTVerifier, error) {
	v := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
		log:        log.With().Str("component", "jwt").Logger(),
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.cache = cache

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	keySet, err := v.fetchKeySet(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.keySet = keySet
	v.lastFetch = time.Now()

	go v.backgroundRefresh(ctx)
	return v, nil
}

// NewHMACVerifier creates a verifier for HS256 tokens signed with secret.
func NewHMACVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty HMAC secret")
	}
	key, err := jwk.FromRaw(secret)
	if err != nil {
		return nil, fmt.Errorf("building HMAC key: %w", err)
	}
	return &JWTVerifier{hmacKey: key, log: zerolog.Nop()}, nil
}

// fetchKeySet retrieves the JWKS from the cache, fetching directly if the
// cache fails.
func (v *JWTVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *JWTVerifier) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		keySet, err := v.fetchKeySet(fetchCtx)
		cancel()
		if err != nil {
			v.log.Warn().Err(err).Str("jwks_url", v.jwksURL).Msg("JWKS refresh failed")
			continue
		}
		v.keySetMutex.Lock()
		v.keySet = keySet
		v.lastFetch = time.Now()
		v.keySetMutex.Unlock()
	}
}

func (v *JWTVerifier) getKeySet() jwk.Set {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet
}

func (v *JWTVerifier) parseOptions() []jwt.ParseOption {
	if v.hmacKey != nil {
		return []jwt.ParseOption{jwt.WithKey(jwa.HS256, v.hmacKey), jwt.WithValidate(true)}
	}
	return []jwt.ParseOption{jwt.WithKeySet(v.getKeySet()), jwt.WithValidate(true)}
}

// UserFromRequest extracts and validates the bearer token of r.
func (v *JWTVerifier) UserFromRequest(r *http.Request) (*User, error) {
	token, err := jwt.ParseRequest(r, v.parseOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}
	return userFromToken(token)
}

// UserFromToken validates a raw compact token.
func (v *JWTVerifier) UserFromToken(raw string) (*User, error) {
	token, err := jwt.ParseString(raw, v.parseOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}
	return userFromToken(token)
}

func userFromToken(token jwt.Token) (*User, error) {
	userID := token.Subject()
	if userID == "" {
		return nil, errors.New("token missing user ID (subject)")
	}

	var email, name string
	if emailClaim, ok := token.Get("email"); ok {
		email, _ = emailClaim.(string)
	}
	if nameClaim, ok := token.Get("name"); ok {
		name, _ = nameClaim.(string)
	}
	return &User{ID: userID, Email: email, Name: name}, nil
}

// CacheStats describes the cached key set.
type CacheStats struct {
	KeysCached int       `json:"keys_cached"`
	LastFetch  time.Time `json:"last_fetch"`
	JWKSURL    string    `json:"jwks_url,omitempty"`
}

func (v *JWTVerifier) Stats() CacheStats {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()

	s := CacheStats{LastFetch: v.lastFetch, JWKSURL: v.jwksURL}
	if v.keySet != nil {
		s.KeysCached = v.keySet.Len()
	}
	if v.hmacKey != nil {
		s.KeysCached = 1
	}
	return s
}
