package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ErrNoMailAccount is returned when the user has no mail account linked.
var ErrNoMailAccount = errors.New("auth: no mail account connected")

// TokenClient fetches mail server access tokens from the auth server
type TokenClient struct {
	baseURL string
	client  *http.Client
}

// NewTokenClient creates client to fetch tokens from the auth server at authServerURL
func NewTokenClient(authServerURL string) *TokenClient {
	return &TokenClient{
		baseURL: strings.TrimRight(authServerURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetToken exchanges the user's JWT for a mail server access token.
// The auth server handles storage and refresh.
func (c *TokenClient) GetToken(ctx context.Context, userJWT string) (*oauth2.Token, error) {
	url := c.baseURL + "/api/auth/mail/token"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+userJWT)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoMailAccount
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.AccessToken == "" {
		return nil, errors.New("auth server returned an empty access token")
	}

	tok := &oauth2.Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		TokenType:    "Bearer",
	}
	if result.ExpiresAt > 0 {
		tok.Expiry = time.Unix(result.ExpiresAt, 0)
	}
	return tok, nil
}

// TokenSource returns a source that asks the auth server again once the
// current token expires.
func (c *TokenClient) TokenSource(ctx context.Context, userJWT string) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &jwtSource{ctx: ctx, client: c, userJWT: userJWT})
}

type jwtSource struct {
	ctx     context.Context
	client  *TokenClient
	userJWT string
}

func (s *jwtSource) Token() (*oauth2.Token, error) {
	return s.client.GetToken(s.ctx, s.userJWT)
}
