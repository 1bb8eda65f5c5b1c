package oauth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// expiryLeeway refreshes tokens shortly before they actually expire.
const expiryLeeway = 30 * time.Second

// Token represents the OAuth token structure we care about
type Token struct {
	AccessToken string
	Expiry      time.Time
}

func (t *Token) valid(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return t.Expiry.IsZero() || now.Add(expiryLeeway).Before(t.Expiry)
}

// TokenSource returns a valid token.
// It is safe for concurrent use by multiple goroutines.
type TokenSource interface {
	Token(context.Context) (*Token, error)
	ForceRefresh(context.Context) (*Token, error)
}

// ClientCredentialsSource authenticates the orchestrator itself against the
// analysis services using the OAuth2 client-credentials grant.
type ClientCredentialsSource struct {
	cfg *clientcredentials.Config
	now func() time.Time

	mu    sync.Mutex
	token *Token
}

func NewClientCredentialsSource(clientID, clientSecret, tokenURL string, scopes ...string) *ClientCredentialsSource {
	return &ClientCredentialsSource{
		cfg: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		},
		now: time.Now,
	}
}

// Token returns the cached token, fetching a new one when it is close to expiry.
func (s *ClientCredentialsSource) Token(ctx context.Context) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.valid(s.now()) {
		return s.token, nil
	}
	return s.fetch(ctx)
}

// ForceRefresh forcibly refreshes the token regardless of expiry.
func (s *ClientCredentialsSource) ForceRefresh(ctx context.Context) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetch(ctx)
}

func (s *ClientCredentialsSource) fetch(ctx context.Context) (*Token, error) {
	tok, err := s.cfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("client credentials exchange: %w", err)
	}
	s.token = &Token{AccessToken: tok.AccessToken, Expiry: tok.Expiry}
	return s.token, nil
}

// StaticSource serves a fixed token. Used for pre-shared service keys.
type StaticSource struct {
	AccessToken string
}

func (s StaticSource) Token(context.Context) (*Token, error) {
	return &Token{AccessToken: s.AccessToken}, nil
}

func (s StaticSource) ForceRefresh(ctx context.Context) (*Token, error) {
	return s.Token(ctx)
}
