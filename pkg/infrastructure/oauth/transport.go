package oauth

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Transport signs analysis-service requests with a bearer token. A 401 is
// answered once with a forced refresh, since the token issuer may have
// rotated its keys while the cached token still looked valid.
type Transport struct {
	Source TokenSource
	// Base defaults to http.DefaultTransport.
	Base   http.RoundTripper
	Logger *slog.Logger
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	token, err := t.Source.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("oauth: token for %s: %w", req.URL.Host, err)
	}

	signed := withBearer(req, token)
	resp, err := t.base().RoundTrip(signed)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	resp.Body.Close()

	t.logger().Warn("Analysis service rejected token, refreshing", "component", "oauth", "host", req.URL.Host)
	token, err = t.Source.ForceRefresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("oauth: refresh after 401: %w", err)
	}
	retry := withBearer(req, token)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("oauth: rewind body: %w", err)
		}
		retry.Body = body
	}
	return t.base().RoundTrip(retry)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// withBearer clones req with its own header map; RoundTrippers must not
// modify the caller's request.
func withBearer(req *http.Request, token *Token) *http.Request {
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+token.AccessToken)
	return out
}

// NewClient creates an HTTP client that authenticates every request with source.
// A nil source yields a plain client.
func NewClient(source TokenSource, timeout time.Duration) *http.Client {
	client := &http.Client{Timeout: timeout}
	if source != nil {
		client.Transport = &Transport{Source: source}
	}
	return client
}
