package oauth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type countingSource struct {
	refreshes int32
}

func (s *countingSource) Token(ctx context.Context) (*Token, error) {
	if atomic.LoadInt32(&s.refreshes) > 0 {
		return &Token{AccessToken: "fresh"}, nil
	}
	return &Token{AccessToken: "stale"}, nil
}

func (s *countingSource) ForceRefresh(ctx context.Context) (*Token, error) {
	atomic.AddInt32(&s.refreshes, 1)
	return &Token{AccessToken: "fresh"}, nil
}

func TestTransport_RefreshesOn401(t *testing.T) {
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	source := &countingSource{}
	client := NewClient(source, 5*time.Second)

	resp, err := client.Post(server.URL+"/transcribe", "application/json", strings.NewReader(`{"chunkId":"c1"}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202 after refresh, got %d", resp.StatusCode)
	}
	if source.refreshes != 1 {
		t.Errorf("expected 1 forced refresh, got %d", source.refreshes)
	}
	if len(bodies) != 2 || bodies[1] != `{"chunkId":"c1"}` {
		t.Errorf("expected body replayed on retry, got %v", bodies)
	}
}

func TestToken_Valid(t *testing.T) {
	now := time.Now()
	if (&Token{AccessToken: "a", Expiry: now.Add(10 * time.Second)}).valid(now) {
		t.Error("token inside the leeway window should be refreshed")
	}
	if !(&Token{AccessToken: "a", Expiry: now.Add(time.Hour)}).valid(now) {
		t.Error("token with an hour left should be valid")
	}
	if !(&Token{AccessToken: "a"}).valid(now) {
		t.Error("token without expiry should be valid")
	}
	var nilToken *Token
	if nilToken.valid(now) {
		t.Error("nil token should be invalid")
	}
}
