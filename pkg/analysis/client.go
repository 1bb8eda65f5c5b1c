package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	shared "github.com/clipforge/server/pkg"
	httputil "github.com/clipforge/server/pkg/infrastructure/http"
)

const (
	DefaultPollInterval  = 10 * time.Second
	DefaultMaxAttempts   = 30
	DefaultRenderTimeout = 10 * time.Minute

	defaultRequestTimeout = 30 * time.Second
)

// Endpoint describes one analysis service operation. Name is the stage name
// and selects the result schema.
type Endpoint struct {
	Name         string
	BaseURL      string
	SubmitPath   string
	StatusPath   string
	PollInterval time.Duration
	MaxAttempts  int
	Timeout      time.Duration
}

func (ep Endpoint) requestTimeout() time.Duration {
	if ep.Timeout > 0 {
		return ep.Timeout
	}
	return defaultRequestTimeout
}

// statusBody is the envelope every analysis service answers with. The stage
// result is either nested under "result" or inlined next to "status".
type statusBody struct {
	Status  string          `json:"status"`
	Token   string          `json:"token,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func (b *statusBody) failure() string {
	switch {
	case b.Error != "":
		return b.Error
	case b.Message != "":
		return b.Message
	}
	return "upstream reported failure"
}

// Client submits work to the analysis services and waits for completion by
// polling. Webhook deliveries are fed into the same wait through Notify.
type Client struct {
	HTTP      *http.Client
	Logger    *slog.Logger
	validator *Validator

	mu      sync.Mutex
	waiters map[string]chan []byte
}

func NewClient(httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		HTTP:      httpClient,
		Logger:    logger.With("component", "analysis_client"),
		validator: validator,
		waiters:   make(map[string]chan []byte),
	}, nil
}

// Submit posts payload to the endpoint's submit path and returns the
// correlation token. Services that answer without a token are keyed by id.
func (c *Client) Submit(ctx context.Context, ep Endpoint, id string, payload interface{}) (string, error) {
	body, err := c.post(ctx, ep, ep.BaseURL+ep.SubmitPath, payload, ep.requestTimeout())
	if err != nil {
		return "", err
	}

	var accepted statusBody
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &accepted); err != nil {
			return "", &shared.ExternalServiceError{Service: ep.Name, Message: "malformed submit response", Err: err}
		}
	}
	if strings.EqualFold(accepted.Status, "failed") {
		return "", &shared.ExternalServiceError{Service: ep.Name, Message: accepted.failure()}
	}

	token := accepted.Token
	if token == "" {
		token = id
	}
	c.Logger.Debug("Submitted", "service", ep.Name, "id", id, "token", token)
	return token, nil
}

// AwaitCompletion polls the status path for id until the service reports
// completed or failed, or the attempt budget runs out. Each wait yields to the
// scheduler and ends early on ctx cancellation or a webhook notification.
func (c *Client) AwaitCompletion(ctx context.Context, ep Endpoint, id string) (json.RawMessage, error) {
	interval := ep.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	maxAttempts := ep.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	notify := c.register(ep.Name, id)
	defer c.unregister(ep.Name, id, notify)

	started := time.Now()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		timer := time.NewTimer(interval)
		var body []byte
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case body = <-notify:
			timer.Stop()
			c.Logger.Debug("Status pushed", "service", ep.Name, "id", id, "attempt", attempt)
		case <-timer.C:
			b, err := c.poll(ctx, ep, id)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				c.Logger.Warn("Status poll failed", "service", ep.Name, "id", id, "attempt", attempt, "error", err)
				continue
			}
			body = b
		}
		if body == nil {
			continue
		}

		result, done, err := c.interpret(ep, body)
		if done {
			return result, err
		}
	}

	return nil, &shared.TimeoutError{
		Service:    ep.Name,
		ResourceID: id,
		Attempts:   maxAttempts,
		Elapsed:    time.Since(started),
	}
}

// Do performs a single request/response call, used for rendering where the
// service answers only once the work is finished.
func (c *Client) Do(ctx context.Context, ep Endpoint, payload interface{}) (json.RawMessage, error) {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = DefaultRenderTimeout
	}
	body, err := c.post(ctx, ep, ep.BaseURL+ep.SubmitPath, payload, timeout)
	if err != nil {
		return nil, err
	}

	var sb statusBody
	if err := json.Unmarshal(body, &sb); err != nil {
		return nil, &shared.ExternalServiceError{Service: ep.Name, Message: "malformed response", Err: err}
	}
	if strings.EqualFold(sb.Status, "failed") || strings.EqualFold(sb.Status, "error") {
		return nil, &shared.ExternalServiceError{Service: ep.Name, Message: sb.failure()}
	}
	return c.validated(ep, body, sb.Result)
}

// Notify hands a pushed status body to the poll loop waiting on (stage, id).
// It reports false when nothing is waiting; the push is then dropped.
func (c *Client) Notify(stage, id string, body []byte) bool {
	c.mu.Lock()
	ch, ok := c.waiters[waiterKey(stage, id)]
	c.mu.Unlock()
	if !ok {
		c.Logger.Info("Dropping status push without a waiter", "service", stage, "id", id)
		return false
	}
	select {
	case ch <- body:
	default:
		// A push is already pending; the newer body supersedes it.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- body:
		default:
		}
	}
	return true
}

func waiterKey(stage, id string) string {
	return stage + "/" + id
}

func (c *Client) register(stage, id string) chan []byte {
	ch := make(chan []byte, 1)
	c.mu.Lock()
	c.waiters[waiterKey(stage, id)] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) unregister(stage, id string, ch chan []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := waiterKey(stage, id)
	if c.waiters[key] == ch {
		delete(c.waiters, key)
	}
}

// interpret decides whether a status body ends the wait.
func (c *Client) interpret(ep Endpoint, body []byte) (json.RawMessage, bool, error) {
	var sb statusBody
	if err := json.Unmarshal(body, &sb); err != nil {
		c.Logger.Warn("Ignoring malformed status body", "service", ep.Name, "error", err)
		return nil, false, nil
	}
	switch strings.ToLower(sb.Status) {
	case "completed", "complete", "done":
		result, err := c.validated(ep, body, sb.Result)
		return result, true, err
	case "failed", "error":
		return nil, true, &shared.ExternalServiceError{Service: ep.Name, Message: sb.failure()}
	default:
		return nil, false, nil
	}
}

func (c *Client) validated(ep Endpoint, body []byte, nested json.RawMessage) (json.RawMessage, error) {
	result := json.RawMessage(body)
	if len(nested) > 0 && string(nested) != "null" {
		result = nested
	}
	if err := c.validator.Validate(ep.Name, result); err != nil {
		return nil, &shared.ExternalServiceError{Service: ep.Name, Message: "invalid result payload", Err: err}
	}
	return result, nil
}

func (c *Client) poll(ctx context.Context, ep Endpoint, id string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, ep.requestTimeout())
	defer cancel()

	statusURL := strings.TrimSuffix(ep.BaseURL+ep.StatusPath, "/") + "/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Results are not published until the job exists upstream.
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := httputil.ParseErrorResponse(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) post(ctx context.Context, ep Endpoint, target string, payload interface{}, timeout time.Duration) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", ep.Name, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", ep.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &shared.ExternalServiceError{Service: ep.Name, Message: "request failed", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if err := httputil.ParseErrorResponse(resp); err != nil {
		var httpErr *httputil.HTTPError
		if errors.As(err, &httpErr) {
			return nil, &shared.ExternalServiceError{
				Service:    ep.Name,
				StatusCode: httpErr.StatusCode,
				Message:    httpErr.Message(),
				Retryable:  httpErr.Retryable(),
				Err:        err,
			}
		}
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &shared.ExternalServiceError{Service: ep.Name, Message: "read response", Retryable: true, Err: err}
	}
	return body, nil
}
