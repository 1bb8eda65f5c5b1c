package httputil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseErrorResponse_Success(t *testing.T) {
	resp := &http.Response{
		StatusCode: 200,
		Body:       http.NoBody,
	}

	err := ParseErrorResponse(resp)
	if err != nil {
		t.Errorf("Expected nil error for 200 response, got: %v", err)
	}
}

func TestParseErrorResponse_Error(t *testing.T) {
	body := `{"error": "Found transcription token not recognised"}`
	resp := &http.Response{
		StatusCode: 400,
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    httptest.NewRequest("POST", "http://asr.internal/transcribe", nil),
	}

	err := ParseErrorResponse(resp)
	if err == nil {
		t.Fatal("Expected error for 400 response")
	}

	httpErr, ok := err.(*HTTPError)
	if !ok {
		t.Fatalf("Expected *HTTPError, got %T", err)
	}

	if httpErr.StatusCode != 400 {
		t.Errorf("Expected status 400, got %d", httpErr.StatusCode)
	}

	if !strings.Contains(httpErr.Body, "token not recognised") {
		t.Errorf("Expected body to contain error message, got: %s", httpErr.Body)
	}

	if !strings.Contains(httpErr.Error(), "token not recognised") {
		t.Errorf("Expected Error() to contain body, got: %s", httpErr.Error())
	}
}

func TestParseErrorResponse_BodyRewrap(t *testing.T) {
	body := `{"error": "test"}`
	resp := &http.Response{
		StatusCode: 500,
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    httptest.NewRequest("GET", "http://asr.internal/transcribe", nil),
	}

	_ = ParseErrorResponse(resp)

	// Body should be re-wrapped and readable
	rewrappedBody := make([]byte, 100)
	n, _ := resp.Body.Read(rewrappedBody)
	if string(rewrappedBody[:n]) != body {
		t.Errorf("Body not properly re-wrapped, got: %s", string(rewrappedBody[:n]))
	}
}

func TestHTTPError_Message(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"error": "chunk not found"}`, "chunk not found"},
		{`{"detail": "Transcription failed: bad audio"}`, "Transcription failed: bad audio"},
		{`plain text failure`, "plain text failure"},
		{``, "Internal Server Error"},
	}
	for _, tt := range tests {
		e := &HTTPError{StatusCode: 500, Status: "Internal Server Error", Body: tt.body}
		if got := e.Message(); got != tt.want {
			t.Errorf("body %q: expected %q, got %q", tt.body, tt.want, got)
		}
	}
}

func TestIsRetryableStatus(t *testing.T) {
	retryable := []int{408, 429, 500, 502, 503}
	for _, code := range retryable {
		if !IsRetryableStatus(code) {
			t.Errorf("expected %d to be retryable", code)
		}
	}
	final := []int{400, 401, 404, 422}
	for _, code := range final {
		if IsRetryableStatus(code) {
			t.Errorf("expected %d to be final", code)
		}
	}
}

func TestParseErrorResponse_NoRequest(t *testing.T) {
	resp := &http.Response{
		StatusCode: 503,
		Body:       io.NopCloser(strings.NewReader("busy")),
	}
	err := ParseErrorResponse(resp)
	httpErr, ok := err.(*HTTPError)
	if !ok {
		t.Fatalf("Expected *HTTPError, got %T", err)
	}
	if httpErr.URL != "" || !httpErr.Retryable() {
		t.Errorf("unexpected error: %+v", httpErr)
	}
}

func TestTruncate(t *testing.T) {
	short := "hello"
	if truncate(short, 10) != "hello" {
		t.Error("Short string should not be truncated")
	}

	long := strings.Repeat("a", 600)
	truncated := truncate(long, 500)
	if len(truncated) != 503 { // 500 + "..."
		t.Errorf("Expected length 503, got %d", len(truncated))
	}
	if !strings.HasSuffix(truncated, "...") {
		t.Error("Truncated string should end with ...")
	}
}
