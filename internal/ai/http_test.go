package ai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/envo/internal/reliability"
	"github.com/ent0n29/envo/internal/session"
)

func TestHTTPBackendConsumeSSE(t *testing.T) {
	b := NewHTTPBackend("http://example.test", false, time.Second)
	stream := strings.NewReader(strings.Join([]string{
		": keepalive",
		"",
		"data: {\"delta\":\"Hel\"}",
		"",
		"data: {\"delta\":\"lo\"}",
		"",
		"data: [DONE]",
		"",
	}, "\n"))

	got, err := b.consumeSSE(stream)
	if err != nil {
		t.Fatalf("consumeSSE() error = %v", err)
	}
	if got != "Hello" {
		t.Fatalf("consumeSSE() = %q, want %q", got, "Hello")
	}
}

func TestHTTPBackendConsumeSSEStrictInvalidJSON(t *testing.T) {
	b := NewHTTPBackend("http://example.test", true, time.Second)
	_, err := b.consumeSSE(strings.NewReader("data: {not-json}\n\n"))
	if err == nil {
		t.Fatalf("consumeSSE() expected error for invalid strict payload")
	}
}

func TestHTTPBackendConsumeNDJSON(t *testing.T) {
	b := NewHTTPBackend("http://example.test", false, time.Second)
	stream := strings.NewReader(strings.Join([]string{
		"{\"delta\":\"Hi\"}",
		" there",
		"[DONE]",
	}, "\n"))

	got, err := b.consumeNDJSON(stream)
	if err != nil {
		t.Fatalf("consumeNDJSON() error = %v", err)
	}
	if got != "Hi there" {
		t.Fatalf("consumeNDJSON() = %q, want %q", got, "Hi there")
	}
}

func TestHTTPBackendConsumeNDJSONStrictInvalidJSON(t *testing.T) {
	b := NewHTTPBackend("http://example.test", true, time.Second)
	if _, err := b.consumeNDJSON(strings.NewReader("not-json\n")); err == nil {
		t.Fatalf("consumeNDJSON() expected error for strict invalid payload")
	}
}

func TestHTTPBackendGenerateJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"text":"ping"`) {
			t.Errorf("request body = %s, want text field", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"pong"}`))
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, false, time.Second)
	got, err := b.Generate(context.Background(), nil, []session.Part{session.TextPart("ping")})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got != "pong" {
		t.Fatalf("Generate() = %q, want pong", got)
	}
}

func TestHTTPBackendGenerateStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, false, time.Second)
	_, err := b.Generate(context.Background(), nil, []session.Part{session.TextPart("ping")})
	var se *reliability.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusTooManyRequests {
		t.Fatalf("Generate() error = %v, want StatusError 429", err)
	}
	if reliability.Classify(err) != reliability.KindQuota {
		t.Fatalf("Classify() = %q, want quota", reliability.Classify(err))
	}
}
