package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/envo/internal/reliability"
	"github.com/ent0n29/envo/internal/session"
)

// HTTPBackend forwards requests to a generic JSON endpoint. Replies may be a
// JSON object, plain text, an SSE stream or NDJSON.
type HTTPBackend struct {
	url    string
	strict bool
	client *http.Client
}

type httpRequest struct {
	History []session.Turn `json:"history"`
	Prompt  []session.Part `json:"prompt"`
	Text    string         `json:"text"`
}

func NewHTTPBackend(url string, strict bool, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPBackend{
		url:    strings.TrimSpace(url),
		strict: strict,
		client: &http.Client{Timeout: timeout},
	}
}

func (b *HTTPBackend) Name() string { return "http" }

func (b *HTTPBackend) Generate(ctx context.Context, history []session.Turn, prompt []session.Part) (string, error) {
	text, _ := splitParts(prompt)
	payload, err := json.Marshal(httpRequest{History: history, Prompt: prompt, Text: text})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", &reliability.StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var reply string
	ct := strings.ToLower(res.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/event-stream"):
		reply, err = b.consumeSSE(res.Body)
	case strings.Contains(ct, "application/x-ndjson"):
		reply, err = b.consumeNDJSON(res.Body)
	default:
		reply, err = b.consumeBody(res.Body)
	}
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}

func (b *HTTPBackend) consumeBody(body io.Reader) (string, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		if b.strict {
			return "", fmt.Errorf("decode response: %w", err)
		}
		return string(raw), nil
	}
	return extractText(obj), nil
}

func (b *HTTPBackend) consumeSSE(body io.Reader) (string, error) {
	scanner := newLineScanner(body)
	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		delta, err := b.decodeChunk(data)
		if err != nil {
			return "", err
		}
		out.WriteString(delta)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read: %w", err)
	}
	return out.String(), nil
}

func (b *HTTPBackend) consumeNDJSON(body io.Reader) (string, error) {
	scanner := newLineScanner(body)
	var out strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if trimmed == "[DONE]" {
			break
		}
		if !strings.HasPrefix(trimmed, "{") && !b.strict {
			out.WriteString(line)
			continue
		}
		delta, err := b.decodeChunk(trimmed)
		if err != nil {
			return "", err
		}
		out.WriteString(delta)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read: %w", err)
	}
	return out.String(), nil
}

func (b *HTTPBackend) decodeChunk(data string) (string, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		if b.strict {
			return "", fmt.Errorf("decode stream chunk: %w", err)
		}
		return data, nil
	}
	return extractText(obj), nil
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return scanner
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "reply", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
