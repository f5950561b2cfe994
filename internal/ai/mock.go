package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/envo/internal/session"
)

// MockBackend provides deterministic local replies when no AI provider is
// configured.
type MockBackend struct{}

func NewMockBackend() *MockBackend { return &MockBackend{} }

func (b *MockBackend) Name() string { return "mock" }

func (b *MockBackend) Generate(ctx context.Context, history []session.Turn, prompt []session.Part) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	return buildMockReply(history, prompt), nil
}

func buildMockReply(history []session.Turn, prompt []session.Part) string {
	text, blobs := splitParts(prompt)
	base := strings.TrimSpace(text)
	if base == "" {
		base = "(no text)"
	}
	reply := fmt.Sprintf("I heard you: %s", base)
	if len(blobs) > 0 {
		reply += fmt.Sprintf(" [%d attachment(s)]", len(blobs))
	}

	// Skip the persona pair when looking for the previous user message.
	for i := len(history) - 1; i >= 2; i-- {
		if history[i].Role != session.RoleUser {
			continue
		}
		if last := strings.TrimSpace(history[i].Text()); last != "" {
			return reply + "\nI also remember: " + last
		}
	}
	return reply
}
