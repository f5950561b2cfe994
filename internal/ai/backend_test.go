package ai

import (
	"context"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/ent0n29/envo/internal/session"
)

func TestNewBackendAutoRequiresCredentials(t *testing.T) {
	if _, err := NewBackend(context.Background(), BackendConfig{Provider: "auto"}); err == nil {
		t.Fatalf("NewBackend(auto) expected error without credentials")
	}
}

func TestNewBackendSelection(t *testing.T) {
	cases := []struct {
		cfg  BackendConfig
		want string
	}{
		{BackendConfig{Provider: "mock"}, "mock"},
		{BackendConfig{Provider: "http", HTTPURL: "http://127.0.0.1:1/reply"}, "http"},
		{BackendConfig{Provider: "openai", OpenAIAPIKey: "sk-test"}, "openai"},
		{BackendConfig{Provider: "openai", OpenAIAPIKey: "sk-test", OpenAIBaseURL: "http://localhost:11434/v1"}, "openai-compatible"},
		{BackendConfig{Provider: "anthropic", AnthropicAPIKey: "sk-ant"}, "anthropic"},
		{BackendConfig{OpenAIAPIKey: "sk-test"}, "openai"},
		{BackendConfig{HTTPURL: "http://127.0.0.1:1/reply"}, "http"},
	}
	for _, tc := range cases {
		b, err := NewBackend(context.Background(), tc.cfg)
		if err != nil {
			t.Fatalf("NewBackend(%+v) error = %v", tc.cfg, err)
		}
		if b.Name() != tc.want {
			t.Fatalf("NewBackend(%+v).Name() = %q, want %q", tc.cfg, b.Name(), tc.want)
		}
	}
}

func TestNewBackendRejectsMissingKeysAndUnknownProvider(t *testing.T) {
	for _, cfg := range []BackendConfig{
		{Provider: "gemini"},
		{Provider: "openai"},
		{Provider: "anthropic"},
		{Provider: "http"},
		{Provider: "carrier-pigeon"},
	} {
		if _, err := NewBackend(context.Background(), cfg); err == nil {
			t.Fatalf("NewBackend(%+v) expected error", cfg)
		}
	}
}

func TestMockBackendRemembersPreviousUserTurn(t *testing.T) {
	history := append(session.DefaultPersona().Turns(),
		session.TextTurn(session.RoleUser, "my name is Ada"),
		session.TextTurn(session.RoleModel, "hi Ada"),
	)
	got, err := NewMockBackend().Generate(context.Background(), history, []session.Part{session.TextPart("who am I?")})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.Contains(got, "I heard you: who am I?") || !strings.Contains(got, "I also remember: my name is Ada") {
		t.Fatalf("Generate() = %q", got)
	}
}

func TestMockBackendIgnoresPersonaOnFirstTurn(t *testing.T) {
	got, err := NewMockBackend().Generate(context.Background(), session.DefaultPersona().Turns(), []session.Part{session.TextPart("hello")})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got != "I heard you: hello" {
		t.Fatalf("Generate() = %q", got)
	}
}

func TestProviderMessageConversion(t *testing.T) {
	history := session.DefaultPersona().Turns()
	prompt := []session.Part{
		session.TextPart("what is this?"),
		session.BlobPart("image/png", []byte{0x89, 0x50}),
		session.BlobPart("audio/ogg", []byte{0x4f, 0x67}),
	}

	if got := len(openAIMessages(history, prompt)); got != 3 {
		t.Fatalf("len(openAIMessages) = %d, want 3", got)
	}
	msgs := anthropicMessages(history, prompt)
	if len(msgs) != 3 {
		t.Fatalf("len(anthropicMessages) = %d, want 3", len(msgs))
	}
	if got := len(anthropicBlocks(prompt)); got != 3 {
		t.Fatalf("len(anthropicBlocks) = %d, want 3", got)
	}

	text, blobs := splitParts(prompt)
	if text != "what is this?" || len(blobs) != 2 {
		t.Fatalf("splitParts() = %q, %d blobs", text, len(blobs))
	}
	if isImage(blobs[1]) {
		t.Fatalf("audio part classified as image")
	}
}

func TestGenAIContentRoles(t *testing.T) {
	user := genaiContent(session.RoleUser, []session.Part{
		session.TextPart("hi"),
		session.BlobPart("image/jpeg", []byte{0xff, 0xd8}),
	})
	if user.Role != genai.RoleUser {
		t.Fatalf("user Role = %q, want %q", user.Role, genai.RoleUser)
	}
	if len(user.Parts) != 2 || user.Parts[0].Text != "hi" || user.Parts[1].InlineData == nil {
		t.Fatalf("user Parts = %+v, want text then inline data", user.Parts)
	}
	model := genaiContent(session.RoleModel, []session.Part{session.TextPart("hello")})
	if model.Role != genai.RoleModel {
		t.Fatalf("model Role = %q, want %q", model.Role, genai.RoleModel)
	}
}
