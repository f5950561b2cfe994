package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/envo/internal/session"
)

// Backend generates one model reply for a prompt given the prior turns.
type Backend interface {
	Generate(ctx context.Context, history []session.Turn, prompt []session.Part) (string, error)
	Name() string
}

// ErrEmptyReply is returned by backends when the model produced no text.
var ErrEmptyReply = errors.New("ai backend returned an empty reply")

// BackendConfig controls backend construction.
type BackendConfig struct {
	Provider string

	GeminiAPIKey string
	GeminiModel  string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	AnthropicAPIKey string
	AnthropicModel  string
	MaxTokens       int

	HTTPURL          string
	HTTPStreamStrict bool
	HTTPTimeout      time.Duration
}

func NewBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "auto"
	}

	switch provider {
	case "auto":
		return newAutoBackend(ctx, cfg)
	case "gemini", "genai":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, errors.New("gemini api key is required for gemini provider")
		}
		return NewGenAIBackend(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("openai api key is required for openai provider")
		}
		return NewOpenAIBackend(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel), nil
	case "anthropic":
		if strings.TrimSpace(cfg.AnthropicAPIKey) == "" {
			return nil, errors.New("anthropic api key is required for anthropic provider")
		}
		return NewAnthropicBackend(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.MaxTokens), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("ai http url is required for http provider")
		}
		return NewHTTPBackend(cfg.HTTPURL, cfg.HTTPStreamStrict, cfg.HTTPTimeout), nil
	case "mock":
		return NewMockBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported ai provider %q", cfg.Provider)
	}
}

// newAutoBackend picks the first provider with credentials, preferring Gemini.
// Without any credentials it fails rather than silently answering from the mock.
func newAutoBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	switch {
	case strings.TrimSpace(cfg.GeminiAPIKey) != "":
		return NewGenAIBackend(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	case strings.TrimSpace(cfg.OpenAIAPIKey) != "":
		return NewOpenAIBackend(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel), nil
	case strings.TrimSpace(cfg.AnthropicAPIKey) != "":
		return NewAnthropicBackend(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.MaxTokens), nil
	case strings.TrimSpace(cfg.HTTPURL) != "":
		return NewHTTPBackend(cfg.HTTPURL, cfg.HTTPStreamStrict, cfg.HTTPTimeout), nil
	default:
		return nil, errors.New("no ai provider credentials configured (set GEMINI_API_KEY, OPENAI_API_KEY, ANTHROPIC_API_KEY or AI_HTTP_URL, or AI_PROVIDER=mock)")
	}
}

// splitParts separates the text of a turn from its binary attachments.
func splitParts(parts []session.Part) (text string, blobs []session.Part) {
	var sb strings.Builder
	for _, p := range parts {
		if p.IsText() {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(p.Text)
			continue
		}
		blobs = append(blobs, p)
	}
	return sb.String(), blobs
}

func isImage(p session.Part) bool {
	return strings.HasPrefix(strings.ToLower(p.MIMEType), "image/")
}

// attachmentNote stands in for media a provider cannot accept inline.
func attachmentNote(p session.Part) string {
	return fmt.Sprintf("[attachment %s, %d bytes, not supported by this provider]", p.MIMEType, len(p.Data))
}
