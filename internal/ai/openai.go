package ai

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ent0n29/envo/internal/session"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIBackend uses the Chat Completions API of OpenAI or any compatible
// endpoint reachable through baseURL.
type OpenAIBackend struct {
	client openai.Client
	model  string
	name   string
}

func NewOpenAIBackend(apiKey, baseURL, model string) *OpenAIBackend {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	name := "openai"
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
		name = "openai-compatible"
	}
	if strings.TrimSpace(model) == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIBackend{
		client: openai.NewClient(opts...),
		model:  model,
		name:   name,
	}
}

func (b *OpenAIBackend) Name() string { return b.name }

func (b *OpenAIBackend) Generate(ctx context.Context, history []session.Turn, prompt []session.Part) (string, error) {
	resp, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(b.model),
		Messages: openAIMessages(history, prompt),
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

func openAIMessages(history []session.Turn, prompt []session.Part) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	for _, turn := range history {
		if turn.Role == session.RoleModel {
			msgs = append(msgs, openai.AssistantMessage(turn.Text()))
			continue
		}
		msgs = append(msgs, openAIUserMessage(turn.Parts))
	}
	return append(msgs, openAIUserMessage(prompt))
}

func openAIUserMessage(parts []session.Part) openai.ChatCompletionMessageParamUnion {
	text, blobs := splitParts(parts)
	if len(blobs) == 0 {
		return openai.UserMessage(text)
	}

	var content []openai.ChatCompletionContentPartUnionParam
	if text == "" {
		text = "Describe this attachment."
	}
	content = append(content, openai.TextContentPart(text))
	for _, blob := range blobs {
		if !isImage(blob) {
			content = append(content, openai.TextContentPart(attachmentNote(blob)))
			continue
		}
		dataURI := fmt.Sprintf("data:%s;base64,%s", blob.MIMEType, base64.StdEncoding.EncodeToString(blob.Data))
		content = append(content, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: dataURI,
		}))
	}
	return openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfArrayOfContentParts: content,
			},
		},
	}
}
