package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIEngine adapts the OpenAI chat completions API (or any server speaking
// the same protocol) to the Engine interface.
type OpenAIEngine struct {
	client openai.Client
}

// NewOpenAIEngine creates an OpenAIEngine. An empty baseURL targets the
// official OpenAI API.
func NewOpenAIEngine(apiKey, baseURL string) *OpenAIEngine {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIEngine{client: openai.NewClient(opts...)}
}

func (e *OpenAIEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
	}

	for _, m := range messages {
		switch m.Role {
		case "system":
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case "assistant":
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			if len(m.Images) == 0 {
				params.Messages = append(params.Messages, openai.UserMessage(m.Content))
				continue
			}
			parts := []openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(m.Content),
			}
			for _, img := range m.Images {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL:    "data:image/png;base64," + base64.StdEncoding.EncodeToString(img),
					Detail: "low",
				}))
			}
			params.Messages = append(params.Messages, openai.UserMessage(parts))
		}
	}

	if jsonSchema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "response",
					Schema: toJSONSchemaMap(jsonSchema),
					Strict: openai.Bool(true),
				},
			},
		}
	}

	resp, err := e.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai chat: response contained no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// toJSONSchemaMap renders a Schema as a JSON schema document. Strict mode
// requires additionalProperties to be false on object schemas.
func toJSONSchemaMap(s *Schema) map[string]interface{} {
	props := make(map[string]interface{}, len(s.Properties))
	for k, v := range s.Properties {
		props[k] = toPropertyMap(v)
	}
	m := map[string]interface{}{
		"type":                 s.Type,
		"properties":           props,
		"additionalProperties": false,
	}
	if len(s.Required) > 0 {
		m["required"] = s.Required
	}
	return m
}

func toPropertyMap(p SchemaProperty) map[string]interface{} {
	m := map[string]interface{}{"type": p.Type}
	if p.Description != "" {
		m["description"] = p.Description
	}
	if p.Items != nil {
		m["items"] = toPropertyMap(*p.Items)
	}
	return m
}

func (e *OpenAIEngine) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := e.client.Models.List(ctx)
	return err == nil
}

func (e *OpenAIEngine) ListModels(ctx context.Context) ([]string, error) {
	page, err := e.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}

	names := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

func (e *OpenAIEngine) HasModel(ctx context.Context, name string) bool {
	_, err := e.client.Models.Get(ctx, name)
	return err == nil
}

func (e *OpenAIEngine) PullModel(_ context.Context, name string, _ func(PullProgress)) error {
	return fmt.Errorf("openai backend cannot pull %q: models are managed server-side", name)
}
