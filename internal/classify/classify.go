package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalambet/hindsight/internal/engine"
)

const classifyTimeout = 2 * time.Minute

// Chatter is the interface for vision chat completion.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Result holds the structured classification of one screenshot.
type Result struct {
	Labels      []string `json:"labels"`
	Description string   `json:"description"`

	// Raw is the unparsed model response, retained for auditing.
	Raw string `json:"-"`
}

// Classifier labels screenshots with a vision model.
type Classifier struct {
	client       Chatter
	model        string
	customPrompt string
}

// NewClassifier creates a Classifier using the given chat client and model
// name. customPrompt overrides the default instruction when non-empty.
func NewClassifier(client Chatter, model, customPrompt string) *Classifier {
	return &Classifier{client: client, model: model, customPrompt: customPrompt}
}

// Classify analyses one screenshot against the existing label vocabulary and
// the latest short-window summary (empty when none exists yet). When the
// model response fails to unmarshal, the raw response is returned alongside
// the error so the caller can still record it.
func (c *Classifier) Classify(ctx context.Context, image []byte, existingLabels []string, lastSummary string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	messages := BuildPrompt(image, existingLabels, lastSummary, c.customPrompt)

	raw, err := c.client.Chat(ctx, c.model, messages, resultSchema())
	if err != nil {
		return Result{}, fmt.Errorf("classification chat: %w", err)
	}

	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return Result{Raw: raw}, fmt.Errorf("unmarshalling classification: %w", err)
	}
	result.Raw = raw
	return result, nil
}

// resultSchema returns the JSON schema for structured classification output.
func resultSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"labels": {
				Type:        "array",
				Items:       &engine.SchemaProperty{Type: "string"},
				Description: "List of activity labels. Can use existing labels or create new ones. Multiple labels can be assigned.",
			},
			"description": {
				Type:        "string",
				Description: "Detailed description of what the user is doing in this screenshot (2-3 sentences).",
			},
		},
		Required: []string{"labels", "description"},
	}
}
