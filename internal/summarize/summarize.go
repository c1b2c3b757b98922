// Package summarize renders windows of classified activity into natural
// language rollup content via a chat model.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/hindsight/internal/engine"
	"github.com/kalambet/hindsight/internal/storage"
)

const summarizeTimeout = 2 * time.Minute

const systemPrompt = "You are an activity summarization assistant."

const shortPromptTemplate = `Summarize the user's activity over the last 5 minutes based on these %d screenshots.

CAPTURES:
%s

Create a concise 2-3 sentence summary that:
1. Identifies the main activities
2. Notes any transitions or context switches
3. Mentions productivity level if clear

Be specific and actionable.`

const longPromptTemplate = `Summarize the user's activity over the last hour based on these %d 5-minute summaries.

5-MINUTE SUMMARIES:
%s

Create a comprehensive 3-5 sentence hourly summary that:
1. Identifies main work/activity themes
2. Notes productivity patterns and focus areas
3. Highlights any significant transitions or breaks
4. Provides actionable insights

Be specific about what was accomplished or focused on.`

// Chatter is the interface for text chat completion.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Summarizer turns classified samples and prior rollups into summary text.
type Summarizer struct {
	client Chatter
	model  string
}

// NewSummarizer creates a Summarizer using the given chat client and model name.
func NewSummarizer(client Chatter, model string) *Summarizer {
	return &Summarizer{client: client, model: model}
}

// Short summarizes one short window from its classified samples, in
// chronological order.
func (s *Summarizer) Short(ctx context.Context, samples []storage.Sample) (string, error) {
	if len(samples) == 0 {
		return "", errors.New("no samples to summarize")
	}
	prompt := fmt.Sprintf(shortPromptTemplate, len(samples), renderSamples(samples))
	return s.chat(ctx, prompt)
}

// Long summarizes one long window from the short rollups it contains, in
// chronological order.
func (s *Summarizer) Long(ctx context.Context, rollups []storage.Rollup) (string, error) {
	if len(rollups) == 0 {
		return "", errors.New("no rollups to summarize")
	}
	prompt := fmt.Sprintf(longPromptTemplate, len(rollups), renderRollups(rollups))
	return s.chat(ctx, prompt)
}

func (s *Summarizer) chat(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, summarizeTimeout)
	defer cancel()

	content, err := s.client.Chat(ctx, s.model, []engine.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("summary chat: %w", err)
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return "", errors.New("summary chat returned empty content")
	}
	return content, nil
}

func renderSamples(samples []storage.Sample) string {
	entries := make([]string, 0, len(samples))
	for i, sample := range samples {
		desc := sample.Description
		if desc == "" {
			desc = "No description"
		}
		entries = append(entries, fmt.Sprintf("%d. [%s] Labels: %s\n   %s",
			i+1,
			sample.CapturedAt.Format(time.RFC3339),
			strings.Join(sample.Labels, ", "),
			desc))
	}
	return strings.Join(entries, "\n\n")
}

func renderRollups(rollups []storage.Rollup) string {
	entries := make([]string, 0, len(rollups))
	for i, r := range rollups {
		entries = append(entries, fmt.Sprintf("%d. [%s to %s]\n   %s",
			i+1,
			r.StartTime.Format(time.RFC3339),
			r.EndTime.Format(time.RFC3339),
			r.Content))
	}
	return strings.Join(entries, "\n\n")
}
