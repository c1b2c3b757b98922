package engine

import (
	"context"
	"errors"
	"fmt"
)

// DetectConfig holds parameters for backend detection.
type DetectConfig struct {
	Backend string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	OllamaBaseURL string
	OllamaModel   string
}

// Detect selects an inference backend and the model to use on it. Backend
// "openai" and "ollama" force the respective engine; "auto" prefers OpenAI
// when an API key is configured and otherwise falls back to a running local
// Ollama server.
func Detect(ctx context.Context, cfg DetectConfig) (Engine, string, error) {
	switch cfg.Backend {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, "", errors.New("openai backend selected but no API key configured")
		}
		return NewOpenAIEngine(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL), cfg.OpenAIModel, nil

	case "ollama":
		return NewOllamaEngine(cfg.OllamaBaseURL), cfg.OllamaModel, nil

	case "auto", "":
		if cfg.OpenAIAPIKey != "" {
			return NewOpenAIEngine(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL), cfg.OpenAIModel, nil
		}
		local := NewOllamaEngine(cfg.OllamaBaseURL)
		if local.IsRunning(ctx) {
			return local, cfg.OllamaModel, nil
		}
		return nil, "", fmt.Errorf("no inference backend available: set an OpenAI API key or start Ollama at %s", cfg.OllamaBaseURL)

	default:
		return nil, "", fmt.Errorf("unknown engine backend %q", cfg.Backend)
	}
}
