package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "capture.interval", typ: kInt, env: "HINDSIGHT_CAPTURE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Capture.Interval = v.(int) },
		extract: func(cfg Config) any { return cfg.Capture.Interval },
	},
	{
		key: "capture.binary", typ: kString, env: "HINDSIGHT_CAPTURE_BINARY",
		apply:   func(cfg *Config, v any) { cfg.Capture.Binary = v.(string) },
		extract: func(cfg Config) any { return cfg.Capture.Binary },
	},
	{
		key: "capture.timeout", typ: kInt, env: "HINDSIGHT_CAPTURE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Capture.Timeout = v.(int) },
		extract: func(cfg Config) any { return cfg.Capture.Timeout },
	},
	{
		key: "engine.backend", typ: kString, env: "HINDSIGHT_ENGINE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Engine.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Backend },
	},
	{
		key: "engine.prompt_file", typ: kString, env: "HINDSIGHT_ENGINE_PROMPT_FILE",
		apply:   func(cfg *Config, v any) { cfg.Engine.PromptFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.PromptFile },
	},
	{
		key: "openai.api_key", typ: kString, env: "HINDSIGHT_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.base_url", typ: kString, env: "HINDSIGHT_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.model", typ: kString, env: "HINDSIGHT_OPENAI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.Model },
	},
	{
		key: "ollama.base_url", typ: kString, env: "HINDSIGHT_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "HINDSIGHT_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "video.fps", typ: kInt, env: "HINDSIGHT_VIDEO_FPS",
		apply:   func(cfg *Config, v any) { cfg.Video.FPS = v.(int) },
		extract: func(cfg Config) any { return cfg.Video.FPS },
	},
	{
		key: "video.dir", typ: kString, env: "HINDSIGHT_VIDEO_DIR",
		apply:   func(cfg *Config, v any) { cfg.Video.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Video.Dir },
	},
	{
		key: "server.port", typ: kInt, env: "HINDSIGHT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "HINDSIGHT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "daemon.workers", typ: kInt, env: "HINDSIGHT_DAEMON_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Daemon.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Daemon.Workers },
	},
	{
		key: "daemon.queue_size", typ: kInt, env: "HINDSIGHT_DAEMON_QUEUE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Daemon.QueueSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Daemon.QueueSize },
	},
	{
		key: "log.level", typ: kString, env: "HINDSIGHT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
