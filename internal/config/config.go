package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

type Config struct {
	Capture CaptureConfig
	Engine  EngineConfig
	OpenAI  OpenAIConfig
	Ollama  OllamaConfig
	Video   VideoConfig
	Server  ServerConfig
	Storage StorageConfig
	Daemon  DaemonConfig
	Log     LogConfig
}

type CaptureConfig struct {
	Interval int // seconds between captures
	Binary   string
	Timeout  int // seconds before a capture attempt is abandoned
}

type EngineConfig struct {
	Backend    string // "auto", "openai", or "ollama"
	PromptFile string // optional classifier prompt override
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string // empty means the public API
	Model   string
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type VideoConfig struct {
	FPS int
	Dir string // empty means <data_dir>/videos
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type DaemonConfig struct {
	Workers   int // classification worker pool size
	QueueSize int // pending classification queue capacity
}

type LogConfig struct {
	Level string
}

// VideoDir resolves the directory video artifacts are written to.
func (c Config) VideoDir() string {
	if c.Video.Dir != "" {
		return c.Video.Dir
	}
	return filepath.Join(c.Storage.DataDir, "videos")
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Capture: CaptureConfig{
			Interval: 15,
			Binary:   "grim",
			Timeout:  5,
		},
		Engine: EngineConfig{
			Backend: "auto",
		},
		OpenAI: OpenAIConfig{
			Model: "gpt-5-mini",
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "qwen2.5vl",
		},
		Video: VideoConfig{
			FPS: 30,
		},
		Server: ServerConfig{
			Port: 4517,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Daemon: DaemonConfig{
			Workers:   4,
			QueueSize: 16,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from defaults, the JSON file backend at
// $XDG_CONFIG_HOME/hindsight/config.json, and HINDSIGHT_* environment
// variables, in that precedence order. A .env file in the working directory
// is loaded into the environment first when present.
//
// Secrets are environment-only; the OpenAI key additionally falls back to
// the conventional OPENAI_API_KEY.
func Load() (Config, error) {
	_ = godotenv.Load()
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if cfg.Capture.Interval <= 0 {
		return Config{}, fmt.Errorf("capture.interval must be positive, got %d", cfg.Capture.Interval)
	}
	if cfg.Capture.Timeout <= 0 {
		return Config{}, fmt.Errorf("capture.timeout must be positive, got %d", cfg.Capture.Timeout)
	}
	if cfg.Video.FPS <= 0 {
		return Config{}, fmt.Errorf("video.fps must be positive, got %d", cfg.Video.FPS)
	}
	if cfg.Daemon.Workers <= 0 {
		return Config{}, fmt.Errorf("daemon.workers must be positive, got %d", cfg.Daemon.Workers)
	}
	if cfg.Daemon.QueueSize <= 0 {
		return Config{}, fmt.Errorf("daemon.queue_size must be positive, got %d", cfg.Daemon.QueueSize)
	}
	switch cfg.Engine.Backend {
	case "auto", "openai", "ollama":
	default:
		return Config{}, fmt.Errorf("engine.backend must be auto, openai, or ollama, got %q", cfg.Engine.Backend)
	}

	return cfg, nil
}
