package config

import (
	"os"
	"path/filepath"
	"testing"
)

// memBackend is an in-memory ConfigBackend for tests.
type memBackend struct {
	data map[string]any
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[string]any)}
}

func (m *memBackend) GetString(key string) (string, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, nil
	}
	return s, true, nil
}

func (m *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return 0, false, nil
	}
	i, ok := v.(int)
	if !ok {
		return 0, false, nil
	}
	return i, true, nil
}

func (m *memBackend) SetString(key, val string) error  { m.data[key] = val; return nil }
func (m *memBackend) SetInt(key string, val int) error { m.data[key] = val; return nil }
func (m *memBackend) Delete(key string) error          { delete(m.data, key); return nil }

func clearEnvOverrides(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		if s.env != "" {
			t.Setenv(s.env, "")
		}
	}
	t.Setenv("OPENAI_API_KEY", "")
}

// TestDefaults verifies the built-in defaults used when nothing is configured.
func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Capture.Interval != 15 {
		t.Errorf("Capture.Interval = %d, want 15", cfg.Capture.Interval)
	}
	if cfg.Capture.Binary != "grim" {
		t.Errorf("Capture.Binary = %q, want %q", cfg.Capture.Binary, "grim")
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.OpenAI.Model != "gpt-5-mini" {
		t.Errorf("OpenAI.Model = %q, want %q", cfg.OpenAI.Model, "gpt-5-mini")
	}
	if cfg.Video.FPS != 30 {
		t.Errorf("Video.FPS = %d, want 30", cfg.Video.FPS)
	}
	if cfg.Engine.Backend != "auto" {
		t.Errorf("Engine.Backend = %q, want %q", cfg.Engine.Backend, "auto")
	}
	if cfg.Storage.DataDir == "" {
		t.Error("Storage.DataDir is empty")
	}
}

// TestVideoDir verifies the video directory falls back to the data dir.
func TestVideoDir(t *testing.T) {
	cfg := defaults()
	cfg.Storage.DataDir = "/data/hindsight"

	if got := cfg.VideoDir(); got != filepath.Join("/data/hindsight", "videos") {
		t.Errorf("VideoDir = %q", got)
	}

	cfg.Video.Dir = "/mnt/videos"
	if got := cfg.VideoDir(); got != "/mnt/videos" {
		t.Errorf("VideoDir = %q, want /mnt/videos", got)
	}
}

// TestLoadWith_BackendOverrides verifies backend values replace defaults.
func TestLoadWith_BackendOverrides(t *testing.T) {
	clearEnvOverrides(t)

	b := newMemBackend()
	b.SetInt("capture.interval", 30)
	b.SetString("ollama.model", "llava")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Capture.Interval != 30 {
		t.Errorf("Capture.Interval = %d, want 30", cfg.Capture.Interval)
	}
	if cfg.Ollama.Model != "llava" {
		t.Errorf("Ollama.Model = %q, want %q", cfg.Ollama.Model, "llava")
	}
	// Untouched keys keep their defaults.
	if cfg.Video.FPS != 30 {
		t.Errorf("Video.FPS = %d, want 30", cfg.Video.FPS)
	}
}

// TestLoadWith_EnvBeatsBackend verifies env overrides take precedence over
// the file backend.
func TestLoadWith_EnvBeatsBackend(t *testing.T) {
	clearEnvOverrides(t)
	t.Setenv("HINDSIGHT_CAPTURE_INTERVAL", "60")

	b := newMemBackend()
	b.SetInt("capture.interval", 30)

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Capture.Interval != 60 {
		t.Errorf("Capture.Interval = %d, want 60", cfg.Capture.Interval)
	}
}

// TestLoadWith_OpenAIKeyFallback verifies the conventional OPENAI_API_KEY is
// honored when the HINDSIGHT-prefixed variable is unset.
func TestLoadWith_OpenAIKeyFallback(t *testing.T) {
	clearEnvOverrides(t)
	t.Setenv("OPENAI_API_KEY", "sk-fallback")

	cfg, err := loadWith(newMemBackend())
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.OpenAI.APIKey != "sk-fallback" {
		t.Errorf("OpenAI.APIKey = %q, want %q", cfg.OpenAI.APIKey, "sk-fallback")
	}

	t.Setenv("HINDSIGHT_OPENAI_API_KEY", "sk-primary")
	cfg, err = loadWith(newMemBackend())
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.OpenAI.APIKey != "sk-primary" {
		t.Errorf("OpenAI.APIKey = %q, want %q", cfg.OpenAI.APIKey, "sk-primary")
	}
}

// TestLoadWith_RejectsInvalidValues verifies misconfiguration fails Load
// instead of limping into the daemon.
func TestLoadWith_RejectsInvalidValues(t *testing.T) {
	clearEnvOverrides(t)

	cases := []struct {
		name string
		prep func(b *memBackend)
	}{
		{"zero interval", func(b *memBackend) { b.SetInt("capture.interval", 0) }},
		{"negative fps", func(b *memBackend) { b.SetInt("video.fps", -1) }},
		{"zero workers", func(b *memBackend) { b.SetInt("daemon.workers", 0) }},
		{"unknown backend", func(b *memBackend) { b.SetString("engine.backend", "gemini") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newMemBackend()
			tc.prep(b)
			if _, err := loadWith(b); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

// TestSetKeyWith verifies type validation and the secret guard.
func TestSetKeyWith(t *testing.T) {
	b := newMemBackend()

	if err := setKeyWith(b, "capture.interval", "30"); err != nil {
		t.Fatalf("setKeyWith(int): %v", err)
	}
	if v, ok, _ := b.GetInt("capture.interval"); !ok || v != 30 {
		t.Errorf("stored interval = %d (ok=%v), want 30", v, ok)
	}

	if err := setKeyWith(b, "capture.interval", "abc"); err == nil {
		t.Error("expected error for non-integer value")
	}
	if err := setKeyWith(b, "openai.api_key", "sk-x"); err == nil {
		t.Error("expected error for secret key")
	}
	if err := setKeyWith(b, "nope.nope", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

// TestFileBackendRoundTrip writes through the real file backend and reads it
// back from disk.
func TestFileBackendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	b := newPlatformBackend()
	if err := b.SetString("ollama.model", "llava"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if err := b.SetInt("server.port", 9000); err != nil {
		t.Fatalf("SetInt: %v", err)
	}

	path := filepath.Join(dir, "hindsight", "config.json")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config file mode = %o, want 600", perm)
	}

	// A fresh backend loads the persisted values.
	b2 := newPlatformBackend()
	v, ok, err := b2.GetString("ollama.model")
	if err != nil || !ok || v != "llava" {
		t.Errorf("GetString = %q, %v, %v; want llava", v, ok, err)
	}
	i, ok, err := b2.GetInt("server.port")
	if err != nil || !ok || i != 9000 {
		t.Errorf("GetInt = %d, %v, %v; want 9000", i, ok, err)
	}
}

// TestAPIToken verifies token creation, stability, and file permissions.
func TestAPIToken(t *testing.T) {
	dir := t.TempDir()

	tok1, err := APIToken(dir)
	if err != nil {
		t.Fatalf("APIToken: %v", err)
	}
	if len(tok1) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(tok1))
	}

	info, err := os.Stat(filepath.Join(dir, "hindsight.token"))
	if err != nil {
		t.Fatalf("token file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("token file mode = %o, want 600", perm)
	}

	tok2, err := APIToken(dir)
	if err != nil {
		t.Fatalf("APIToken (second): %v", err)
	}
	if tok1 != tok2 {
		t.Errorf("token changed across calls: %q != %q", tok1, tok2)
	}
}

// TestValidKeys spot-checks the managed key list and secret exclusion.
func TestValidKeys(t *testing.T) {
	keys := ValidKeys()

	want := map[string]bool{"capture.interval": false, "storage.data_dir": false, "log.level": false}
	for _, k := range keys {
		if k == "openai.api_key" {
			t.Error("secret key listed in ValidKeys")
		}
		if _, ok := want[k]; ok {
			want[k] = true
		}
	}
	for k, seen := range want {
		if !seen {
			t.Errorf("key %q missing from ValidKeys", k)
		}
	}
}
