package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/hindsight/internal/api"
	"github.com/kalambet/hindsight/internal/capture"
	"github.com/kalambet/hindsight/internal/classify"
	"github.com/kalambet/hindsight/internal/config"
	"github.com/kalambet/hindsight/internal/daemon"
	"github.com/kalambet/hindsight/internal/engine"
	"github.com/kalambet/hindsight/internal/retention"
	"github.com/kalambet/hindsight/internal/rollup"
	"github.com/kalambet/hindsight/internal/storage"
	"github.com/kalambet/hindsight/internal/summarize"
	"github.com/kalambet/hindsight/internal/video"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the capture daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopDaemon()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "hindsight.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runDaemon() error {
	fmt.Fprintf(os.Stderr, "hindsight version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Ensure the API bearer token exists.
	token, err := config.APIToken(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Write PID file. Check if a daemon is already running via the health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("hindsight is already running (PID %d)", pid)
			return fmt.Errorf("daemon already running (PID %d)", pid)
		}
		printWarning("hindsight is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("daemon already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Check the screenshot tool up front; without it every tick would just
	// record an error sample.
	grim := capture.NewGrim(cfg.Capture.Binary, time.Duration(cfg.Capture.Timeout)*time.Second)
	if err := grim.CheckAvailable(); err != nil {
		return err
	}

	// Detect the inference backend and warm the model.
	eng, model, err := engine.Detect(ctx, engine.DetectConfig{
		Backend:       cfg.Engine.Backend,
		OpenAIAPIKey:  cfg.OpenAI.APIKey,
		OpenAIBaseURL: cfg.OpenAI.BaseURL,
		OpenAIModel:   cfg.OpenAI.Model,
		OllamaBaseURL: cfg.Ollama.BaseURL,
		OllamaModel:   cfg.Ollama.Model,
	})
	if err != nil {
		return fmt.Errorf("detecting inference engine: %w", err)
	}
	if err := engine.EnsureReady(ctx, eng, model, os.Stderr); err != nil {
		return err
	}

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Video encoding needs ffmpeg; fail now rather than at the first long window.
	videos, err := video.NewPipeline(cfg.VideoDir(), cfg.Video.FPS)
	if err != nil {
		return err
	}

	customPrompt := ""
	if cfg.Engine.PromptFile != "" {
		data, err := os.ReadFile(cfg.Engine.PromptFile)
		if err != nil {
			return fmt.Errorf("reading prompt file: %w", err)
		}
		customPrompt = string(data)
	}

	classifier := classify.NewClassifier(eng, model, customPrompt)
	summarizer := summarize.NewSummarizer(eng, model)
	thinner := retention.NewThinner(store)

	// Rollup scheduler resumes from the last persisted windows.
	sched := rollup.NewScheduler(store, summarizer, videos, thinner)
	if err := sched.Seed(time.Now()); err != nil {
		return err
	}

	// Reporting API.
	interval := time.Duration(cfg.Capture.Interval) * time.Second
	handler := api.NewDashboardHandler(api.DashboardDeps{
		Store:    store,
		Token:    token,
		Interval: interval,
	})
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start the capture loop.
	d := daemon.NewDaemon(grim, classifier, store, sched, interval, cfg.Daemon.Workers, cfg.Daemon.QueueSize)
	go func() {
		if err := d.Run(ctx); err != nil {
			slog.Error("capture loop exited", "error", err)
		}
	}()

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "hindsight listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("hindsight is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop hindsight (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to hindsight (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check daemon health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Daemon", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Daemon", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Daemon", "error (HTTP %d)", resp.StatusCode)
		}
	}

	// Check Ollama when it is a candidate backend.
	if cfg.Engine.Backend == "ollama" || cfg.Engine.Backend == "auto" {
		ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
		if err != nil {
			printStatus("Ollama", "not running")
		} else {
			ollamaResp.Body.Close()
			printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		}
	}

	printStatus("Backend", "%s", cfg.Engine.Backend)
	if cfg.OpenAI.APIKey != "" {
		printStatus("OpenAI model", "%s", cfg.OpenAI.Model)
	}
	printStatus("Ollama model", "%s", cfg.Ollama.Model)
	printStatus("Capture", "every %ds via %s", cfg.Capture.Interval, cfg.Capture.Binary)

	// Show store counts if the daemon is running.
	token, tokenErr := config.APIToken(cfg.Storage.DataDir)
	if tokenErr == nil && resp != nil && resp.StatusCode == 200 {
		statsResp, err := apiGet(client, serverURL+"/api/stats", token)
		if err == nil {
			var stats struct {
				TotalSamples int `json:"total_samples"`
				TotalLabels  int `json:"total_labels"`
				ShortRollups int `json:"short_rollups"`
				LongRollups  int `json:"long_rollups"`
			}
			if json.NewDecoder(statsResp.Body).Decode(&stats) == nil {
				printStatus("Captures", "%d", stats.TotalSamples)
				printStatus("Labels", "%d", stats.TotalLabels)
				printStatus("Rollups", "%d short, %d long", stats.ShortRollups, stats.LongRollups)
			}
			statsResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
