package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/hindsight/internal/api"
	"github.com/kalambet/hindsight/internal/config"
	"github.com/kalambet/hindsight/internal/engine"
	"github.com/kalambet/hindsight/internal/rollup"
	"github.com/kalambet/hindsight/internal/storage"
	"github.com/kalambet/hindsight/internal/summarize"
)

// --- captures ---

var capturesCmd = &cobra.Command{
	Use:   "captures",
	Short: "List recent captures",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/api/recent_captures?limit=%d", limit))
		if err != nil {
			return err
		}

		var captures []struct {
			ID          string   `json:"id"`
			CapturedAt  string   `json:"captured_at"`
			Description string   `json:"description"`
			Labels      []string `json:"labels"`
			Error       string   `json:"error"`
		}
		if err := decodeJSON(resp, &captures); err != nil {
			return err
		}

		if len(captures) == 0 {
			fmt.Println("No captures found.")
			return nil
		}

		for _, c := range captures {
			when := c.CapturedAt
			if t, err := time.Parse(time.RFC3339, c.CapturedAt); err == nil {
				when = t.Local().Format("2006-01-02 15:04:05")
			}
			if c.Error != "" {
				fmt.Printf("%s  %s\n", when, colorize(colorRed, "error: "+c.Error))
				continue
			}
			fmt.Printf("%s  %s  %s\n", when, colorize(colorCyan, strings.Join(c.Labels, ", ")), c.Description)
		}
		return nil
	},
}

func init() {
	capturesCmd.Flags().Int("limit", 20, "maximum number of captures to list")
}

// --- rollups ---

type rollupView struct {
	ID          string `json:"id"`
	Granularity string `json:"granularity"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Content     string `json:"content"`
	VideoPath   string `json:"video_path"`
}

var rollupsCmd = &cobra.Command{
	Use:   "rollups",
	Short: "List recent activity summaries",
	RunE: func(cmd *cobra.Command, args []string) error {
		granularity, _ := cmd.Flags().GetString("granularity")
		limit, _ := cmd.Flags().GetInt("limit")
		show, _ := cmd.Flags().GetString("show")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if show != "" {
			resp, err := client.get(cmd.Context(), "/api/rollups/"+show)
			if err != nil {
				return err
			}
			var r rollupView
			if err := decodeJSON(resp, &r); err != nil {
				return err
			}
			printRollup(r, true)
			return nil
		}

		path := fmt.Sprintf("/api/recent_rollups?granularity=%s&limit=%d", granularity, limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var rollups []rollupView
		if err := decodeJSON(resp, &rollups); err != nil {
			return err
		}

		if len(rollups) == 0 {
			fmt.Println("No rollups found.")
			return nil
		}
		for _, r := range rollups {
			printRollup(r, false)
		}
		return nil
	},
}

func printRollup(r rollupView, full bool) {
	header := fmt.Sprintf("[%s] %s -> %s", strings.ToUpper(r.Granularity), r.StartTime, r.EndTime)
	fmt.Printf("\n%s  %s\n", colorize(colorBold, header), colorize(colorCyan, r.ID))
	content := r.Content
	if !full && len(content) > 200 {
		content = content[:200] + "..."
	}
	fmt.Printf("  %s\n", content)
	if full && r.VideoPath != "" {
		fmt.Printf("  video: %s\n", r.VideoPath)
	}
}

func init() {
	rollupsCmd.Flags().String("granularity", "short", "rollup granularity: short or long")
	rollupsCmd.Flags().Int("limit", 10, "maximum number of rollups to list")
	rollupsCmd.Flags().String("show", "", "show one rollup in full by ID")
}

// --- labels ---

var labelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "List the label vocabulary with usage counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		// An explicit epoch start makes the range all-time.
		resp, err := client.get(cmd.Context(), "/api/label_time?start=1970-01-01T00:00:00Z")
		if err != nil {
			return err
		}

		var labels []struct {
			Label   string  `json:"label"`
			Samples int     `json:"samples"`
			Hours   float64 `json:"hours"`
		}
		if err := decodeJSON(resp, &labels); err != nil {
			return err
		}

		if len(labels) == 0 {
			fmt.Println("No labels found.")
			return nil
		}
		fmt.Printf("Total labels: %d\n\n", len(labels))
		for _, l := range labels {
			fmt.Printf("  %s  %d samples, %.1fh\n", colorize(colorBold, l.Label), l.Samples, l.Hours)
		}
		return nil
	},
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show capture statistics or a daily summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		date, _ := cmd.Flags().GetString("date")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if date != "" {
			return showDailySummary(cmd.Context(), client, date)
		}

		resp, err := client.get(cmd.Context(), "/api/stats")
		if err != nil {
			return err
		}

		var stats struct {
			TotalSamples int    `json:"total_samples"`
			FirstCapture string `json:"first_capture"`
			LastCapture  string `json:"last_capture"`
			PayloadBytes int64  `json:"payload_bytes"`
			TotalLabels  int    `json:"total_labels"`
			ShortRollups int    `json:"short_rollups"`
			LongRollups  int    `json:"long_rollups"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printStatus("Captures", "%d", stats.TotalSamples)
		if stats.FirstCapture != "" {
			printStatus("First capture", "%s", stats.FirstCapture)
			printStatus("Last capture", "%s", stats.LastCapture)
		}
		printStatus("Payload size", "%.1f MB", float64(stats.PayloadBytes)/(1024*1024))
		printStatus("Labels", "%d", stats.TotalLabels)
		printStatus("Rollups", "%d short, %d long", stats.ShortRollups, stats.LongRollups)
		return nil
	},
}

func showDailySummary(ctx context.Context, client *apiClient, date string) error {
	resp, err := client.get(ctx, "/api/daily_summary?date="+date)
	if err != nil {
		return err
	}

	var summary struct {
		Date          string  `json:"date"`
		SampleCount   int     `json:"sample_count"`
		ActiveMinutes float64 `json:"active_minutes"`
		Labels        []struct {
			Label   string  `json:"label"`
			Minutes float64 `json:"minutes"`
		} `json:"labels"`
		LongRollups []rollupView `json:"long_rollups"`
	}
	if err := decodeJSON(resp, &summary); err != nil {
		return err
	}

	printStatus("Date", "%s", summary.Date)
	printStatus("Captures", "%d", summary.SampleCount)
	printStatus("Active time", "%.0f minutes", summary.ActiveMinutes)
	for _, l := range summary.Labels {
		printStatus(l.Label, "%.0f minutes", l.Minutes)
	}
	for _, r := range summary.LongRollups {
		printRollup(r, true)
	}
	return nil
}

func init() {
	statsCmd.Flags().String("date", "", "show one day's summary (YYYY-MM-DD)")
}

// --- backfill ---

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Generate missing rollups over historic captures",
	Long: `Generate missing rollups over historic captures.

Walks the capture history in aligned windows and summarizes every window
that has samples but no rollup yet. Stop the daemon first so live rollups
and backfill don't interleave. No videos are generated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fromStr, _ := cmd.Flags().GetString("from")
		toStr, _ := cmd.Flags().GetString("to")

		var from, to time.Time
		if fromStr != "" {
			v, err := time.Parse("2006-01-02", fromStr)
			if err != nil {
				return fmt.Errorf("invalid --from %q (want YYYY-MM-DD)", fromStr)
			}
			from = v
		}
		if toStr != "" {
			v, err := time.Parse("2006-01-02", toStr)
			if err != nil {
				return fmt.Errorf("invalid --to %q (want YYYY-MM-DD)", toStr)
			}
			to = v.Add(24 * time.Hour)
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ctx, stopSig := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stopSig()

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

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		summarizer := summarize.NewSummarizer(eng, model)
		_, err = rollup.Backfill(ctx, store, summarizer, from, to, os.Stdout)
		return err
	},
}

func init() {
	backfillCmd.Flags().String("from", "", "start date YYYY-MM-DD (default: first capture)")
	backfillCmd.Flags().String("to", "", "end date YYYY-MM-DD, inclusive (default: last capture)")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP interface on stdio",
	Long: `Serve the MCP interface on stdio.

Exposes the activity store to MCP clients (agent tools, editors). The
daemon does not need to be running; the store is read directly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		ctx, stopSig := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stopSig()

		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:    store,
			Interval: time.Duration(cfg.Capture.Interval) * time.Second,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp server: %w", err)
		}
		return nil
	},
}
