package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/hindsight/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Interval time.Duration // capture cadence, converts sample counts into time
}

// NewMCPServer creates an MCP server exposing the activity store to agent
// clients. Everything it offers is read-only.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Interval <= 0 {
		deps.Interval = 15 * time.Second
	}

	s := server.NewMCPServer(
		"hindsight",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("hindsight — local screen-activity log: what the user worked on, when, with labels, summaries, and time totals."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("activity_stats",
			mcp.WithDescription("Overall capture statistics: totals, first/last capture times, label and rollup counts."),
		),
		mcpActivityStats(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_activity",
			mcp.WithDescription("Most recent classified screen captures with their labels and descriptions."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of captures (default 10)")),
		),
		mcpRecentActivity(deps),
	)

	s.AddTool(
		mcp.NewTool("label_time",
			mcp.WithDescription("Time spent per activity label over a time range (default last 24h)."),
			mcp.WithString("start", mcp.Description("Range start, RFC3339 (default end minus 24h)")),
			mcp.WithString("end", mcp.Description("Range end, RFC3339 (default now)")),
		),
		mcpLabelTime(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_rollups",
			mcp.WithDescription("Recent activity summaries. Short rollups cover 5 minutes, long rollups cover an hour."),
			mcp.WithString("granularity", mcp.Description("\"short\" or \"long\" (default short)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of rollups (default 5)")),
		),
		mcpRecentRollups(deps),
	)

	s.AddTool(
		mcp.NewTool("daily_summary",
			mcp.WithDescription("One day's activity report: capture count, per-label time, and hourly summaries."),
			mcp.WithString("date", mcp.Description("Day to report, YYYY-MM-DD (default today, UTC)")),
		),
		mcpDailySummary(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"hindsight://rollups/latest",
			"Latest Rollups",
			mcp.WithResourceDescription("The most recent short and long rollup, as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceLatestRollups(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"hindsight://labels",
			"Activity Labels",
			mcp.WithResourceDescription("The full label vocabulary in recency order"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceLabels(deps),
	)

	return s
}

func mcpActivityStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := deps.Store.GetStats()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get stats: %v", err)), nil
		}

		resp := statsResponse{
			TotalSamples: stats.TotalSamples,
			PayloadBytes: stats.PayloadBytes,
			TotalLabels:  stats.TotalLabels,
			ShortRollups: stats.ShortRollups,
			LongRollups:  stats.LongRollups,
		}
		if !stats.FirstCapture.IsZero() {
			resp.FirstCapture = stats.FirstCapture.Format(time.RFC3339)
		}
		if !stats.LastCapture.IsZero() {
			resp.LastCapture = stats.LastCapture.Format(time.RFC3339)
		}

		return mcpJSON(resp)
	}
}

func mcpRecentActivity(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		samples, err := deps.Store.RecentSamples(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load captures: %v", err)), nil
		}

		resp := make([]sampleResponse, len(samples))
		for i, s := range samples {
			resp[i] = sampleResponse{
				ID:          s.ID,
				CapturedAt:  s.CapturedAt.Format(time.RFC3339),
				Description: s.Description,
				Labels:      s.Labels,
				Error:       s.Error,
			}
		}

		return mcpJSON(resp)
	}
}

func mcpLabelTime(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		end := time.Now().UTC()
		if s := req.GetString("end", ""); s != "" {
			v, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid end %q: want RFC3339", s)), nil
			}
			end = v
		}
		start := end.Add(-24 * time.Hour)
		if s := req.GetString("start", ""); s != "" {
			v, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid start %q: want RFC3339", s)), nil
			}
			start = v
		}

		counts, err := deps.Store.LabelCounts(start, end)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to count labels: %v", err)), nil
		}

		return mcpJSON(labelTimes(counts, deps.Interval))
	}
}

func mcpRecentRollups(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		g := storage.GranularityShort
		if s := req.GetString("granularity", ""); s != "" {
			parsed, err := storage.ParseGranularity(s)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			g = parsed
		}
		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		rollups, err := deps.Store.RecentRollups(g, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load rollups: %v", err)), nil
		}

		resp := make([]rollupResponse, len(rollups))
		for i, r := range rollups {
			resp[i] = toRollupResponse(r)
		}

		return mcpJSON(resp)
	}
}

func mcpDailySummary(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		day := time.Now().UTC().Truncate(24 * time.Hour)
		if s := req.GetString("date", ""); s != "" {
			parsed, err := time.Parse("2006-01-02", s)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid date %q: want YYYY-MM-DD", s)), nil
			}
			day = parsed
		}

		resp, err := buildDailySummary(deps.Store, day, deps.Interval)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		return mcpJSON(resp)
	}
}

func mcpResourceLatestRollups(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		latest := map[string]*rollupResponse{
			"short": nil,
			"long":  nil,
		}
		for _, g := range []storage.Granularity{storage.GranularityShort, storage.GranularityLong} {
			r, err := deps.Store.LatestRollup(g)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to load latest %s rollup: %w", g, err)
			}
			resp := toRollupResponse(r)
			latest[string(g)] = &resp
		}

		b, err := json.Marshal(latest)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal rollups: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceLabels(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		labels, err := deps.Store.Labels()
		if err != nil {
			return nil, fmt.Errorf("failed to load labels: %w", err)
		}

		type labelEntry struct {
			Name      string `json:"name"`
			CreatedAt string `json:"created_at"`
			LastUsed  string `json:"last_used"`
		}
		entries := make([]labelEntry, len(labels))
		for i, l := range labels {
			entries[i] = labelEntry{
				Name:      l.Name,
				CreatedAt: l.CreatedAt.Format(time.RFC3339),
				LastUsed:  l.LastUsed.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(entries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal labels: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
