package api

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/hindsight/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{
		Store:    store,
		Interval: 15 * time.Second,
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_ActivityStats(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedSample(t, store, "s1", apiTime(t, "2026-03-01T10:00:00Z"), []string{"coding"}, []byte("png"))
	seedSample(t, store, "s2", apiTime(t, "2026-03-01T10:00:15Z"), []string{"email"}, nil)
	handler := mcpActivityStats(deps)

	result, err := handler(context.Background(), makeCallToolRequest("activity_stats", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var resp statsResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.TotalSamples != 2 || resp.TotalLabels != 2 {
		t.Fatalf("unexpected stats: %+v", resp)
	}
	if resp.FirstCapture != "2026-03-01T10:00:00Z" {
		t.Fatalf("unexpected first capture: %s", resp.FirstCapture)
	}
}

func TestMCPTool_RecentActivity(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedSample(t, store, "s1", apiTime(t, "2026-03-01T10:00:00Z"), []string{"coding"}, nil)
	seedSample(t, store, "s2", apiTime(t, "2026-03-01T10:00:15Z"), []string{"email"}, nil)
	seedSample(t, store, "s3", apiTime(t, "2026-03-01T10:00:30Z"), nil, nil)
	handler := mcpRecentActivity(deps)

	req := makeCallToolRequest("recent_activity", map[string]interface{}{"limit": 2})
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var resp []sampleResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("expected 2 captures, got %d", len(resp))
	}
	if resp[0].ID != "s3" || resp[1].ID != "s2" {
		t.Fatalf("expected newest first, got %s, %s", resp[0].ID, resp[1].ID)
	}
}

func TestMCPTool_LabelTime(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedSample(t, store, "s1", apiTime(t, "2026-03-01T10:00:00Z"), []string{"coding"}, nil)
	seedSample(t, store, "s2", apiTime(t, "2026-03-01T10:00:15Z"), []string{"coding"}, nil)
	handler := mcpLabelTime(deps)

	req := makeCallToolRequest("label_time", map[string]interface{}{
		"start": "2026-03-01T00:00:00Z",
		"end":   "2026-03-02T00:00:00Z",
	})
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var resp []labelTimeEntry
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp) != 1 {
		t.Fatalf("expected 1 label, got %d", len(resp))
	}
	if resp[0].Label != "coding" || resp[0].Samples != 2 || resp[0].Seconds != 30 {
		t.Fatalf("unexpected entry: %+v", resp[0])
	}
}

func TestMCPTool_LabelTime_BadRange(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpLabelTime(deps)

	req := makeCallToolRequest("label_time", map[string]interface{}{"start": "yesterday"})
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected error result, got: %s", toolText(t, result))
	}
}

func TestMCPTool_RecentRollups(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedRollup(t, store, storage.Rollup{
		ID: "r-short", Granularity: storage.GranularityShort,
		StartTime: apiTime(t, "2026-03-01T10:00:00Z"), EndTime: apiTime(t, "2026-03-01T10:05:00Z"),
		Content: "short one",
	})
	seedRollup(t, store, storage.Rollup{
		ID: "r-long", Granularity: storage.GranularityLong,
		StartTime: apiTime(t, "2026-03-01T10:00:00Z"), EndTime: apiTime(t, "2026-03-01T11:00:00Z"),
		Content: "long one",
	})
	handler := mcpRecentRollups(deps)

	// Default granularity is short.
	result, err := handler(context.Background(), makeCallToolRequest("recent_rollups", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp []rollupResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp) != 1 || resp[0].ID != "r-short" {
		t.Fatalf("unexpected rollups: %+v", resp)
	}

	req := makeCallToolRequest("recent_rollups", map[string]interface{}{"granularity": "long"})
	result, err = handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp = nil
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp) != 1 || resp[0].ID != "r-long" {
		t.Fatalf("unexpected rollups: %+v", resp)
	}
}

func TestMCPTool_RecentRollups_BadGranularity(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpRecentRollups(deps)

	req := makeCallToolRequest("recent_rollups", map[string]interface{}{"granularity": "weekly"})
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected error result, got: %s", toolText(t, result))
	}
}

func TestMCPTool_DailySummary(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedSample(t, store, "s1", apiTime(t, "2026-03-01T10:00:00Z"), []string{"coding"}, nil)
	seedSample(t, store, "s2", apiTime(t, "2026-03-01T14:00:00Z"), []string{"coding"}, nil)
	seedRollup(t, store, storage.Rollup{
		ID: "r1", Granularity: storage.GranularityLong,
		StartTime: apiTime(t, "2026-03-01T10:00:00Z"), EndTime: apiTime(t, "2026-03-01T11:00:00Z"),
		Content: "wrote the parser",
	})
	handler := mcpDailySummary(deps)

	req := makeCallToolRequest("daily_summary", map[string]interface{}{"date": "2026-03-01"})
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var resp dailySummaryResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Date != "2026-03-01" || resp.SampleCount != 2 {
		t.Fatalf("unexpected summary: %+v", resp)
	}
	if len(resp.LongRollups) != 1 || resp.LongRollups[0].Content != "wrote the parser" {
		t.Fatalf("unexpected rollups: %+v", resp.LongRollups)
	}
}

func TestMCPTool_DailySummary_BadDate(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpDailySummary(deps)

	req := makeCallToolRequest("daily_summary", map[string]interface{}{"date": "March 1st"})
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected error result, got: %s", toolText(t, result))
	}
}

func TestMCPResource_LatestRollups(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	handler := mcpResourceLatestRollups(deps)

	// Empty store: both slots present, both null.
	contents, err := handler(context.Background(), makeReadResourceRequest("hindsight://rollups/latest"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	trc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var latest map[string]*rollupResponse
	if err := json.Unmarshal([]byte(trc.Text), &latest); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if latest["short"] != nil || latest["long"] != nil {
		t.Fatalf("expected empty slots, got: %s", trc.Text)
	}

	seedRollup(t, store, storage.Rollup{
		ID: "r1", Granularity: storage.GranularityShort,
		StartTime: apiTime(t, "2026-03-01T10:00:00Z"), EndTime: apiTime(t, "2026-03-01T10:05:00Z"),
		Content: "reading mail",
	})

	contents, err = handler(context.Background(), makeReadResourceRequest("hindsight://rollups/latest"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	trc = contents[0].(mcp.TextResourceContents)
	if err := json.Unmarshal([]byte(trc.Text), &latest); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if latest["short"] == nil || latest["short"].Content != "reading mail" {
		t.Fatalf("unexpected short rollup: %s", trc.Text)
	}
	if latest["long"] != nil {
		t.Fatalf("expected null long rollup, got: %s", trc.Text)
	}
}

func TestMCPResource_Labels(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedSample(t, store, "s1", apiTime(t, "2026-03-01T10:00:00Z"), []string{"coding", "email"}, nil)
	handler := mcpResourceLabels(deps)

	contents, err := handler(context.Background(), makeReadResourceRequest("hindsight://labels"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	trc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var entries []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(trc.Text), &entries); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 labels, got %d", len(entries))
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	if !names["coding"] || !names["email"] {
		t.Fatalf("unexpected labels: %+v", entries)
	}
}
