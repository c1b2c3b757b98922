// Package api serves the read-only reporting surface over the activity
// store: JSON endpoints for the dashboard and an MCP server for agent
// clients.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/hindsight/internal/storage"
)

// DashboardDeps holds dependencies for the reporting API.
type DashboardDeps struct {
	Store    *storage.Store
	Token    string
	Interval time.Duration // capture cadence, converts sample counts into time
}

// NewDashboardHandler returns the reporting API router. Everything under
// /api requires the bearer token; /health does not, so lifecycle probes
// work without credentials.
func NewDashboardHandler(deps DashboardDeps) http.Handler {
	if deps.Interval <= 0 {
		deps.Interval = 15 * time.Second
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Route("/api", func(api chi.Router) {
		api.Use(BearerAuth(deps.Token))
		api.Get("/stats", handleStats(deps))
		api.Get("/timeline", handleTimeline(deps))
		api.Get("/label_time", handleLabelTime(deps))
		api.Get("/heatmap", handleHeatmap(deps))
		api.Get("/recent_captures", handleRecentCaptures(deps))
		api.Get("/recent_rollups", handleRecentRollups(deps))
		api.Get("/rollups/{id}", handleGetRollup(deps))
		api.Get("/video/{id}", handleVideo(deps))
		api.Get("/daily_summary", handleDailySummary(deps))
	})

	return r
}

// BearerAuth rejects requests whose Authorization header does not carry the
// expected token, comparing in constant time.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type statsResponse struct {
	TotalSamples int    `json:"total_samples"`
	FirstCapture string `json:"first_capture,omitempty"`
	LastCapture  string `json:"last_capture,omitempty"`
	PayloadBytes int64  `json:"payload_bytes"`
	TotalLabels  int    `json:"total_labels"`
	ShortRollups int    `json:"short_rollups"`
	LongRollups  int    `json:"long_rollups"`
}

func handleStats(deps DashboardDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.GetStats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get stats: %v", err)
			return
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

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

type timelineEntryResponse struct {
	SampleID   string `json:"sample_id"`
	CapturedAt string `json:"captured_at"`
	Label      string `json:"label"`
}

func handleTimeline(deps DashboardDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start, end, err := timeRange(r, 24*time.Hour)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		entries, err := deps.Store.Timeline(start, end)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load timeline: %v", err)
			return
		}

		resp := make([]timelineEntryResponse, len(entries))
		for i, e := range entries {
			resp[i] = timelineEntryResponse{
				SampleID:   e.SampleID,
				CapturedAt: e.CapturedAt.Format(time.RFC3339),
				Label:      e.Label,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

type labelTimeEntry struct {
	Label   string  `json:"label"`
	Samples int     `json:"samples"`
	Seconds int     `json:"seconds"`
	Minutes float64 `json:"minutes"`
	Hours   float64 `json:"hours"`
}

func labelTimes(counts []storage.LabelCount, interval time.Duration) []labelTimeEntry {
	entries := make([]labelTimeEntry, len(counts))
	for i, c := range counts {
		seconds := c.Count * int(interval.Seconds())
		entries[i] = labelTimeEntry{
			Label:   c.Name,
			Samples: c.Count,
			Seconds: seconds,
			Minutes: float64(seconds) / 60,
			Hours:   float64(seconds) / 3600,
		}
	}
	return entries
}

func handleLabelTime(deps DashboardDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start, end, err := timeRange(r, 24*time.Hour)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		counts, err := deps.Store.LabelCounts(start, end)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count labels: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(labelTimes(counts, deps.Interval))
	}
}

type heatmapCellResponse struct {
	Date  string `json:"date"`
	Hour  int    `json:"hour"`
	Count int    `json:"count"`
}

func handleHeatmap(deps DashboardDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := parseIntParam(r, "days", 7, 90)
		since := time.Now().UTC().AddDate(0, 0, -days)

		cells, err := deps.Store.Heatmap(since)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to build heatmap: %v", err)
			return
		}

		resp := make([]heatmapCellResponse, len(cells))
		for i, c := range cells {
			resp[i] = heatmapCellResponse{Date: c.Date, Hour: c.Hour, Count: c.Count}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

type sampleResponse struct {
	ID          string   `json:"id"`
	CapturedAt  string   `json:"captured_at"`
	Description string   `json:"description,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Error       string   `json:"error,omitempty"`
}

func handleRecentCaptures(deps DashboardDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		samples, err := deps.Store.RecentSamples(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load samples: %v", err)
			return
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

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

type rollupResponse struct {
	ID          string `json:"id"`
	Granularity string `json:"granularity"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Content     string `json:"content"`
	VideoPath   string `json:"video_path,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func toRollupResponse(r storage.Rollup) rollupResponse {
	return rollupResponse{
		ID:          r.ID,
		Granularity: string(r.Granularity),
		StartTime:   r.StartTime.Format(time.RFC3339),
		EndTime:     r.EndTime.Format(time.RFC3339),
		Content:     r.Content,
		VideoPath:   r.VideoPath,
		CreatedAt:   r.CreatedAt.Format(time.RFC3339),
	}
}

func handleRecentRollups(deps DashboardDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g := storage.GranularityShort
		if s := r.URL.Query().Get("granularity"); s != "" {
			parsed, err := storage.ParseGranularity(s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			g = parsed
		}
		limit := parseIntParam(r, "limit", 10, 100)

		rollups, err := deps.Store.RecentRollups(g, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load rollups: %v", err)
			return
		}

		resp := make([]rollupResponse, len(rollups))
		for i, ru := range rollups {
			resp[i] = toRollupResponse(ru)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleGetRollup(deps DashboardDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rollup, err := deps.Store.GetRollup(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "rollup not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get rollup: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toRollupResponse(rollup))
	}
}

func handleVideo(deps DashboardDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rollup, err := deps.Store.GetRollup(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "rollup not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get rollup: %v", err)
			return
		}
		if rollup.VideoPath == "" {
			httpError(w, http.StatusNotFound, "not_found", "rollup has no video")
			return
		}
		if _, err := os.Stat(rollup.VideoPath); err != nil {
			httpError(w, http.StatusNotFound, "not_found", "video file missing")
			return
		}

		http.ServeFile(w, r, rollup.VideoPath)
	}
}

type dailySummaryResponse struct {
	Date          string           `json:"date"`
	SampleCount   int              `json:"sample_count"`
	ActiveMinutes float64          `json:"active_minutes"`
	Labels        []labelTimeEntry `json:"labels"`
	LongRollups   []rollupResponse `json:"long_rollups"`
}

func handleDailySummary(deps DashboardDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		day := time.Now().UTC().Truncate(24 * time.Hour)
		if s := r.URL.Query().Get("date"); s != "" {
			parsed, err := time.Parse("2006-01-02", s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid date %q (want YYYY-MM-DD)", s)
				return
			}
			day = parsed
		}

		resp, err := buildDailySummary(deps.Store, day, deps.Interval)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// buildDailySummary assembles one UTC day's activity report. Shared by the
// HTTP endpoint and the MCP tool.
func buildDailySummary(store *storage.Store, day time.Time, interval time.Duration) (dailySummaryResponse, error) {
	dayEnd := day.Add(24 * time.Hour)

	count, err := store.CountSamples(day, dayEnd)
	if err != nil {
		return dailySummaryResponse{}, fmt.Errorf("failed to count samples: %w", err)
	}
	counts, err := store.LabelCounts(day, dayEnd)
	if err != nil {
		return dailySummaryResponse{}, fmt.Errorf("failed to count labels: %w", err)
	}
	rollups, err := store.RollupsInRange(storage.GranularityLong, day, dayEnd)
	if err != nil {
		return dailySummaryResponse{}, fmt.Errorf("failed to load rollups: %w", err)
	}

	resp := dailySummaryResponse{
		Date:          day.Format("2006-01-02"),
		SampleCount:   count,
		ActiveMinutes: float64(count) * interval.Seconds() / 60,
		Labels:        labelTimes(counts, interval),
		LongRollups:   make([]rollupResponse, len(rollups)),
	}
	for i, ru := range rollups {
		resp.LongRollups[i] = toRollupResponse(ru)
	}
	return resp, nil
}

// timeRange reads optional RFC3339 start/end query params; end defaults to
// now, start to end minus span.
func timeRange(r *http.Request, span time.Duration) (time.Time, time.Time, error) {
	end := time.Now().UTC()
	if s := r.URL.Query().Get("end"); s != "" {
		v, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end %q (want RFC3339)", s)
		}
		end = v
	}
	start := end.Add(-span)
	if s := r.URL.Query().Get("start"); s != "" {
		v, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start %q (want RFC3339)", s)
		}
		start = v
	}
	return start, end, nil
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
