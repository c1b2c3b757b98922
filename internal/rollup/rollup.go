// Package rollup drives the hierarchical summarization state machine:
// classified samples roll into five-minute rollups and five-minute rollups
// into hourly ones, each granularity behind its own watermark.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/hindsight/internal/retention"
	"github.com/kalambet/hindsight/internal/storage"
)

// Store abstracts the storage operations rollup generation needs.
type Store interface {
	SamplesInRange(start, end time.Time) ([]storage.Sample, error)
	PayloadsInRange(start, end time.Time) ([][]byte, error)
	RollupsInRange(g storage.Granularity, start, end time.Time) ([]storage.Rollup, error)
	LatestRollup(g storage.Granularity) (storage.Rollup, error)
	SaveRollup(r storage.Rollup) error
	SetRollupVideo(id, path string) error
}

// Summarizer produces rollup content for each granularity.
type Summarizer interface {
	Short(ctx context.Context, samples []storage.Sample) (string, error)
	Long(ctx context.Context, rollups []storage.Rollup) (string, error)
}

// VideoBuilder encodes a finished long window into a time-lapse artifact.
type VideoBuilder interface {
	Generate(ctx context.Context, frames [][]byte, start time.Time) (string, error)
}

// Retainer thins sample payloads once a long window is rolled up.
type Retainer interface {
	Thin(start, end time.Time) (retention.Result, error)
}

// window is the per-granularity generation state. watermark marks the end of
// the last finished window; generating makes rollup generation single-flight;
// attempts counts consecutive summarization failures for the pending window.
type window struct {
	mu         sync.Mutex
	watermark  time.Time
	generating bool
	attempts   int
}

// Scheduler owns the per-granularity watermarks and fires rollup generation
// whenever a full period has elapsed since the watermark.
type Scheduler struct {
	store      Store
	summarizer Summarizer
	video      VideoBuilder
	retainer   Retainer
	logger     *slog.Logger

	short window
	long  window
}

// NewScheduler creates a Scheduler with the given collaborators. The video
// builder and retainer are exercised for the long granularity only.
func NewScheduler(store Store, summarizer Summarizer, video VideoBuilder, retainer Retainer) *Scheduler {
	return &Scheduler{
		store:      store,
		summarizer: summarizer,
		video:      video,
		retainer:   retainer,
		logger:     slog.Default(),
	}
}

func (s *Scheduler) state(g storage.Granularity) *window {
	if g == storage.GranularityLong {
		return &s.long
	}
	return &s.short
}

// Seed initializes both watermarks from the latest persisted rollups. A
// granularity without history starts one period back from now, making its
// first window exactly one period wide.
func (s *Scheduler) Seed(now time.Time) error {
	for _, g := range []storage.Granularity{storage.GranularityShort, storage.GranularityLong} {
		st := s.state(g)
		latest, err := s.store.LatestRollup(g)
		switch {
		case err == nil:
			st.watermark = latest.EndTime
		case errors.Is(err, storage.ErrNotFound):
			st.watermark = now.Add(-g.Period())
		default:
			return fmt.Errorf("seeding %s watermark: %w", g, err)
		}
		s.logger.Info("rollup watermark seeded", "granularity", g, "watermark", st.watermark)
	}
	return nil
}

// Check fires background rollup generation for every granularity whose
// period has elapsed since its watermark. A granularity already generating
// is left alone.
func (s *Scheduler) Check(ctx context.Context, now time.Time) {
	for _, g := range []storage.Granularity{storage.GranularityShort, storage.GranularityLong} {
		st := s.state(g)
		st.mu.Lock()
		due := !st.generating && now.Sub(st.watermark) >= g.Period()
		st.mu.Unlock()
		if !due {
			continue
		}

		go func(g storage.Granularity) {
			if err := s.RunOnce(ctx, g, now); err != nil {
				s.logger.Error("rollup generation failed", "granularity", g, "error", err)
			}
		}(g)
	}
}

// RunOnce synchronously generates at most one rollup for g, with now as the
// window end. It is a no-op when the window is not due yet or a generation
// for g is already in flight.
func (s *Scheduler) RunOnce(ctx context.Context, g storage.Granularity, now time.Time) error {
	st := s.state(g)
	st.mu.Lock()
	if st.generating || now.Sub(st.watermark) < g.Period() {
		st.mu.Unlock()
		return nil
	}
	st.generating = true
	start := st.watermark
	st.mu.Unlock()

	defer func() {
		st.mu.Lock()
		st.generating = false
		st.mu.Unlock()
	}()

	if err := s.generate(ctx, g, start, now); err != nil {
		return fmt.Errorf("%s rollup [%s, %s): %w",
			g, start.Format(time.RFC3339), now.Format(time.RFC3339), err)
	}
	return nil
}

// advance moves the watermark past a finished window and resets the failure
// count. Only the single in-flight generation for g calls this.
func (s *Scheduler) advance(g storage.Granularity, to time.Time) {
	st := s.state(g)
	st.mu.Lock()
	st.watermark = to
	st.attempts = 0
	st.mu.Unlock()
}

func (s *Scheduler) recordFailure(g storage.Granularity) int {
	st := s.state(g)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.attempts++
	return st.attempts
}

func (s *Scheduler) generate(ctx context.Context, g storage.Granularity, start, end time.Time) error {
	if g == storage.GranularityLong {
		return s.generateLong(ctx, start, end)
	}
	return s.generateShort(ctx, start, end)
}

func (s *Scheduler) generateShort(ctx context.Context, start, end time.Time) error {
	samples, err := s.store.SamplesInRange(start, end)
	if err != nil {
		return fmt.Errorf("loading samples: %w", err)
	}
	if len(samples) == 0 {
		s.advance(storage.GranularityShort, end)
		s.logger.Info("empty short window skipped", "start", start, "end", end)
		return nil
	}

	content, err := s.summarizer.Short(ctx, samples)
	if err != nil {
		attempts := s.recordFailure(storage.GranularityShort)
		return fmt.Errorf("summarizing %d samples (attempt %d, window widens until success): %w",
			len(samples), attempts, err)
	}

	r := storage.Rollup{
		ID:          uuid.New().String(),
		Granularity: storage.GranularityShort,
		StartTime:   start,
		EndTime:     end,
		Content:     content,
	}
	if err := s.store.SaveRollup(r); err != nil {
		return fmt.Errorf("saving rollup: %w", err)
	}
	s.advance(storage.GranularityShort, end)
	s.logger.Info("short rollup saved", "id", r.ID, "start", start, "end", end, "samples", len(samples))
	return nil
}

func (s *Scheduler) generateLong(ctx context.Context, start, end time.Time) error {
	rollups, err := s.store.RollupsInRange(storage.GranularityShort, start, end)
	if err != nil {
		return fmt.Errorf("loading short rollups: %w", err)
	}
	if len(rollups) == 0 {
		s.advance(storage.GranularityLong, end)
		s.logger.Info("empty long window skipped", "start", start, "end", end)
		return nil
	}

	content, err := s.summarizer.Long(ctx, rollups)
	if err != nil {
		attempts := s.recordFailure(storage.GranularityLong)
		return fmt.Errorf("summarizing %d short rollups (attempt %d, window widens until success): %w",
			len(rollups), attempts, err)
	}

	r := storage.Rollup{
		ID:          uuid.New().String(),
		Granularity: storage.GranularityLong,
		StartTime:   start,
		EndTime:     end,
		Content:     content,
	}
	if err := s.store.SaveRollup(r); err != nil {
		return fmt.Errorf("saving rollup: %w", err)
	}
	s.advance(storage.GranularityLong, end)
	s.logger.Info("long rollup saved", "id", r.ID, "start", start, "end", end, "rollups", len(rollups))

	s.attachVideo(ctx, r.ID, start, end)

	if result, err := s.retainer.Thin(start, end); err != nil {
		s.logger.Error("payload thinning failed", "start", start, "end", end, "error", err)
	} else {
		s.logger.Info("payloads thinned", "kept", result.Kept, "cleared", result.Cleared)
	}
	return nil
}

// attachVideo encodes the window's raw frames and attaches the artifact to
// the saved rollup. Every failure here is non-fatal: the rollup already
// exists and simply stays without a video.
func (s *Scheduler) attachVideo(ctx context.Context, rollupID string, start, end time.Time) {
	payloads, err := s.store.PayloadsInRange(start, end)
	if err != nil {
		s.logger.Error("loading payloads for video failed", "start", start, "end", end, "error", err)
		return
	}
	if len(payloads) == 0 {
		s.logger.Info("no payloads in long window, skipping video", "start", start, "end", end)
		return
	}

	path, err := s.video.Generate(ctx, payloads, start)
	if err != nil {
		s.logger.Error("video generation failed", "start", start, "end", end, "error", err)
		return
	}
	if err := s.store.SetRollupVideo(rollupID, path); err != nil {
		s.logger.Error("attaching video failed", "rollup", rollupID, "path", path, "error", err)
		return
	}
	s.logger.Info("video attached", "rollup", rollupID, "path", path)
}
