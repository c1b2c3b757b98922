// Package daemon runs the capture loop: a drift-free ticker grabs one
// screenshot per interval, hands it to a bounded classification pool, and
// nudges the rollup scheduler.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/hindsight/internal/classify"
	"github.com/kalambet/hindsight/internal/storage"
	"golang.org/x/sync/errgroup"
)

// Source captures one screenshot per call.
type Source interface {
	Capture(ctx context.Context) ([]byte, error)
}

// Classifier labels a screenshot given the current vocabulary and recent
// activity context.
type Classifier interface {
	Classify(ctx context.Context, image []byte, existingLabels []string, lastSummary string) (classify.Result, error)
}

// Store abstracts what the capture loop persists and reads back.
type Store interface {
	SaveSample(s storage.Sample) error
	Labels() ([]storage.Label, error)
	LatestRollup(g storage.Granularity) (storage.Rollup, error)
}

// RollupChecker fires rollup generation for windows that have come due.
type RollupChecker interface {
	Check(ctx context.Context, now time.Time)
}

// Clock abstracts time so tests can drive the tick loop deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// job is one captured frame waiting for classification.
type job struct {
	id         string
	capturedAt time.Time
	payload    []byte
}

// Daemon owns the capture cadence and the classification pool.
type Daemon struct {
	source     Source
	classifier Classifier
	store      Store
	rollups    RollupChecker
	clock      Clock
	logger     *slog.Logger

	interval time.Duration
	workers  int
	queue    chan job
}

// NewDaemon creates a Daemon wired to its collaborators.
// interval defaults to 15s if <= 0, workers to 4, queueSize to 16.
func NewDaemon(
	source Source,
	classifier Classifier,
	store Store,
	rollups RollupChecker,
	interval time.Duration,
	workers, queueSize int,
) *Daemon {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Daemon{
		source:     source,
		classifier: classifier,
		store:      store,
		rollups:    rollups,
		clock:      systemClock{},
		logger:     slog.Default(),
		interval:   interval,
		workers:    workers,
		queue:      make(chan job, queueSize),
	}
}

// Run drives capture ticks until ctx is cancelled. Deadlines form an
// arithmetic sequence (next = previous + interval): a slow cycle shifts
// nothing, an overrun deadline fires immediately and the sequence catches
// up. Classification in flight at shutdown is not awaited beyond ctx.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("capture loop started",
		"interval", d.interval, "workers", d.workers, "queue", cap(d.queue))

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			d.classifyLoop(gCtx)
			return nil
		})
	}
	g.Go(func() error {
		d.tickLoop(gCtx)
		return nil
	})
	return g.Wait()
}

func (d *Daemon) tickLoop(ctx context.Context) {
	next := d.clock.Now()
	for {
		if ctx.Err() != nil {
			return
		}
		if now := d.clock.Now(); now.Before(next) {
			select {
			case <-ctx.Done():
				return
			case <-d.clock.After(next.Sub(now)):
			}
		}

		d.Tick(ctx, next)
		next = next.Add(d.interval)
	}
}

// Tick runs one capture cycle for the given scheduled deadline. Samples
// carry the deadline, not the wall time the cycle actually ran, so window
// membership stays exact even when a cycle overruns.
func (d *Daemon) Tick(ctx context.Context, scheduled time.Time) {
	d.capture(ctx, scheduled)
	d.rollups.Check(ctx, scheduled)
}

func (d *Daemon) capture(ctx context.Context, scheduled time.Time) {
	payload, err := d.source.Capture(ctx)
	if err != nil {
		d.logger.Error("capture failed", "error", err)
		marker := storage.Sample{
			ID:         uuid.New().String(),
			CapturedAt: scheduled,
			Error:      fmt.Sprintf("screenshot capture failed: %v", err),
		}
		if saveErr := d.store.SaveSample(marker); saveErr != nil {
			d.logger.Error("saving capture failure marker failed", "error", saveErr)
		}
		return
	}

	j := job{id: uuid.New().String(), capturedAt: scheduled, payload: payload}
	select {
	case d.queue <- j:
	default:
		// Queue full: persist the frame unclassified rather than stall
		// the cadence or drop it.
		d.logger.Warn("classification queue full", "sample", j.id)
		marker := storage.Sample{
			ID:         j.id,
			CapturedAt: j.capturedAt,
			Payload:    j.payload,
			Error:      "classification queue full",
		}
		if err := d.store.SaveSample(marker); err != nil {
			d.logger.Error("saving backpressure marker failed", "error", err)
		}
	}
}

func (d *Daemon) classifyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.classify(ctx, j)
		}
	}
}

func (d *Daemon) classify(ctx context.Context, j job) {
	vocab, lastSummary := d.classificationContext()

	result, err := d.classifier.Classify(ctx, j.payload, vocab, lastSummary)
	sample := storage.Sample{
		ID:          j.id,
		CapturedAt:  j.capturedAt,
		Payload:     j.payload,
		RawResponse: result.Raw,
	}
	if err != nil {
		d.logger.Warn("classification failed", "sample", j.id, "error", err)
		sample.Error = err.Error()
	} else {
		sample.Description = result.Description
		sample.Labels = result.Labels
	}

	if err := d.store.SaveSample(sample); err != nil {
		d.logger.Error("saving sample failed", "sample", j.id, "error", err)
		return
	}
	if sample.Error == "" {
		d.logger.Info("sample classified", "sample", j.id, "labels", sample.Labels)
	}
}

// classificationContext loads the label vocabulary and the latest short
// rollup content. Both are best-effort: classification proceeds without
// them rather than losing the frame.
func (d *Daemon) classificationContext() ([]string, string) {
	var vocab []string
	labels, err := d.store.Labels()
	if err != nil {
		d.logger.Warn("loading label vocabulary failed", "error", err)
	} else {
		for _, l := range labels {
			vocab = append(vocab, l.Name)
		}
	}

	var lastSummary string
	latest, err := d.store.LatestRollup(storage.GranularityShort)
	switch {
	case err == nil:
		lastSummary = latest.Content
	case !errors.Is(err, storage.ErrNotFound):
		d.logger.Warn("loading latest rollup failed", "error", err)
	}
	return vocab, lastSummary
}
