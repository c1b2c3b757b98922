// Package retention thins stored screenshot payloads down to one per
// five-minute bucket once a window has been rolled up, keeping every sample
// row for time accounting.
package retention

import (
	"fmt"
	"time"

	"github.com/kalambet/hindsight/internal/storage"
)

// Store is the storage surface the thinner needs.
type Store interface {
	SamplesInRange(start, end time.Time) ([]storage.Sample, error)
	ClearPayloads(ids []string) error
}

// Result reports what one thinning pass kept and cleared.
type Result struct {
	Kept    int
	Cleared int
}

// Thinner clears redundant sample payloads.
type Thinner struct {
	store Store
}

// NewThinner creates a Thinner over the given store.
func NewThinner(store Store) *Thinner {
	return &Thinner{store: store}
}

// BucketStart returns the start of the five-minute bucket t falls into.
func BucketStart(t time.Time) time.Time {
	t = t.Truncate(time.Minute)
	return t.Add(-time.Duration(t.Minute()%5) * time.Minute)
}

// Thin keeps the chronologically first sample of each five-minute bucket in
// [start, end) and clears the payloads of the rest. Bucket membership depends
// only on timestamps, so a repeated pass keeps the same samples and clears
// nothing new.
func (t *Thinner) Thin(start, end time.Time) (Result, error) {
	samples, err := t.store.SamplesInRange(start, end)
	if err != nil {
		return Result{}, fmt.Errorf("listing samples: %w", err)
	}

	var result Result
	var toClear []string
	var bucket time.Time
	haveBucket := false
	for _, sample := range samples {
		b := BucketStart(sample.CapturedAt)
		if !haveBucket || !b.Equal(bucket) {
			bucket = b
			haveBucket = true
			result.Kept++
			continue
		}
		toClear = append(toClear, sample.ID)
	}

	if len(toClear) > 0 {
		if err := t.store.ClearPayloads(toClear); err != nil {
			return Result{}, fmt.Errorf("clearing payloads: %w", err)
		}
	}
	result.Cleared = len(toClear)
	return result, nil
}
