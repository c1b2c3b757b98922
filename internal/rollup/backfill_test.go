package rollup

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/hindsight/internal/storage"
)

func backfillStats(t *testing.T, first, last string, total int) storage.Stats {
	t.Helper()
	return storage.Stats{
		TotalSamples: total,
		FirstCapture: ts(t, first),
		LastCapture:  ts(t, last),
	}
}

func TestBackfillGeneratesMissingRollups(t *testing.T) {
	store := &fakeStore{
		stats: backfillStats(t, "2026-03-01T10:00:00Z", "2026-03-01T10:12:00Z", 2),
		samples: []storage.Sample{
			sampleAt("s1", ts(t, "2026-03-01T10:01:00Z"), nil),
			sampleAt("s2", ts(t, "2026-03-01T10:11:00Z"), nil),
		},
	}
	var out bytes.Buffer

	res, err := Backfill(context.Background(), store, &fakeSummarizer{}, time.Time{}, time.Time{}, &out)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if res.Short != 2 || res.Long != 1 || res.Skipped != 0 {
		t.Errorf("result = %+v, want 2 short, 1 long, 0 skipped", res)
	}

	saved := store.savedRollups()
	if len(saved) != 3 {
		t.Fatalf("saved %d rollups, want 3", len(saved))
	}
	// Windows are aligned to the first capture, and the middle empty one
	// leaves no row behind.
	if !saved[0].StartTime.Equal(ts(t, "2026-03-01T10:00:00Z")) ||
		!saved[0].EndTime.Equal(ts(t, "2026-03-01T10:05:00Z")) {
		t.Errorf("first short window = [%v, %v)", saved[0].StartTime, saved[0].EndTime)
	}
	if !saved[1].StartTime.Equal(ts(t, "2026-03-01T10:10:00Z")) {
		t.Errorf("second short window starts at %v", saved[1].StartTime)
	}
	long := saved[2]
	if long.Granularity != storage.GranularityLong ||
		!long.StartTime.Equal(ts(t, "2026-03-01T10:00:00Z")) ||
		!long.EndTime.Equal(ts(t, "2026-03-01T11:00:00Z")) {
		t.Errorf("long rollup = %+v", long)
	}

	if !strings.Contains(out.String(), "backfill range") {
		t.Errorf("output missing range line:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "backfilled 2 short and 1 long") {
		t.Errorf("output missing summary line:\n%s", out.String())
	}
}

func TestBackfillSkipsExistingWindows(t *testing.T) {
	store := &fakeStore{
		stats: backfillStats(t, "2026-03-01T10:00:00Z", "2026-03-01T10:12:00Z", 2),
		samples: []storage.Sample{
			sampleAt("s1", ts(t, "2026-03-01T10:01:00Z"), nil),
			sampleAt("s2", ts(t, "2026-03-01T10:11:00Z"), nil),
		},
		shorts: []storage.Rollup{{
			ID:          "existing",
			Granularity: storage.GranularityShort,
			StartTime:   ts(t, "2026-03-01T10:00:00Z"),
			EndTime:     ts(t, "2026-03-01T10:05:00Z"),
			Content:     "already here",
		}},
	}

	sum := &fakeSummarizer{}
	res, err := Backfill(context.Background(), store, sum, time.Time{}, time.Time{}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if res.Short != 1 || res.Long != 1 || res.Skipped != 1 {
		t.Errorf("result = %+v, want 1 short, 1 long, 1 skipped", res)
	}
	for _, r := range store.savedRollups() {
		if r.Granularity == storage.GranularityShort && r.StartTime.Equal(ts(t, "2026-03-01T10:00:00Z")) {
			t.Error("regenerated a window that already had a rollup")
		}
	}
}

func TestBackfillNoCaptures(t *testing.T) {
	var out bytes.Buffer
	res, err := Backfill(context.Background(), &fakeStore{}, &fakeSummarizer{}, time.Time{}, time.Time{}, &out)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if res.Short != 0 || res.Long != 0 {
		t.Errorf("result = %+v, want empty", res)
	}
	if !strings.Contains(out.String(), "no captures to backfill") {
		t.Errorf("output = %q", out.String())
	}
}

func TestBackfillHonorsRangeBounds(t *testing.T) {
	store := &fakeStore{
		stats: backfillStats(t, "2026-03-01T10:00:00Z", "2026-03-01T10:12:00Z", 2),
		samples: []storage.Sample{
			sampleAt("s1", ts(t, "2026-03-01T10:01:00Z"), nil),
			sampleAt("s2", ts(t, "2026-03-01T10:11:00Z"), nil),
		},
	}
	var out bytes.Buffer

	res, err := Backfill(context.Background(), store, &fakeSummarizer{}, ts(t, "2026-03-01T10:10:00Z"), time.Time{}, &out)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if res.Short != 1 {
		t.Errorf("result = %+v, want 1 short (only the window past --from)", res)
	}

	saved := store.savedRollups()
	for _, r := range saved {
		if r.StartTime.Before(ts(t, "2026-03-01T10:10:00Z")) {
			t.Errorf("rollup %v starts before the requested range", r.StartTime)
		}
	}
}

func TestBackfillAbortsOnSummarizeError(t *testing.T) {
	store := &fakeStore{
		stats: backfillStats(t, "2026-03-01T10:00:00Z", "2026-03-01T10:04:00Z", 1),
		samples: []storage.Sample{
			sampleAt("s1", ts(t, "2026-03-01T10:01:00Z"), nil),
		},
	}
	sum := &fakeSummarizer{
		shortFn: func([]storage.Sample) (string, error) { return "", errors.New("model offline") },
	}

	_, err := Backfill(context.Background(), store, sum, time.Time{}, time.Time{}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "model offline") {
		t.Fatalf("err = %v, want summarize failure", err)
	}
	if len(store.savedRollups()) != 0 {
		t.Error("rollups saved despite the failure")
	}
}
