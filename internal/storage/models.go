package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Granularity identifies a rollup window width.
type Granularity string

const (
	GranularityShort Granularity = "short" // 5-minute windows
	GranularityLong  Granularity = "long"  // hourly windows
)

// Period returns the window period for the granularity.
func (g Granularity) Period() time.Duration {
	if g == GranularityLong {
		return time.Hour
	}
	return 5 * time.Minute
}

// ParseGranularity validates a user-supplied granularity string.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case GranularityShort, GranularityLong:
		return Granularity(s), nil
	}
	return "", fmt.Errorf("invalid granularity %q (want %q or %q)", s, GranularityShort, GranularityLong)
}

// Sample is one capture cycle's outcome: a screenshot payload plus the
// classification attached to it, or an error marker when either step failed.
type Sample struct {
	ID          string
	CapturedAt  time.Time
	Payload     []byte // nil on capture failure or after retention thinning
	Description string
	RawResponse string
	Error       string
	Labels      []string
	CreatedAt   time.Time
}

type Label struct {
	ID        string
	Name      string
	CreatedAt time.Time
	LastUsed  time.Time
}

// Rollup is a summarized activity window. VideoPath is set only on long
// rollups that produced a timelapse artifact.
type Rollup struct {
	ID          string
	Granularity Granularity
	StartTime   time.Time
	EndTime     time.Time
	Content     string
	VideoPath   string
	CreatedAt   time.Time
}

type Stats struct {
	TotalSamples int
	FirstCapture time.Time
	LastCapture  time.Time
	PayloadBytes int64
	TotalLabels  int
	ShortRollups int
	LongRollups  int
}

type LabelCount struct {
	Name  string
	Count int
}

type TimelineEntry struct {
	SampleID   string
	CapturedAt time.Time
	Label      string
}

type HeatmapCell struct {
	Date  string // YYYY-MM-DD
	Hour  int
	Count int
}
