package daemon

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/hindsight/internal/classify"
	"github.com/kalambet/hindsight/internal/storage"
)

// fakeClock advances virtual time instead of sleeping. After fires only
// when the test feeds a permit into ticks, so the loop runs exactly as many
// cycles as the test allows.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	ticks chan struct{}
}

func newFakeClock(t *testing.T, start time.Time) *fakeClock {
	f := &fakeClock{now: start, ticks: make(chan struct{}, 64)}
	t.Cleanup(func() { close(f.ticks) })
	return f
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	go func() {
		if _, ok := <-f.ticks; !ok {
			return
		}
		f.mu.Lock()
		f.now = f.now.Add(d)
		now := f.now
		f.mu.Unlock()
		ch <- now
	}()
	return ch
}

func (f *fakeClock) permit(n int) {
	for i := 0; i < n; i++ {
		f.ticks <- struct{}{}
	}
}

type fakeSource struct {
	mu    sync.Mutex
	calls int
	fn    func() ([]byte, error)
}

func (f *fakeSource) Capture(context.Context) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn()
	}
	return []byte("png-bytes"), nil
}

type fakeClassifier struct {
	mu         sync.Mutex
	calls      int
	gotVocab   []string
	gotSummary string
	result     classify.Result
	err        error
}

func (f *fakeClassifier) Classify(_ context.Context, _ []byte, vocab []string, lastSummary string) (classify.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gotVocab = vocab
	f.gotSummary = lastSummary
	if f.err != nil {
		return f.result, f.err
	}
	if f.result.Labels == nil && f.result.Description == "" {
		return classify.Result{Labels: []string{"coding"}, Description: "typing in an editor"}, nil
	}
	return f.result, nil
}

func (f *fakeClassifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingStore struct {
	mu      sync.Mutex
	samples []storage.Sample
	labels  []storage.Label
	latest  *storage.Rollup
}

func (r *recordingStore) SaveSample(s storage.Sample) error {
	r.mu.Lock()
	r.samples = append(r.samples, s)
	r.mu.Unlock()
	return nil
}

func (r *recordingStore) Labels() ([]storage.Label, error) { return r.labels, nil }

func (r *recordingStore) LatestRollup(storage.Granularity) (storage.Rollup, error) {
	if r.latest == nil {
		return storage.Rollup{}, storage.ErrNotFound
	}
	return *r.latest, nil
}

func (r *recordingStore) saved() []storage.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]storage.Sample{}, r.samples...)
}

type fakeChecker struct {
	mu    sync.Mutex
	times []time.Time
}

func (f *fakeChecker) Check(_ context.Context, now time.Time) {
	f.mu.Lock()
	f.times = append(f.times, now)
	f.mu.Unlock()
}

func (f *fakeChecker) checked() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time{}, f.times...)
}

func start(t *testing.T) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, "2026-03-01T10:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func newTestDaemon(source *fakeSource, cls *fakeClassifier, store *recordingStore, checker *fakeChecker, clock Clock) *Daemon {
	d := NewDaemon(source, cls, store, checker, 15*time.Second, 2, 4)
	d.clock = clock
	return d
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRunCapturesOnSchedule(t *testing.T) {
	t0 := start(t)
	clock := newFakeClock(t, t0)
	source := &fakeSource{}
	cls := &fakeClassifier{}
	store := &recordingStore{}
	d := newTestDaemon(source, cls, store, &fakeChecker{}, clock)

	// The first tick fires immediately; two permits allow two more.
	clock.permit(2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, func() bool { return len(store.saved()) == 3 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	saved := store.saved()
	if len(saved) != 3 {
		t.Fatalf("saved %d samples, want 3", len(saved))
	}
	sort.Slice(saved, func(i, j int) bool { return saved[i].CapturedAt.Before(saved[j].CapturedAt) })
	for i, s := range saved {
		want := t0.Add(time.Duration(i) * 15 * time.Second)
		if !s.CapturedAt.Equal(want) {
			t.Errorf("sample %d captured at %v, want %v", i, s.CapturedAt, want)
		}
		if s.Error != "" {
			t.Errorf("sample %d has error %q", i, s.Error)
		}
		if !reflect.DeepEqual(s.Labels, []string{"coding"}) {
			t.Errorf("sample %d labels = %v", i, s.Labels)
		}
		if string(s.Payload) != "png-bytes" {
			t.Errorf("sample %d payload = %q", i, s.Payload)
		}
	}
}

func TestSlowCycleDoesNotDrift(t *testing.T) {
	t0 := start(t)
	clock := newFakeClock(t, t0)
	// Every capture takes 40 virtual seconds against a 15 second interval,
	// so the loop is permanently behind and fires catch-up ticks.
	source := &fakeSource{fn: func() ([]byte, error) {
		clock.Advance(40 * time.Second)
		return []byte("png"), nil
	}}
	store := &recordingStore{}
	d := newTestDaemon(source, &fakeClassifier{}, store, &fakeChecker{}, clock)
	// No workers drain the queue here: saves happen synchronously on the
	// backpressure path, keeping the observed order deterministic.
	d.queue = make(chan job)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.tickLoop(ctx)

	waitFor(t, func() bool { return len(store.saved()) >= 4 })
	cancel()

	saved := store.saved()[:4]
	for i, s := range saved {
		want := t0.Add(time.Duration(i) * 15 * time.Second)
		if !s.CapturedAt.Equal(want) {
			t.Errorf("sample %d captured at %v, want %v (deadlines must not drift)", i, s.CapturedAt, want)
		}
	}
}

func TestTickCaptureFailure(t *testing.T) {
	t0 := start(t)
	source := &fakeSource{fn: func() ([]byte, error) { return nil, errors.New("grim exploded") }}
	cls := &fakeClassifier{}
	store := &recordingStore{}
	checker := &fakeChecker{}
	d := newTestDaemon(source, cls, store, checker, newFakeClock(t, t0))

	d.Tick(context.Background(), t0)

	saved := store.saved()
	if len(saved) != 1 {
		t.Fatalf("saved %d samples, want 1", len(saved))
	}
	s := saved[0]
	if !strings.Contains(s.Error, "screenshot capture failed") || !strings.Contains(s.Error, "grim exploded") {
		t.Errorf("error = %q", s.Error)
	}
	if s.Payload != nil {
		t.Errorf("payload = %q, want none", s.Payload)
	}
	if !s.CapturedAt.Equal(t0) {
		t.Errorf("captured at %v, want %v", s.CapturedAt, t0)
	}
	if cls.callCount() != 0 {
		t.Error("classifier called for a failed capture")
	}
	if got := checker.checked(); len(got) != 1 || !got[0].Equal(t0) {
		t.Errorf("rollup check times = %v, want [%v]", got, t0)
	}
}

func TestTickQueueFullKeepsPayload(t *testing.T) {
	t0 := start(t)
	cls := &fakeClassifier{}
	store := &recordingStore{}
	d := newTestDaemon(&fakeSource{}, cls, store, &fakeChecker{}, newFakeClock(t, t0))
	d.queue = make(chan job, 1)
	d.queue <- job{} // fill the queue, no workers are draining it

	d.Tick(context.Background(), t0)

	saved := store.saved()
	if len(saved) != 1 {
		t.Fatalf("saved %d samples, want 1", len(saved))
	}
	s := saved[0]
	if s.Error != "classification queue full" {
		t.Errorf("error = %q", s.Error)
	}
	if string(s.Payload) != "png-bytes" {
		t.Errorf("payload = %q, want the captured frame", s.Payload)
	}
	if cls.callCount() != 0 {
		t.Error("classifier called despite backpressure")
	}
}

func TestClassifyThreadsVocabularyAndSummary(t *testing.T) {
	t0 := start(t)
	cls := &fakeClassifier{result: classify.Result{
		Labels:      []string{"meeting"},
		Description: "on a call",
		Raw:         `{"labels":["meeting"]}`,
	}}
	store := &recordingStore{
		labels: []storage.Label{{Name: "coding"}, {Name: "email"}},
		latest: &storage.Rollup{Content: "was mostly coding"},
	}
	d := newTestDaemon(&fakeSource{}, cls, store, &fakeChecker{}, newFakeClock(t, t0))

	d.classify(context.Background(), job{id: "s1", capturedAt: t0, payload: []byte("img")})

	if !reflect.DeepEqual(cls.gotVocab, []string{"coding", "email"}) {
		t.Errorf("vocabulary = %v", cls.gotVocab)
	}
	if cls.gotSummary != "was mostly coding" {
		t.Errorf("last summary = %q", cls.gotSummary)
	}
	saved := store.saved()
	if len(saved) != 1 {
		t.Fatalf("saved %d samples, want 1", len(saved))
	}
	s := saved[0]
	if s.ID != "s1" || s.Description != "on a call" || s.RawResponse != `{"labels":["meeting"]}` {
		t.Errorf("sample = %+v", s)
	}
	if !reflect.DeepEqual(s.Labels, []string{"meeting"}) {
		t.Errorf("labels = %v", s.Labels)
	}
}

func TestClassifyFailurePersistsErrorSample(t *testing.T) {
	t0 := start(t)
	cls := &fakeClassifier{
		result: classify.Result{Raw: "{broken"},
		err:    errors.New("model offline"),
	}
	store := &recordingStore{}
	d := newTestDaemon(&fakeSource{}, cls, store, &fakeChecker{}, newFakeClock(t, t0))

	d.classify(context.Background(), job{id: "s1", capturedAt: t0, payload: []byte("img")})

	saved := store.saved()
	if len(saved) != 1 {
		t.Fatalf("saved %d samples, want 1", len(saved))
	}
	s := saved[0]
	if s.Error != "model offline" {
		t.Errorf("error = %q", s.Error)
	}
	if s.RawResponse != "{broken" {
		t.Errorf("raw response = %q, want the malformed output kept", s.RawResponse)
	}
	if string(s.Payload) != "img" {
		t.Errorf("payload = %q, want kept", s.Payload)
	}
	if len(s.Labels) != 0 || s.Description != "" {
		t.Errorf("classification fields set on a failed sample: %+v", s)
	}
}
