package quality

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"proxy-lifecycle/pkg/models"
)

type fakeSource struct {
	mu        sync.Mutex
	proxies   map[string]*models.ProxyRecord
	annotated map[string]models.Rating
}

func newFakeSource(ps ...*models.ProxyRecord) *fakeSource {
	f := &fakeSource{proxies: map[string]*models.ProxyRecord{}, annotated: map[string]models.Rating{}}
	for _, p := range ps {
		f.proxies[p.ID] = p
	}
	return f
}

func (f *fakeSource) Snapshot() []*models.ProxyRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.ProxyRecord, 0, len(f.proxies))
	for _, p := range f.proxies {
		out = append(out, p.Clone())
	}
	return out
}

func (f *fakeSource) Get(id string) (*models.ProxyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proxies[id]
	if !ok {
		return nil, errors.New("missing")
	}
	return p.Clone(), nil
}

func (f *fakeSource) Annotate(id string, score float64, rating models.Rating, health models.HealthStatus) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.annotated[id] = rating
	return true
}

type fakeHistory struct {
	mu     sync.Mutex
	rows   []*models.QualityHistory
	pruned int
}

func (f *fakeHistory) AppendQualityHistory(ctx context.Context, rows []*models.QualityHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *fakeHistory) LoadQualityHistory(ctx context.Context, since time.Time) ([]*models.QualityHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.QualityHistory
	for _, r := range f.rows {
		if !r.RecordedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeHistory) PruneQualityHistory(ctx context.Context, before time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned++
	return 0, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRatingBoundaries(t *testing.T) {
	tests := []struct {
		score float64
		want  models.Rating
	}{
		{100, models.RatingS},
		{95.0, models.RatingS},
		{94.9, models.RatingA},
		{85.0, models.RatingA},
		{84.99, models.RatingB},
		{70.0, models.RatingB},
		{60.0, models.RatingC},
		{59.9, models.RatingD},
		{0, models.RatingD},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RatingFor(tt.score), "score %v", tt.score)
	}
}

func TestLatencyScore(t *testing.T) {
	tests := []struct {
		ms   float64
		want float64
	}{
		{0, 100}, {50, 100}, {51, 90}, {100, 90}, {200, 75}, {201, 50}, {500, 50}, {501, 20}, {5000, 20},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LatencyScore(tt.ms), "latency %v", tt.ms)
	}
}

func TestConsistency(t *testing.T) {
	tests := []struct {
		name    string
		history []float64
		want    float64
	}{
		{name: "too short", history: []float64{10, 90}, want: 80},
		{name: "flat", history: []float64{80, 80, 80}, want: 100},
		{name: "sd 8", history: []float64{72, 88, 72, 88}, want: 85},
		{name: "sd 12", history: []float64{68, 92, 68, 92}, want: 70},
		{name: "sd 18", history: []float64{62, 98, 62, 98}, want: 55},
		{name: "sd 30", history: []float64{50, 110, 50, 110}, want: 40},
		{
			name:    "only last ten count",
			history: []float64{0, 100, 0, 100, 80, 80, 80, 80, 80, 80, 80, 80, 80, 80},
			want:    100,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Consistency(tt.history))
		})
	}
}

func TestAnonymityScore(t *testing.T) {
	assert.Equal(t, 100.0, AnonymityScore(models.AnonymityHigh))
	assert.Equal(t, 80.0, AnonymityScore(models.AnonymityAnonymous))
	assert.Equal(t, 50.0, AnonymityScore(models.AnonymityTransparent))
	assert.Equal(t, 70.0, AnonymityScore(""))
}

func TestHealthFor(t *testing.T) {
	assert.Equal(t, models.HealthHealthy, HealthFor(90, 95, 75))
	assert.Equal(t, models.HealthDegraded, HealthFor(89.9, 95, 75))
	assert.Equal(t, models.HealthDegraded, HealthFor(75, 80, 50))
	assert.Equal(t, models.HealthUnhealthy, HealthFor(75, 79, 50))
	assert.Equal(t, models.HealthUnhealthy, HealthFor(100, 100, 20))
}

func TestTrendFor(t *testing.T) {
	assert.Equal(t, models.TrendStable, TrendFor([]float64{10, 90}))
	assert.Equal(t, models.TrendImproving, TrendFor([]float64{60, 60, 80, 80, 80}))
	assert.Equal(t, models.TrendDeclining, TrendFor([]float64{90, 90, 70, 70, 70}))
	assert.Equal(t, models.TrendStable, TrendFor([]float64{80, 82, 79, 81, 80}))
}

func TestCalculate(t *testing.T) {
	now := time.Now()
	p := &models.ProxyRecord{
		ID:            "p1",
		Quality:       90,
		SuccessRate:   96,
		TotalRequests: 100,
		LatencyMs:     40,
		Anonymity:     models.AnonymityHigh,
	}

	qs := Calculate(p, nil, now)
	// 96*.4 + 100*.25 + 100*.2 + 80*.1 + 100*.05
	assert.InDelta(t, 96.4, qs.Score, 0.001)
	assert.Equal(t, models.RatingS, qs.Rating)
	assert.Equal(t, models.HealthHealthy, qs.Health)
	assert.Equal(t, 100.0, qs.Breakdown.Availability)
	assert.Equal(t, now, qs.CalculatedAt)

	p.InUse = true
	qs = Calculate(p, nil, now)
	assert.Equal(t, 90.0, qs.Breakdown.Availability)
	assert.Equal(t, models.HealthDegraded, qs.Health)
}

func TestCalculateDefaults(t *testing.T) {
	qs := Calculate(&models.ProxyRecord{ID: "fresh", LatencyMs: 1000}, nil, time.Now())
	assert.Equal(t, 80.0, qs.Breakdown.SuccessRate)
	assert.Equal(t, 85.0, qs.Breakdown.Availability)
	assert.Equal(t, 70.0, qs.Breakdown.Anonymity)
	// 80*.4 + 85*.25 + 20*.2 + 80*.1 + 70*.05
	assert.InDelta(t, 68.75, qs.Score, 0.001)
	assert.Equal(t, models.RatingC, qs.Rating)
}

func TestCalculateAll(t *testing.T) {
	src := newFakeSource(
		&models.ProxyRecord{ID: "good", Quality: 95, SuccessRate: 99, TotalRequests: 10, LatencyMs: 30, Anonymity: models.AnonymityHigh},
		&models.ProxyRecord{ID: "bad", Quality: 10, SuccessRate: 20, TotalRequests: 10, LatencyMs: 900},
		&models.ProxyRecord{ID: "broken"},
	)
	store := &fakeHistory{}
	s := NewScorer(src, store, Options{}, testLogger())
	inner := s.calc
	s.calc = func(p *models.ProxyRecord, h []float64, now time.Time) (models.QualityScore, error) {
		if p.ID == "broken" {
			return models.QualityScore{}, errors.New("boom")
		}
		return inner(p, h, now)
	}

	results, err := s.CalculateAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Len(t, store.rows, 2)
	assert.Equal(t, 1, store.pruned)
	assert.Equal(t, models.RatingS, src.annotated["good"])
	assert.Equal(t, models.RatingD, src.annotated["bad"])
	_, annotated := src.annotated["broken"]
	assert.False(t, annotated)

	d := s.Distribution()
	assert.Equal(t, 2, d.Total)
	assert.Equal(t, 1, d.ByRating[models.RatingS])
	assert.Equal(t, 1, d.ByHealth[models.HealthUnhealthy])

	qs, err := s.QualityScore("good")
	require.NoError(t, err)
	assert.Equal(t, models.RatingS, qs.Rating)

	_, err = s.QualityScore("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	got := s.QualityScores([]string{"good", "bad", "nope"})
	assert.Len(t, got, 2)

	// Second run: prune is rate limited, history grows.
	_, err = s.CalculateAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, store.pruned)
	assert.Len(t, s.history["good"], 2)
}

func TestCalculateAllDropsEvicted(t *testing.T) {
	src := newFakeSource(&models.ProxyRecord{ID: "a", Quality: 50}, &models.ProxyRecord{ID: "b", Quality: 50})
	s := NewScorer(src, nil, Options{}, testLogger())

	_, err := s.CalculateAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, s.Distribution().Total)

	src.mu.Lock()
	delete(src.proxies, "b")
	src.mu.Unlock()

	_, err = s.CalculateAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Distribution().Total)
	assert.NotContains(t, s.history, "b")
}

func TestHistoryRetention(t *testing.T) {
	src := newFakeSource(&models.ProxyRecord{ID: "a", Quality: 50})
	s := NewScorer(src, nil, Options{Retention: time.Hour}, testLogger())

	clock := time.Now()
	s.now = func() time.Time { return clock }
	for i := 0; i < 3; i++ {
		_, err := s.CalculateAll(context.Background())
		require.NoError(t, err)
		clock = clock.Add(45 * time.Minute)
	}
	// Points at t0, t0+45m, t0+90m: the first falls out of a one hour window.
	assert.Len(t, s.history["a"], 2)
}

func TestLoad(t *testing.T) {
	store := &fakeHistory{}
	now := time.Now()
	store.rows = []*models.QualityHistory{
		{ProxyID: "a", Score: 70, RecordedAt: now.Add(-40 * 24 * time.Hour)},
		{ProxyID: "a", Score: 80, RecordedAt: now.Add(-2 * time.Hour)},
		{ProxyID: "a", Score: 90, RecordedAt: now.Add(-time.Hour)},
	}
	s := NewScorer(newFakeSource(), store, Options{}, testLogger())
	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, []float64{80, 90}, s.scoresOf("a"))
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := newFakeSource(&models.ProxyRecord{ID: "a", Quality: 50})
	s := NewScorer(src, nil, Options{Interval: 5 * time.Millisecond}, testLogger())
	s.Start(context.Background())
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		return s.Distribution().Total == 1
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
}
