// Package quality computes composite 0-100 health scores for pooled proxies.
package quality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"proxy-lifecycle/pkg/metrics"
	"proxy-lifecycle/pkg/models"
)

var ErrNotFound = errors.New("proxy not found")

const (
	weightSuccess      = 0.40
	weightAvailability = 0.25
	weightLatency      = 0.20
	weightConsistency  = 0.10
	weightAnonymity    = 0.05

	defaultSuccessRate  = 80.0
	defaultAvailability = 85.0

	consistencyWindow = 10
	maxPoints         = 100
	storePruneEvery   = time.Hour
)

// ProxySource is the live pool the scorer reads from and annotates.
type ProxySource interface {
	Snapshot() []*models.ProxyRecord
	Get(id string) (*models.ProxyRecord, error)
	Annotate(id string, score float64, rating models.Rating, health models.HealthStatus) bool
}

// HistoryStore persists score points. May be nil.
type HistoryStore interface {
	AppendQualityHistory(ctx context.Context, rows []*models.QualityHistory) error
	LoadQualityHistory(ctx context.Context, since time.Time) ([]*models.QualityHistory, error)
	PruneQualityHistory(ctx context.Context, before time.Time) (int, error)
}

// Options sets how often the pool is rescored and how long history is kept.
type Options struct {
	Interval  time.Duration
	Retention time.Duration
}

type point struct {
	score float64
	at    time.Time
}

// Scorer computes quality scores for pooled proxies and keeps their recent history.
type Scorer struct {
	source ProxySource
	store  HistoryStore
	logger *slog.Logger
	opts   Options
	now    func() time.Time

	// score hook, replaced in tests to inject per-proxy failures
	calc func(p *models.ProxyRecord, history []float64, now time.Time) (models.QualityScore, error)

	mu        sync.RWMutex
	scores    map[string]models.QualityScore
	history   map[string][]point
	lastPrune time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScorer(source ProxySource, store HistoryStore, opts Options, logger *slog.Logger) *Scorer {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	s := &Scorer{
		source:  source,
		store:   store,
		logger:  logger.With("component", "quality"),
		opts:    opts,
		now:     time.Now,
		scores:  make(map[string]models.QualityScore),
		history: make(map[string][]point),
	}
	s.calc = func(p *models.ProxyRecord, history []float64, now time.Time) (models.QualityScore, error) {
		return Calculate(p, history, now), nil
	}
	return s
}

// Calculate scores p against its prior scores, oldest first.
func Calculate(p *models.ProxyRecord, history []float64, now time.Time) models.QualityScore {
	b := models.QualityBreakdown{
		SuccessRate:  successRate(p),
		Availability: availability(p),
		LatencyScore: LatencyScore(p.LatencyMs),
		Consistency:  Consistency(history),
		Anonymity:    AnonymityScore(p.Anonymity),
	}
	score := b.SuccessRate*weightSuccess +
		b.Availability*weightAvailability +
		b.LatencyScore*weightLatency +
		b.Consistency*weightConsistency +
		b.Anonymity*weightAnonymity
	score = math.Round(score*100) / 100

	return models.QualityScore{
		ProxyID:      p.ID,
		Score:        score,
		Rating:       RatingFor(score),
		Breakdown:    b,
		Health:       HealthFor(b.SuccessRate, b.Availability, b.LatencyScore),
		Trend:        TrendFor(history),
		CalculatedAt: now,
	}
}

func successRate(p *models.ProxyRecord) float64 {
	if p.TotalRequests == 0 && p.SuccessRate == 0 {
		return defaultSuccessRate
	}
	return math.Min(100, math.Max(0, p.SuccessRate))
}

// availability rewards an idle proxy with a bonus on top of its quality.
func availability(p *models.ProxyRecord) float64 {
	if p.Quality <= 0 {
		return defaultAvailability
	}
	if !p.InUse {
		return math.Min(100, p.Quality+10)
	}
	return p.Quality
}

func LatencyScore(ms float64) float64 {
	switch {
	case ms <= 50:
		return 100
	case ms <= 100:
		return 90
	case ms <= 200:
		return 75
	case ms <= 500:
		return 50
	default:
		return 20
	}
}

// Consistency maps the population standard deviation of the last ten scores
// onto a step scale. Fewer than three points score 80.
func Consistency(history []float64) float64 {
	if len(history) < 3 {
		return 80
	}
	if len(history) > consistencyWindow {
		history = history[len(history)-consistencyWindow:]
	}
	mean := 0.0
	for _, v := range history {
		mean += v
	}
	mean /= float64(len(history))
	variance := 0.0
	for _, v := range history {
		variance += (v - mean) * (v - mean)
	}
	sd := math.Sqrt(variance / float64(len(history)))

	switch {
	case sd <= 5:
		return 100
	case sd <= 10:
		return 85
	case sd <= 15:
		return 70
	case sd <= 20:
		return 55
	default:
		return 40
	}
}

func AnonymityScore(a models.Anonymity) float64 {
	switch a {
	case models.AnonymityHigh:
		return 100
	case models.AnonymityAnonymous:
		return 80
	case models.AnonymityTransparent:
		return 50
	default:
		return 70
	}
}

func RatingFor(score float64) models.Rating {
	switch {
	case score >= 95:
		return models.RatingS
	case score >= 85:
		return models.RatingA
	case score >= 70:
		return models.RatingB
	case score >= 60:
		return models.RatingC
	default:
		return models.RatingD
	}
}

func HealthFor(successRate, availability, latencyScore float64) models.HealthStatus {
	switch {
	case successRate >= 90 && availability >= 95 && latencyScore >= 75:
		return models.HealthHealthy
	case successRate >= 75 && availability >= 80 && latencyScore >= 50:
		return models.HealthDegraded
	default:
		return models.HealthUnhealthy
	}
}

// TrendFor compares the mean of the three newest points with the mean of the
// five newest.
func TrendFor(history []float64) models.Trend {
	if len(history) < 3 {
		return models.TrendStable
	}
	diff := mean(lastN(history, 3)) - mean(lastN(history, 5))
	switch {
	case diff > 5:
		return models.TrendImproving
	case diff < -5:
		return models.TrendDeclining
	default:
		return models.TrendStable
	}
}

func lastN(v []float64, n int) []float64 {
	if len(v) <= n {
		return v
	}
	return v[len(v)-n:]
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func (s *Scorer) scoresOf(id string) []float64 {
	pts := s.history[id]
	out := make([]float64, len(pts))
	for i, p := range pts {
		out[i] = p.score
	}
	return out
}

// CalculateAll scores every live proxy, annotates the pool and appends the
// results to history. A proxy that fails to score is logged and skipped.
func (s *Scorer) CalculateAll(ctx context.Context) ([]models.QualityScore, error) {
	start := s.now()
	proxies := s.source.Snapshot()

	s.mu.RLock()
	histories := make(map[string][]float64, len(proxies))
	for _, p := range proxies {
		histories[p.ID] = s.scoresOf(p.ID)
	}
	s.mu.RUnlock()

	results := make([]models.QualityScore, 0, len(proxies))
	for _, p := range proxies {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		qs, err := s.calc(p, histories[p.ID], start)
		if err != nil {
			s.logger.Warn("failed to score proxy", "proxyID", p.ID, "error", err)
			continue
		}
		results = append(results, qs)
	}

	live := make(map[string]bool, len(proxies))
	for _, p := range proxies {
		live[p.ID] = true
	}

	s.mu.Lock()
	cutoff := start.Add(-s.opts.Retention)
	for _, qs := range results {
		s.scores[qs.ProxyID] = qs
		pts := append(s.history[qs.ProxyID], point{score: qs.Score, at: qs.CalculatedAt})
		s.history[qs.ProxyID] = trim(pts, cutoff)
	}
	for id := range s.scores {
		if !live[id] {
			delete(s.scores, id)
			delete(s.history, id)
		}
	}
	prune := s.store != nil && start.Sub(s.lastPrune) >= storePruneEvery
	if prune {
		s.lastPrune = start
	}
	s.mu.Unlock()

	for _, qs := range results {
		s.source.Annotate(qs.ProxyID, qs.Score, qs.Rating, qs.Health)
	}

	if s.store != nil && len(results) > 0 {
		rows := make([]*models.QualityHistory, 0, len(results))
		for _, qs := range results {
			rows = append(rows, historyRow(qs))
		}
		if err := s.store.AppendQualityHistory(ctx, rows); err != nil {
			s.logger.Error("failed to persist quality history", "error", err)
		}
	}
	if prune {
		if n, err := s.store.PruneQualityHistory(ctx, cutoff); err != nil {
			s.logger.Error("failed to prune quality history", "error", err)
		} else if n > 0 {
			s.logger.Debug("pruned quality history", "rows", n)
		}
	}

	s.observe(results, start)
	s.logger.Info("quality scores calculated", "scored", len(results), "proxies", len(proxies))
	return results, nil
}

func trim(pts []point, cutoff time.Time) []point {
	i := 0
	for i < len(pts) && pts[i].at.Before(cutoff) {
		i++
	}
	pts = pts[i:]
	if len(pts) > maxPoints {
		pts = pts[len(pts)-maxPoints:]
	}
	return pts
}

func historyRow(qs models.QualityScore) *models.QualityHistory {
	return &models.QualityHistory{
		ProxyID:      qs.ProxyID,
		Score:        qs.Score,
		Rating:       qs.Rating,
		Health:       qs.Health,
		SuccessRate:  qs.Breakdown.SuccessRate,
		Availability: qs.Breakdown.Availability,
		LatencyScore: qs.Breakdown.LatencyScore,
		Consistency:  qs.Breakdown.Consistency,
		Anonymity:    qs.Breakdown.Anonymity,
		RecordedAt:   qs.CalculatedAt,
	}
}

func (s *Scorer) observe(results []models.QualityScore, start time.Time) {
	counts := map[models.Rating]int{}
	total := 0.0
	for _, qs := range results {
		counts[qs.Rating]++
		total += qs.Score
	}
	for _, r := range []models.Rating{models.RatingS, models.RatingA, models.RatingB, models.RatingC, models.RatingD} {
		metrics.QualityRatings.WithLabelValues(string(r)).Set(float64(counts[r]))
	}
	if len(results) > 0 {
		metrics.QualityAverage.Set(total / float64(len(results)))
	}
	metrics.QualityRunDuration.Observe(s.now().Sub(start).Seconds())
}

// QualityScore returns the last computed score, or computes one on demand
// for a proxy that has not been scored yet.
func (s *Scorer) QualityScore(id string) (models.QualityScore, error) {
	s.mu.RLock()
	qs, ok := s.scores[id]
	history := s.scoresOf(id)
	s.mu.RUnlock()
	if ok {
		return qs, nil
	}

	p, err := s.source.Get(id)
	if err != nil {
		return models.QualityScore{}, fmt.Errorf("score %s: %w", id, ErrNotFound)
	}
	return Calculate(p, history, s.now()), nil
}

// QualityScores returns scores for the ids that exist; unknown ids are omitted.
func (s *Scorer) QualityScores(ids []string) map[string]models.QualityScore {
	out := make(map[string]models.QualityScore, len(ids))
	for _, id := range ids {
		if qs, err := s.QualityScore(id); err == nil {
			out[id] = qs
		}
	}
	return out
}

type Distribution struct {
	Total        int                         `json:"total"`
	ByRating     map[models.Rating]int       `json:"by_rating"`
	ByHealth     map[models.HealthStatus]int `json:"by_health"`
	AverageScore float64                     `json:"average_score"`
}

// Distribution summarizes the last computed scores.
func (s *Scorer) Distribution() Distribution {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := Distribution{
		ByRating: map[models.Rating]int{
			models.RatingS: 0, models.RatingA: 0, models.RatingB: 0, models.RatingC: 0, models.RatingD: 0,
		},
		ByHealth: map[models.HealthStatus]int{
			models.HealthHealthy: 0, models.HealthDegraded: 0, models.HealthUnhealthy: 0,
		},
	}
	sum := 0.0
	for _, qs := range s.scores {
		d.Total++
		d.ByRating[qs.Rating]++
		d.ByHealth[qs.Health]++
		sum += qs.Score
	}
	if d.Total > 0 {
		d.AverageScore = math.Round(sum/float64(d.Total)*100) / 100
	}
	return d
}

// Load warms the in-memory history from the store.
func (s *Scorer) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	rows, err := s.store.LoadQualityHistory(ctx, s.now().Add(-s.opts.Retention))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		pts := append(s.history[r.ProxyID], point{score: r.Score, at: r.RecordedAt})
		if len(pts) > maxPoints {
			pts = pts[len(pts)-maxPoints:]
		}
		s.history[r.ProxyID] = pts
	}
	s.logger.Debug("quality history loaded", "points", len(rows))
	return nil
}

// Start runs CalculateAll every interval until Stop or ctx is done.
func (s *Scorer) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.CalculateAll(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("quality run failed", "error", err)
				}
			}
		}
	}()
}

func (s *Scorer) Stop() {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
