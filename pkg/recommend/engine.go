// Package recommend ranks pooled proxies for a specific target before one is
// reserved, using per-domain history, device affinity and the quality score.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"proxy-lifecycle/pkg/metrics"
	"proxy-lifecycle/pkg/models"
)

var ErrNoCandidates = errors.New("no available proxies match the criteria")

const (
	weightSuccess  = 0.35
	weightLatency  = 0.25
	weightCost     = 0.20
	weightQuality  = 0.15
	weightAffinity = 0.05

	defaultSuccess   = 80.0
	defaultQuality   = 80.0
	defaultAffinity  = 50.0
	unmappedDiscount = 0.9

	defaultMaxLatencyMs = 200.0
	defaultMaxCostPerGB = 1.0

	maxCandidates   = 50
	topN            = 3
	alternativesN   = 5
	affinityWindow  = 10
	batchConcurrent = 8
)

// Pool is the part of the proxy pool the engine reads.
type Pool interface {
	Candidates(c models.Criteria, exclude map[string]bool, limit int) []*models.ProxyRecord
	Get(id string) (*models.ProxyRecord, error)
}

type QualitySource interface {
	QualityScore(id string) (models.QualityScore, error)
}

// Store keeps recommendation records and per-domain outcome counters.
type Store interface {
	AppendRecommendation(ctx context.Context, r *models.Recommendation) error
	RecentOutcomes(ctx context.Context, deviceID, proxyID string, limit int) ([]*models.Recommendation, error)
	TargetMapping(ctx context.Context, proxyID, domain string) (*models.TargetMapping, error)
	TopTargetMappings(ctx context.Context, domain string, limit int) ([]*models.TargetMapping, error)
	RecordTargetOutcome(ctx context.Context, proxyID, domain string, success bool, latencyMs float64) error
}

type Requirements struct {
	MinQuality   float64        `json:"min_quality,omitempty"`
	MaxLatencyMs float64        `json:"max_latency_ms,omitempty"`
	MaxCostPerGB float64        `json:"max_cost_per_gb,omitempty"`
	ISPType      models.ISPType `json:"isp_type,omitempty"`
}

type Request struct {
	DeviceID      string       `json:"device_id"`
	TargetURL     string       `json:"target_url,omitempty"`
	TargetCountry string       `json:"target_country,omitempty"`
	Requirements  Requirements `json:"requirements"`
	// Blacklist holds proxies that recently failed for the caller.
	Blacklist []string `json:"blacklist,omitempty"`
}

type Breakdown struct {
	SuccessRate float64 `json:"success_rate"`
	Latency     float64 `json:"latency"`
	Cost        float64 `json:"cost"`
	Quality     float64 `json:"quality"`
	Affinity    float64 `json:"affinity"`
}

type Scored struct {
	Proxy     *models.ProxyRecord `json:"proxy"`
	Score     float64             `json:"score"`
	Breakdown Breakdown           `json:"breakdown"`
	Reasons   []string            `json:"reasons,omitempty"`
}

type Result struct {
	ID              string   `json:"id"`
	Recommendations []Scored `json:"recommendations"`
	Alternatives    []Scored `json:"alternatives"`
	Blacklisted     []string `json:"blacklisted"`
}

// Engine ranks pooled proxies for a device and target.
type Engine struct {
	pool    Pool
	quality QualitySource
	store   Store
	logger  *slog.Logger
	now     func() time.Time
}

func NewEngine(pool Pool, quality QualitySource, store Store, logger *slog.Logger) *Engine {
	return &Engine{pool: pool, quality: quality, store: store, logger: logger, now: time.Now}
}

// Domain extracts the host of a target URL; anything unparseable is used
// as-is.
func Domain(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return target
	}
	return u.Hostname()
}

// Curve scores a measured value against a caller maximum: 100 up to half
// the maximum, falling linearly to 70 at the maximum and faster beyond it.
func Curve(actual, max float64) float64 {
	half := max * 0.5
	switch {
	case actual <= half:
		return 100
	case actual <= max:
		return 100 - (actual-half)/half*30
	default:
		return math.Max(0, 70-(actual-max)/max*50)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func fmtNum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (e *Engine) successScore(ctx context.Context, p *models.ProxyRecord, target string) float64 {
	global := p.SuccessRate
	if target == "" {
		if global > 0 {
			return global
		}
		return defaultSuccess
	}

	m, err := e.store.TargetMapping(ctx, p.ID, Domain(target))
	if err != nil {
		e.logger.Warn("target mapping lookup failed", "proxyID", p.ID, "error", err)
	} else if m != nil && m.Total() > 0 {
		return m.SuccessRate
	}
	if global > 0 {
		return global * unmappedDiscount
	}
	return defaultSuccess
}

func (e *Engine) qualityScore(id string) float64 {
	if e.quality == nil {
		return defaultQuality
	}
	qs, err := e.quality.QualityScore(id)
	if err != nil {
		e.logger.Warn("quality score unavailable", "proxyID", id, "error", err)
		return defaultQuality
	}
	return qs.Score
}

func (e *Engine) affinityScore(ctx context.Context, proxyID, deviceID string) float64 {
	if deviceID == "" {
		return defaultAffinity
	}
	history, err := e.store.RecentOutcomes(ctx, deviceID, proxyID, affinityWindow)
	if err != nil {
		e.logger.Warn("affinity lookup failed", "proxyID", proxyID, "deviceID", deviceID, "error", err)
		return defaultAffinity
	}
	if len(history) == 0 {
		return defaultAffinity
	}
	ok := 0
	for _, h := range history {
		if h.Success {
			ok++
		}
	}
	rate := float64(ok) / float64(len(history)) * 100
	bonus := math.Min(float64(len(history)*5), 20)
	return math.Min(100, rate*0.8+bonus)
}

// ScoreProxy rates one proxy for a request. Lookups that fail fall back to
// neutral defaults.
func (e *Engine) ScoreProxy(ctx context.Context, p *models.ProxyRecord, req Request) Scored {
	maxLatency := req.Requirements.MaxLatencyMs
	if maxLatency <= 0 {
		maxLatency = defaultMaxLatencyMs
	}
	maxCost := req.Requirements.MaxCostPerGB
	if maxCost <= 0 {
		maxCost = defaultMaxCostPerGB
	}

	b := Breakdown{
		SuccessRate: e.successScore(ctx, p, req.TargetURL),
		Latency:     Curve(p.LatencyMs, maxLatency),
		Cost:        Curve(p.CostPerGB, maxCost),
		Quality:     e.qualityScore(p.ID),
		Affinity:    e.affinityScore(ctx, p.ID, req.DeviceID),
	}
	s := Scored{
		Proxy: p,
		Score: round2(b.SuccessRate*weightSuccess +
			b.Latency*weightLatency +
			b.Cost*weightCost +
			b.Quality*weightQuality +
			b.Affinity*weightAffinity),
		Breakdown: b,
	}
	s.Reasons = reasons(s, req)
	return s
}

func reasons(s Scored, req Request) []string {
	var out []string
	b, p := s.Breakdown, s.Proxy
	if b.SuccessRate >= 95 {
		if req.TargetURL != "" {
			out = append(out, fmt.Sprintf("%s%% success rate for %s", fmtNum(round2(b.SuccessRate)), Domain(req.TargetURL)))
		} else {
			out = append(out, fmt.Sprintf("High success rate: %s%%", fmtNum(round2(b.SuccessRate))))
		}
	}
	if b.Latency >= 90 {
		out = append(out, fmt.Sprintf("Low latency: %sms", fmtNum(p.LatencyMs)))
	}
	if b.Cost >= 90 {
		out = append(out, fmt.Sprintf("Cost-effective: $%s/GB", fmtNum(p.CostPerGB)))
	}
	if p.ISPType == models.ResidentialType {
		out = append(out, "Residential IP, high anonymity")
	}
	if req.TargetCountry != "" && p.Country == req.TargetCountry {
		out = append(out, "Matched target country: "+p.Country)
	}
	if b.Quality >= 85 {
		out = append(out, fmt.Sprintf("High quality score: %s", fmtNum(round2(b.Quality))))
	}
	return out
}

func (e *Engine) candidates(req Request) []*models.ProxyRecord {
	exclude := make(map[string]bool, len(req.Blacklist))
	for _, id := range req.Blacklist {
		exclude[id] = true
	}
	c := models.Criteria{
		Country:      req.TargetCountry,
		MinQuality:   req.Requirements.MinQuality,
		MaxLatencyMs: req.Requirements.MaxLatencyMs,
		MaxCostPerGB: req.Requirements.MaxCostPerGB,
		ISPType:      req.Requirements.ISPType,
	}
	return e.pool.Candidates(c, exclude, maxCandidates)
}

// Rank scores every candidate for req, best first, without recording
// anything.
func (e *Engine) Rank(ctx context.Context, req Request) ([]Scored, error) {
	cands := e.candidates(req)
	if len(cands) == 0 {
		return nil, ErrNoCandidates
	}
	scored := make([]Scored, len(cands))
	for i, p := range cands {
		scored[i] = e.ScoreProxy(ctx, p, req)
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored, nil
}

// Recommend returns the top three proxies for req and up to five
// alternatives, and records the ranking.
func (e *Engine) Recommend(ctx context.Context, req Request) (*Result, error) {
	scored, err := e.Rank(ctx, req)
	if err != nil {
		metrics.RecommendationsTotal.WithLabelValues("no_candidates").Inc()
		return nil, err
	}

	top := scored[:min(topN, len(scored))]
	alts := scored[len(top):min(topN+alternativesN, len(scored))]
	for i := range alts {
		alts[i].Reasons = nil
	}
	res := &Result{
		ID:              uuid.NewString(),
		Recommendations: top,
		Alternatives:    alts,
		Blacklisted:     append([]string{}, req.Blacklist...),
	}

	ids := make([]string, len(top))
	for i, s := range top {
		ids[i] = s.Proxy.ID
	}
	rec := &models.Recommendation{
		ID:             res.ID,
		DeviceID:       req.DeviceID,
		TargetURL:      req.TargetURL,
		TargetCountry:  req.TargetCountry,
		RecommendedIDs: ids,
		Score:          top[0].Score,
		CreatedAt:      e.now(),
	}
	if err := e.store.AppendRecommendation(ctx, rec); err != nil {
		e.logger.Error("failed to save recommendation", "deviceID", req.DeviceID, "error", err)
	}

	metrics.RecommendationsTotal.WithLabelValues("ok").Inc()
	e.logger.Debug("recommended proxies", "deviceID", req.DeviceID, "target", req.TargetURL,
		"top", ids[0], "score", top[0].Score, "candidates", len(scored))
	return res, nil
}

type BatchResult struct {
	Result *Result
	Err    error
}

// RecommendBatch runs Recommend for every request concurrently. Results keep
// request order; one failing request does not affect the others.
func (e *Engine) RecommendBatch(ctx context.Context, reqs []Request) []BatchResult {
	out := make([]BatchResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrent)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			res, err := e.Recommend(gctx, req)
			out[i] = BatchResult{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Outcome is what a device observed after using a proxy.
type Outcome struct {
	DeviceID  string
	ProxyID   string
	TargetURL string
	Success   bool
	LatencyMs float64
}

// RecordOutcome feeds device affinity and the per-domain success counters.
func (e *Engine) RecordOutcome(ctx context.Context, o Outcome) error {
	if o.ProxyID == "" {
		return errors.New("outcome without proxy id")
	}
	rec := &models.Recommendation{
		ID:              uuid.NewString(),
		DeviceID:        o.DeviceID,
		TargetURL:       o.TargetURL,
		SelectedProxyID: o.ProxyID,
		Success:         o.Success,
		LatencyMs:       o.LatencyMs,
		CreatedAt:       e.now(),
	}
	if err := e.store.AppendRecommendation(ctx, rec); err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	if o.TargetURL != "" {
		if err := e.store.RecordTargetOutcome(ctx, o.ProxyID, Domain(o.TargetURL), o.Success, o.LatencyMs); err != nil {
			return fmt.Errorf("record target outcome: %w", err)
		}
	}
	return nil
}
