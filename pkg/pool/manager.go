// Package pool owns the live set of proxies, hands them out to callers and
// keeps the set topped up from upstream providers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"proxy-lifecycle/pkg/config"
	"proxy-lifecycle/pkg/metrics"
	"proxy-lifecycle/pkg/models"
	"proxy-lifecycle/pkg/proxy"
)

var (
	ErrNoProviders     = errors.New("no providers available")
	ErrNotFound        = errors.New("proxy not found")
	ErrInUse           = errors.New("proxy already in use")
	ErrUnavailable     = errors.New("proxy is not usable")
	ErrPoolFull        = errors.New("pool is at max size")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionChanged  = errors.New("session proxy changed concurrently")
)

const (
	unhealthyFailures = 3
	evictFailures     = 5
	minQuality        = 20.0
	failurePenalty    = 20.0
	successBonus      = 5.0
)

// UsageRecorder receives one row per reported request. May be nil.
type UsageRecorder interface {
	AppendUsage(ctx context.Context, u *models.ProxyUsage) error
}

// Options sizes the pool and sets its maintenance cadence.
type Options struct {
	MinSize         int
	TargetSize      int
	MaxSize         int
	Strategy        Strategy
	RefreshInterval time.Duration
	CleanupInterval time.Duration
	ProviderTimeout time.Duration
	ProviderRetries int
}

// OptionsFromSettings converts the loaded pool section.
func OptionsFromSettings(s config.PoolSettings) (Options, error) {
	st, err := ParseStrategy(s.Strategy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		MinSize:         s.MinSize,
		TargetSize:      s.TargetSize,
		MaxSize:         s.MaxSize,
		Strategy:        st,
		RefreshInterval: s.RefreshInterval,
		CleanupInterval: s.CleanupInterval,
		ProviderTimeout: s.ProviderTimeout,
		ProviderRetries: s.ProviderRetries,
	}, nil
}

type entry struct {
	rec *models.ProxyRecord
	seq uint64
}

// Manager owns the proxy pool and its sessions. It is safe for concurrent use.
type Manager struct {
	providers []proxy.Provider
	byName    map[string]proxy.Provider
	usage     UsageRecorder
	logger    *slog.Logger
	opts      Options
	now       func() time.Time

	mu          sync.Mutex
	proxies     map[string]*entry
	sessions    map[string]*models.Session
	strategy    Strategy
	rrCounter   uint64
	seq         uint64
	lastRefresh time.Time
	rnd         *rand.Rand

	refreshMu sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a pool. Providers are queried in slice order when the
// pool cannot satisfy an acquire on its own.
func NewManager(providers []proxy.Provider, usage UsageRecorder, opts Options, logger *slog.Logger) *Manager {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 5000
	}
	if opts.TargetSize <= 0 || opts.TargetSize > opts.MaxSize {
		opts.TargetSize = opts.MaxSize
	}
	if opts.Strategy == "" {
		opts.Strategy = QualityBased
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Minute
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 10 * time.Second
	}
	if opts.ProviderRetries < 0 {
		opts.ProviderRetries = 0
	}

	byName := make(map[string]proxy.Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Manager{
		providers: providers,
		byName:    byName,
		usage:     usage,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
		proxies:   make(map[string]*entry),
		sessions:  make(map[string]*models.Session),
		strategy:  opts.Strategy,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *Manager) SetStrategy(s Strategy) {
	m.mu.Lock()
	m.strategy = s
	m.mu.Unlock()
	m.logger.Info("load balancing strategy changed", "strategy", s)
}

func (m *Manager) Strategy() Strategy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.strategy
}

// usable reports whether e can be handed out right now. Caller holds mu.
func (m *Manager) usable(e *entry, now time.Time) bool {
	return !e.rec.InUse && e.rec.FailureCount < unhealthyFailures && !e.rec.Expired(now)
}

// ordered returns entries in insertion order. Caller holds mu.
func (m *Manager) ordered(keep func(*entry) bool) []*entry {
	out := make([]*entry, 0, len(m.proxies))
	for _, e := range m.proxies {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// claim marks e in use. Caller holds mu.
func (m *Manager) claim(e *entry, now time.Time) *models.ProxyRecord {
	e.rec.InUse = true
	e.rec.LastUsed = now
	return e.rec.Clone()
}

// insert adds rec unless the id exists or the pool is full. Caller holds mu.
func (m *Manager) insert(rec *models.ProxyRecord) (*entry, bool) {
	if _, ok := m.proxies[rec.ID]; ok {
		return nil, false
	}
	if len(m.proxies) >= m.opts.MaxSize {
		return nil, false
	}
	m.seq++
	e := &entry{rec: rec, seq: m.seq}
	m.proxies[rec.ID] = e
	return e, true
}

// Acquire hands out one idle proxy matching c. When the pool has none it
// asks the providers in priority order for a single proxy.
func (m *Manager) Acquire(ctx context.Context, c models.Criteria) (*models.ProxyRecord, error) {
	m.mu.Lock()
	now := m.now()
	candidates := m.ordered(func(e *entry) bool { return m.usable(e, now) && c.Matches(e.rec) })
	if len(candidates) > 0 {
		e := candidates[pick(m.strategy, candidates, &m.rrCounter, m.rnd)]
		rec := m.claim(e, now)
		m.mu.Unlock()
		metrics.AcquireTotal.WithLabelValues("pool").Inc()
		m.logger.Debug("proxy acquired", "proxyID", rec.ID, "provider", rec.Provider)
		return rec, nil
	}
	m.mu.Unlock()

	rec, err := m.acquireFromProviders(ctx, c)
	if err != nil {
		metrics.AcquireTotal.WithLabelValues("miss").Inc()
		return nil, err
	}
	metrics.AcquireTotal.WithLabelValues("provider").Inc()
	return rec, nil
}

func (m *Manager) acquireFromProviders(ctx context.Context, c models.Criteria) (*models.ProxyRecord, error) {
	req := c
	req.Limit = 1
	full := false
	for _, p := range m.providers {
		recs, err := m.fetch(ctx, p, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.logger.Warn("provider acquire failed", "provider", p.Name(), "error", err)
			continue
		}
		for _, rec := range recs {
			if !c.Matches(rec) {
				continue
			}
			m.mu.Lock()
			now := m.now()
			e, ok := m.proxies[rec.ID]
			if !ok {
				if e, ok = m.insert(rec); !ok {
					m.mu.Unlock()
					full = true
					continue
				}
			} else if !m.usable(e, now) {
				m.mu.Unlock()
				continue
			}
			out := m.claim(e, now)
			m.mu.Unlock()
			m.logger.Info("proxy acquired from provider", "proxyID", out.ID, "provider", p.Name())
			return out, nil
		}
	}
	if full {
		return nil, ErrPoolFull
	}
	return nil, ErrNoProviders
}

// Release returns a proxy to the idle set. Unknown ids are ignored.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	e, ok := m.proxies[id]
	if ok {
		e.rec.InUse = false
		e.rec.SessionID = ""
	}
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("release of unknown proxy", "proxyID", id)
	}
}

func successRate(rec *models.ProxyRecord) float64 {
	if rec.TotalRequests == 0 {
		return 0
	}
	return float64(rec.SuccessfulRequests) / float64(rec.TotalRequests) * 100
}

// ReportFailure penalises a proxy, releases it and evicts it after
// repeated consecutive failures. Unknown ids are logged and ignored.
func (m *Manager) ReportFailure(ctx context.Context, id string, cause error, bandwidthMB float64) error {
	m.mu.Lock()
	e, ok := m.proxies[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("failure report for unknown proxy", "proxyID", id)
		return nil
	}
	rec := e.rec
	rec.FailureCount++
	rec.Quality -= failurePenalty
	if rec.Quality < 0 {
		rec.Quality = 0
	}
	rec.TotalRequests++
	rec.SuccessRate = successRate(rec)
	rec.InUse = false
	rec.SessionID = ""
	evicted := rec.FailureCount >= evictFailures
	if evicted {
		delete(m.proxies, id)
	}
	snap := rec.Clone()
	m.mu.Unlock()

	metrics.ProxyReports.WithLabelValues(snap.Provider, "failure").Inc()
	if evicted {
		metrics.EvictionsTotal.WithLabelValues("failures").Inc()
		m.logger.Warn("proxy evicted", "proxyID", id, "failures", snap.FailureCount)
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	m.recordUsage(ctx, snap, bandwidthMB, false, msg)
	return nil
}

// ReportSuccess resets the failure streak and nudges quality up. Unknown
// ids are logged and ignored.
func (m *Manager) ReportSuccess(ctx context.Context, id string, bandwidthMB float64) error {
	m.mu.Lock()
	e, ok := m.proxies[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("success report for unknown proxy", "proxyID", id)
		return nil
	}
	rec := e.rec
	rec.FailureCount = 0
	rec.Quality += successBonus
	if rec.Quality > 100 {
		rec.Quality = 100
	}
	rec.TotalRequests++
	rec.SuccessfulRequests++
	rec.SuccessRate = successRate(rec)
	rec.LastUsed = m.now()
	snap := rec.Clone()
	m.mu.Unlock()

	metrics.ProxyReports.WithLabelValues(snap.Provider, "success").Inc()
	m.recordUsage(ctx, snap, bandwidthMB, true, "")
	return nil
}

func (m *Manager) recordUsage(ctx context.Context, rec *models.ProxyRecord, bandwidthMB float64, ok bool, msg string) {
	if m.usage == nil {
		return
	}
	u := &models.ProxyUsage{
		ProxyID:     rec.ID,
		Provider:    rec.Provider,
		Country:     rec.Country,
		BandwidthMB: bandwidthMB,
		Cost:        bandwidthMB / 1024 * rec.CostPerGB,
		Success:     ok,
		Error:       msg,
		UsedAt:      m.now(),
	}
	if err := m.usage.AppendUsage(ctx, u); err != nil {
		m.logger.Error("failed to record usage", "proxyID", rec.ID, "error", err)
	}
}

// RefreshPool tops the pool up to its target size. Every provider is asked
// for an equal share in parallel; a failing provider contributes nothing.
func (m *Manager) RefreshPool(ctx context.Context) (int, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	m.mu.Lock()
	size := len(m.proxies)
	m.mu.Unlock()
	if size >= m.opts.TargetSize {
		return 0, nil
	}
	if len(m.providers) == 0 {
		return 0, ErrNoProviders
	}

	needed := m.opts.TargetSize - size
	perProvider := (needed + len(m.providers) - 1) / len(m.providers)
	batches := m.fanOut(ctx, models.Criteria{}, perProvider)

	added := 0
	m.mu.Lock()
	for _, batch := range batches {
		for _, rec := range batch {
			if len(m.proxies) >= m.opts.MaxSize {
				break
			}
			if _, ok := m.insert(rec); ok {
				added++
			}
		}
	}
	m.lastRefresh = m.now()
	total := len(m.proxies)
	m.mu.Unlock()

	metrics.RefreshAdded.Add(float64(added))
	m.updateGauges()
	m.logger.Info("pool refreshed", "added", added, "size", total, "target", m.opts.TargetSize)
	return added, ctx.Err()
}

// CleanupUnhealthy evicts proxies with too many failures, too low quality or
// an expiry in the past.
func (m *Manager) CleanupUnhealthy() int {
	m.mu.Lock()
	now := m.now()
	reasons := map[string]int{}
	for id, e := range m.proxies {
		var reason string
		switch {
		case e.rec.FailureCount >= evictFailures:
			reason = "failures"
		case e.rec.Quality < minQuality:
			reason = "quality"
		case e.rec.Expired(now):
			reason = "expired"
		default:
			continue
		}
		delete(m.proxies, id)
		reasons[reason]++
	}
	m.mu.Unlock()

	removed := 0
	for reason, n := range reasons {
		metrics.EvictionsTotal.WithLabelValues(reason).Add(float64(n))
		removed += n
	}
	if removed > 0 {
		m.logger.Info("removed unhealthy proxies", "count", removed)
	}
	m.updateGauges()
	return removed
}

// Stats is a point-in-time summary of the pool.
type Stats struct {
	Total        int            `json:"total"`
	InUse        int            `json:"in_use"`
	Available    int            `json:"available"`
	Unhealthy    int            `json:"unhealthy"`
	ByProvider   map[string]int `json:"by_provider"`
	ByCountry    map[string]int `json:"by_country"`
	AvgQuality   float64        `json:"avg_quality"`
	AvgLatencyMs float64        `json:"avg_latency_ms"`
	Sessions     int            `json:"sessions"`
	Strategy     Strategy       `json:"strategy"`
	LastRefresh  time.Time      `json:"last_refresh"`
}

// Stats also refreshes the pool size gauges.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	st := Stats{
		Total:       len(m.proxies),
		ByProvider:  map[string]int{},
		ByCountry:   map[string]int{},
		Sessions:    len(m.sessions),
		Strategy:    m.strategy,
		LastRefresh: m.lastRefresh,
	}
	var quality, latency float64
	for _, e := range m.proxies {
		if e.rec.InUse {
			st.InUse++
		}
		if e.rec.FailureCount >= unhealthyFailures {
			st.Unhealthy++
		}
		st.ByProvider[e.rec.Provider]++
		st.ByCountry[e.rec.Country]++
		quality += e.rec.Quality
		latency += e.rec.LatencyMs
	}
	m.mu.Unlock()

	st.Available = st.Total - st.InUse
	if st.Total > 0 {
		st.AvgQuality = quality / float64(st.Total)
		st.AvgLatencyMs = latency / float64(st.Total)
	}
	setGauges(st.InUse, st.Available, st.Unhealthy)
	return st
}

// updateGauges refreshes the pool size gauges without building Stats.
func (m *Manager) updateGauges() {
	m.mu.Lock()
	total, inUse, unhealthy := len(m.proxies), 0, 0
	for _, e := range m.proxies {
		if e.rec.InUse {
			inUse++
		}
		if e.rec.FailureCount >= unhealthyFailures {
			unhealthy++
		}
	}
	m.mu.Unlock()
	setGauges(inUse, total-inUse, unhealthy)
}

func setGauges(inUse, available, unhealthy int) {
	metrics.PoolSize.WithLabelValues("in_use").Set(float64(inUse))
	metrics.PoolSize.WithLabelValues("available").Set(float64(available))
	metrics.PoolSize.WithLabelValues("unhealthy").Set(float64(unhealthy))
}

func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.proxies)
}

// List pages through the pool in insertion order.
func (m *Manager) List(c models.Criteria, availableOnly bool, limit, offset int) []*models.ProxyRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	entries := m.ordered(func(e *entry) bool {
		return c.Matches(e.rec) && (!availableOnly || m.usable(e, now))
	})
	if offset >= len(entries) {
		return nil
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	out := make([]*models.ProxyRecord, len(entries))
	for i, e := range entries {
		out[i] = e.rec.Clone()
	}
	return out
}

// Candidates returns up to limit idle, usable proxies matching c that are not
// in exclude.
func (m *Manager) Candidates(c models.Criteria, exclude map[string]bool, limit int) []*models.ProxyRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	entries := m.ordered(func(e *entry) bool {
		return !exclude[e.rec.ID] && m.usable(e, now) && c.Matches(e.rec)
	})
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	out := make([]*models.ProxyRecord, len(entries))
	for i, e := range entries {
		out[i] = e.rec.Clone()
	}
	return out
}

func (m *Manager) Get(id string) (*models.ProxyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.proxies[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return e.rec.Clone(), nil
}

// Snapshot copies every record in insertion order.
func (m *Manager) Snapshot() []*models.ProxyRecord {
	return m.List(models.Criteria{}, false, 0, 0)
}

// AssignSpecific claims a proxy by id. With validate set, proxies that are
// unhealthy or expired are refused.
func (m *Manager) AssignSpecific(id string, validate bool) (*models.ProxyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.proxies[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if e.rec.InUse {
		return nil, fmt.Errorf("%s: %w", id, ErrInUse)
	}
	now := m.now()
	if validate && !m.usable(e, now) {
		return nil, fmt.Errorf("%s: %w", id, ErrUnavailable)
	}
	return m.claim(e, now), nil
}

// Add inserts records directly, up to the max size. Returns how many were
// accepted.
func (m *Manager) Add(recs ...*models.ProxyRecord) int {
	m.mu.Lock()
	added := 0
	now := m.now()
	for _, r := range recs {
		if r == nil || r.ID == "" {
			continue
		}
		r = r.Clone()
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if _, ok := m.insert(r); ok {
			added++
		}
	}
	m.mu.Unlock()
	m.updateGauges()
	return added
}

// Annotate stores the scorer's verdict on a proxy. Returns false when the
// proxy has been evicted in the meantime.
func (m *Manager) Annotate(id string, score float64, rating models.Rating, health models.HealthStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.proxies[id]
	if !ok {
		return false
	}
	e.rec.Score = score
	e.rec.Rating = rating
	e.rec.Health = health
	return true
}

// CheckHealth runs the local checks and then asks the owning provider to
// dial through the proxy. A healthy answer refreshes the measured latency.
func (m *Manager) CheckHealth(ctx context.Context, id string) (models.Health, error) {
	rec, err := m.Get(id)
	if err != nil {
		return models.Health{}, err
	}
	if rec.Expired(m.now()) {
		return models.Health{Message: "expired"}, nil
	}
	if rec.FailureCount >= unhealthyFailures {
		return models.Health{Message: fmt.Sprintf("%d consecutive failures", rec.FailureCount)}, nil
	}
	p, ok := m.byName[rec.Provider]
	if !ok {
		return models.Health{Healthy: true, LatencyMs: rec.LatencyMs, Message: "no provider check"}, nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, m.opts.ProviderTimeout)
	defer cancel()
	h, err := p.CheckHealth(checkCtx, rec)
	if err != nil {
		return models.Health{}, fmt.Errorf("check %s: %w", id, err)
	}
	if h.Healthy && h.LatencyMs > 0 {
		m.mu.Lock()
		if e, ok := m.proxies[id]; ok {
			e.rec.LatencyMs = h.LatencyMs
		}
		m.mu.Unlock()
	}
	return h, nil
}
