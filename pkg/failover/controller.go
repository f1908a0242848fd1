// Package failover replaces a failing proxy in the middle of a session
// according to a per-user or per-device policy.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"proxy-lifecycle/pkg/metrics"
	"proxy-lifecycle/pkg/models"
	"proxy-lifecycle/pkg/pool"
	"proxy-lifecycle/pkg/recommend"
)

var (
	ErrFailoverDisabled = errors.New("failover disabled")
	ErrNoCandidate      = errors.New("no available proxy for failover")
	ErrSessionNotFound  = errors.New("session not found")
)

const (
	maxCandidates = 20
	memoryHistory = 1000
)

// Pool is what the controller needs from the proxy pool.
type Pool interface {
	Session(id string) (*models.Session, error)
	Sessions() []*models.Session
	SessionsByProxy(proxyID string) []*models.Session
	Candidates(c models.Criteria, exclude map[string]bool, limit int) []*models.ProxyRecord
	List(c models.Criteria, availableOnly bool, limit, offset int) []*models.ProxyRecord
	SwitchSessionProxy(sessionID, oldID, newID string) (*models.ProxyRecord, error)
	CheckHealth(ctx context.Context, id string) (models.Health, error)
}

// Scorer rates a candidate against the session's target.
type Scorer interface {
	ScoreProxy(ctx context.Context, p *models.ProxyRecord, req recommend.Request) recommend.Scored
}

// Store persists policies and history. May be nil.
type Store interface {
	SaveFailoverConfig(ctx context.Context, cfg *models.FailoverConfig) error
	LoadFailoverConfigs(ctx context.Context) ([]*models.FailoverConfig, error)
	AppendFailover(ctx context.Context, h *models.FailoverHistory) error
	ListFailovers(ctx context.Context, f models.FailoverFilter) ([]*models.FailoverHistory, error)
}

// Options configures the controller.
type Options struct {
	// Default applies when no user or device policy exists.
	Default      models.FailoverConfig
	BlacklistTTL time.Duration
}

// Result describes a completed failover. Swapped is false when the failed
// proxy passed a re-check and was kept.
type Result struct {
	SessionID  string                  `json:"session_id"`
	OldProxyID string                  `json:"old_proxy_id"`
	NewProxyID string                  `json:"new_proxy_id"`
	Proxy      *models.ProxyRecord     `json:"proxy"`
	Strategy   models.FailoverStrategy `json:"strategy"`
	Reason     string                  `json:"reason"`
	Swapped    bool                    `json:"swapped"`
	Retries    int                     `json:"retries"`
	Duration   time.Duration           `json:"duration"`
}

// Controller moves sessions off failing proxies according to per-user and per-device policies.
type Controller struct {
	pool   Pool
	scorer Scorer
	store  Store
	logger *slog.Logger
	opts   Options
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu        sync.RWMutex
	configs   map[string]models.FailoverConfig
	blacklist map[string]time.Time
	history   []*models.FailoverHistory

	health *healthTracker

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewController(p Pool, scorer Scorer, store Store, opts Options, logger *slog.Logger) *Controller {
	if opts.Default.Strategy == "" {
		opts.Default = models.DefaultFailoverConfig()
	}
	if opts.BlacklistTTL <= 0 {
		opts.BlacklistTTL = 5 * time.Minute
	}
	return &Controller{
		pool:      p,
		scorer:    scorer,
		store:     store,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
		sleep:     sleepCtx,
		configs:   make(map[string]models.FailoverConfig),
		blacklist: make(map[string]time.Time),
		health:    newHealthTracker(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func configKey(userID, deviceID string) string {
	return userID + "\x00" + deviceID
}

func validStrategy(s models.FailoverStrategy) bool {
	switch s {
	case models.FailoverImmediate, models.FailoverQualityBased, models.FailoverRoundRobin, models.FailoverRetryFirst:
		return true
	}
	return false
}

// Load reads stored policies.
func (c *Controller) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	cfgs, err := c.store.LoadFailoverConfigs(ctx)
	if err != nil {
		return fmt.Errorf("load failover configs: %w", err)
	}
	c.mu.Lock()
	for _, cfg := range cfgs {
		c.configs[configKey(cfg.UserID, cfg.DeviceID)] = *cfg
	}
	c.mu.Unlock()
	c.logger.Info("loaded failover configs", "count", len(cfgs))
	return nil
}

// Configure stores a policy for a user, or for one device of a user.
func (c *Controller) Configure(ctx context.Context, cfg models.FailoverConfig) error {
	if cfg.UserID == "" {
		return errors.New("failover config requires a user id")
	}
	if !validStrategy(cfg.Strategy) {
		return fmt.Errorf("unknown failover strategy %q", cfg.Strategy)
	}
	if cfg.MaxRetries < 0 || cfg.RetryDelay < 0 {
		return errors.New("max retries and retry delay must not be negative")
	}
	cfg.UpdatedAt = c.now()

	if c.store != nil {
		if err := c.store.SaveFailoverConfig(ctx, &cfg); err != nil {
			return fmt.Errorf("save failover config: %w", err)
		}
	}
	c.mu.Lock()
	c.configs[configKey(cfg.UserID, cfg.DeviceID)] = cfg
	c.mu.Unlock()
	c.logger.Info("failover config updated", "userID", cfg.UserID, "deviceID", cfg.DeviceID,
		"enabled", cfg.Enabled, "strategy", cfg.Strategy)
	return nil
}

// Config resolves the policy: exact (user, device), then the user's
// device-independent policy, then the global default.
func (c *Controller) Config(userID, deviceID string) models.FailoverConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if deviceID != "" {
		if cfg, ok := c.configs[configKey(userID, deviceID)]; ok {
			return cfg
		}
	}
	if cfg, ok := c.configs[configKey(userID, "")]; ok {
		return cfg
	}
	cfg := c.opts.Default
	cfg.UserID, cfg.DeviceID = userID, deviceID
	return cfg
}

// candidates returns idle proxies other than the failed one, preferring the
// session's own requirements and relaxing them when nothing matches.
func (c *Controller) candidates(s *models.Session) []*models.ProxyRecord {
	exclude := c.blacklisted()
	exclude[s.ProxyID] = true

	want := models.Criteria{Country: s.TargetCountry, MaxLatencyMs: s.MaxLatencyMs, MaxCostPerGB: s.MaxCostPerGB}
	cands := c.pool.Candidates(want, exclude, maxCandidates)
	if len(cands) == 0 && want != (models.Criteria{}) {
		cands = c.pool.Candidates(models.Criteria{}, exclude, maxCandidates)
	}
	return cands
}

func (c *Controller) pickQuality(ctx context.Context, s *models.Session, cands []*models.ProxyRecord) *models.ProxyRecord {
	req := recommend.Request{
		DeviceID:      s.DeviceID,
		TargetURL:     s.TargetURL,
		TargetCountry: s.TargetCountry,
		Requirements: recommend.Requirements{
			MaxLatencyMs: s.MaxLatencyMs,
			MaxCostPerGB: s.MaxCostPerGB,
		},
	}
	var (
		best      *models.ProxyRecord
		bestScore float64
	)
	for _, p := range cands {
		score := p.Quality
		if c.scorer != nil {
			score = c.scorer.ScoreProxy(ctx, p, req).Score
		}
		if best == nil || score > bestScore {
			best, bestScore = p, score
		}
	}
	return best
}

// pickNext returns the first candidate after the failed proxy in pool order,
// wrapping around.
func (c *Controller) pickNext(failedID string, cands []*models.ProxyRecord) *models.ProxyRecord {
	pos := make(map[string]int)
	for i, p := range c.pool.List(models.Criteria{}, false, 0, 0) {
		pos[p.ID] = i
	}
	failed, ok := pos[failedID]
	if !ok {
		return cands[0]
	}
	for _, p := range cands {
		if pos[p.ID] > failed {
			return p
		}
	}
	return cands[0]
}

// choose selects the replacement id. Reusing the failed proxy is signalled
// by returning its own id.
func (c *Controller) choose(ctx context.Context, s *models.Session, strategy models.FailoverStrategy) (string, error) {
	if strategy == models.FailoverRetryFirst {
		h, err := c.pool.CheckHealth(ctx, s.ProxyID)
		if err == nil && h.Healthy {
			return s.ProxyID, nil
		}
		c.logger.Debug("failed proxy still unhealthy", "proxyID", s.ProxyID, "error", err, "message", h.Message)
	}

	cands := c.candidates(s)
	if len(cands) == 0 {
		return "", ErrNoCandidate
	}
	switch strategy {
	case models.FailoverImmediate:
		return cands[0].ID, nil
	case models.FailoverRoundRobin:
		return c.pickNext(s.ProxyID, cands).ID, nil
	default:
		return c.pickQuality(ctx, s, cands).ID, nil
	}
}

// Execute moves a session off its current proxy.
func (c *Controller) Execute(ctx context.Context, sessionID, reason string) (*Result, error) {
	s, err := c.pool.Session(sessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	cfg := c.Config(s.UserID, s.DeviceID)
	if !cfg.Enabled {
		metrics.FailoversTotal.WithLabelValues(string(cfg.Strategy), "disabled").Inc()
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrFailoverDisabled)
	}
	if reason == "" {
		reason = "manual"
	}

	start := c.now()
	attempts := cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	c.logger.Warn("initiating failover", "sessionID", sessionID, "proxyID", s.ProxyID, "reason", reason, "strategy", cfg.Strategy)

	var (
		lastErr error
		rec     *models.ProxyRecord
		newID   string
		retries int
	)
	for retries = 0; retries < attempts; retries++ {
		if retries > 0 {
			if err := c.sleep(ctx, cfg.RetryDelay); err != nil {
				lastErr = err
				break
			}
		}
		newID, lastErr = c.choose(ctx, s, cfg.Strategy)
		if lastErr != nil {
			continue
		}
		rec, lastErr = c.pool.SwitchSessionProxy(sessionID, s.ProxyID, newID)
		if lastErr == nil {
			break
		}
		if errors.Is(lastErr, pool.ErrSessionChanged) || errors.Is(lastErr, pool.ErrSessionNotFound) {
			break
		}
		// the chosen proxy was taken or evicted meanwhile
	}
	duration := c.now().Sub(start)

	h := &models.FailoverHistory{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		UserID:     s.UserID,
		DeviceID:   s.DeviceID,
		OldProxyID: s.ProxyID,
		Reason:     reason,
		Strategy:   cfg.Strategy,
		Retries:    retries,
		DurationMs: duration.Milliseconds(),
		CreatedAt:  c.now(),
	}
	metrics.FailoverDuration.WithLabelValues(string(cfg.Strategy)).Observe(duration.Seconds())

	if lastErr != nil {
		h.Error = lastErr.Error()
		c.record(ctx, h)
		metrics.FailoversTotal.WithLabelValues(string(cfg.Strategy), "failed").Inc()
		c.logger.Error("failover failed", "sessionID", sessionID, "error", lastErr)
		if errors.Is(lastErr, pool.ErrSessionNotFound) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
		}
		if errors.Is(lastErr, pool.ErrInUse) || errors.Is(lastErr, pool.ErrNotFound) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNoCandidate)
		}
		return nil, fmt.Errorf("session %s: %w", sessionID, lastErr)
	}

	swapped := newID != s.ProxyID
	if swapped {
		c.Blacklist(s.ProxyID)
	}
	h.NewProxyID = newID
	h.Success = true
	c.record(ctx, h)
	c.health.reset(sessionID)

	metrics.FailoversTotal.WithLabelValues(string(cfg.Strategy), "ok").Inc()
	c.logger.Info("failover complete", "sessionID", sessionID, "from", s.ProxyID, "to", newID,
		"swapped", swapped, "retries", retries, "duration", duration)
	return &Result{
		SessionID:  sessionID,
		OldProxyID: s.ProxyID,
		NewProxyID: newID,
		Proxy:      rec,
		Strategy:   cfg.Strategy,
		Reason:     reason,
		Swapped:    swapped,
		Retries:    retries,
		Duration:   duration,
	}, nil
}

func (c *Controller) record(ctx context.Context, h *models.FailoverHistory) {
	c.mu.Lock()
	c.history = append(c.history, h)
	if len(c.history) > memoryHistory {
		c.history = c.history[len(c.history)-memoryHistory:]
	}
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.AppendFailover(ctx, h); err != nil {
			c.logger.Error("failed to record failover", "sessionID", h.SessionID, "error", err)
		}
	}
}

// Signal is what a caller observed about a session's proxy.
type Signal struct {
	ConsecutiveFailures int
	Health              models.HealthStatus
	LatencyMs           float64
}

// ShouldTrigger reports whether the signal warrants a failover under the
// caller's policy.
func (c *Controller) ShouldTrigger(userID, deviceID, proxyID string, sig Signal) bool {
	cfg := c.Config(userID, deviceID)
	if !cfg.Enabled {
		return false
	}
	switch {
	case cfg.FailureThreshold > 0 && sig.ConsecutiveFailures >= cfg.FailureThreshold:
		c.logger.Warn("consecutive failure threshold reached", "deviceID", deviceID, "failures", sig.ConsecutiveFailures)
	case sig.Health == models.HealthUnhealthy:
		c.logger.Warn("proxy unhealthy", "deviceID", deviceID, "proxyID", proxyID)
	case cfg.LatencyThreshold > 0 && sig.LatencyMs >= cfg.LatencyThreshold:
		c.logger.Warn("proxy latency too high", "deviceID", deviceID, "proxyID", proxyID, "latencyMs", sig.LatencyMs)
	case c.IsBlacklisted(proxyID):
		c.logger.Warn("proxy is blacklisted", "deviceID", deviceID, "proxyID", proxyID)
	default:
		return false
	}
	return true
}

// BatchResult is the outcome for one session of a BatchFailover.
type BatchResult struct {
	SessionID string
	Result    *Result
	Err       error
}

// BatchFailover moves every session off proxyID, for when the proxy itself
// is known to be down.
func (c *Controller) BatchFailover(ctx context.Context, proxyID, reason string) []BatchResult {
	c.Blacklist(proxyID)
	sessions := c.pool.SessionsByProxy(proxyID)
	if len(sessions) == 0 {
		c.logger.Info("no sessions using proxy", "proxyID", proxyID)
		return nil
	}

	out := make([]BatchResult, len(sessions))
	var g errgroup.Group
	for i, s := range sessions {
		i, s := i, s
		g.Go(func() error {
			res, err := c.Execute(ctx, s.ID, reason)
			out[i] = BatchResult{SessionID: s.ID, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for _, r := range out {
		if r.Err == nil {
			ok++
		}
	}
	c.logger.Info("batch failover completed", "proxyID", proxyID, "succeeded", ok, "total", len(out))
	return out
}
