package failover

import (
	"context"
	"errors"
	"sync"
	"time"

	"proxy-lifecycle/pkg/pool"
)

// sweepInterval is how often sessions are considered; each session is then
// checked no more often than its own policy's CheckInterval.
const sweepInterval = 5 * time.Second

type sessionHealth struct {
	lastCheck time.Time
	failures  int
	successes int
}

type healthTracker struct {
	mu   sync.Mutex
	byID map[string]*sessionHealth
}

func newHealthTracker() *healthTracker {
	return &healthTracker{byID: make(map[string]*sessionHealth)}
}

func (t *healthTracker) get(id string) *sessionHealth {
	h, ok := t.byID[id]
	if !ok {
		h = &sessionHealth{}
		t.byID[id] = h
	}
	return h
}

func (t *healthTracker) reset(id string) {
	t.mu.Lock()
	delete(t.byID, id)
	t.mu.Unlock()
}

// due marks the session as checked and reports whether it was time to.
func (t *healthTracker) due(id string, now time.Time, every time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.get(id)
	if !h.lastCheck.IsZero() && now.Sub(h.lastCheck) < every {
		return false
	}
	h.lastCheck = now
	return true
}

// observe records one check and reports whether the failure threshold was
// reached. successThreshold consecutive good checks clear earlier failures.
func (t *healthTracker) observe(id string, healthy bool, failureThreshold, successThreshold int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.get(id)
	if healthy {
		h.successes++
		if h.successes >= max(successThreshold, 1) {
			h.failures = 0
		}
		return false
	}
	h.successes = 0
	h.failures++
	return h.failures >= max(failureThreshold, 1)
}

func (t *healthTracker) prune(live map[string]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.byID {
		if !live[id] {
			delete(t.byID, id)
		}
	}
}

// CheckSessions health checks every session whose policy enables
// auto-recover and fails over those that crossed the failure threshold.
// A session whose proxy was evicted is failed over at once. Returns the
// number of successful failovers.
func (c *Controller) CheckSessions(ctx context.Context) int {
	sessions := c.pool.Sessions()
	live := make(map[string]bool, len(sessions))
	recovered := 0
	for _, s := range sessions {
		live[s.ID] = true
		cfg := c.Config(s.UserID, s.DeviceID)
		if !cfg.Enabled || !cfg.AutoRecover {
			continue
		}
		if !c.health.due(s.ID, c.now(), cfg.CheckInterval) {
			continue
		}

		reason := ""
		h, err := c.pool.CheckHealth(ctx, s.ProxyID)
		switch {
		case errors.Is(err, pool.ErrNotFound):
			reason = "proxy evicted"
		case err != nil:
			c.logger.Debug("session health check failed", "sessionID", s.ID, "proxyID", s.ProxyID, "error", err)
			if c.health.observe(s.ID, false, cfg.FailureThreshold, cfg.SuccessThreshold) {
				reason = "health check failed"
			}
		default:
			healthy := h.Healthy && (cfg.LatencyThreshold <= 0 || h.LatencyMs < cfg.LatencyThreshold)
			if c.health.observe(s.ID, healthy, cfg.FailureThreshold, cfg.SuccessThreshold) {
				reason = "health check failed"
				if h.Healthy {
					reason = "latency above threshold"
				}
			}
		}
		if reason == "" {
			continue
		}
		if _, err := c.Execute(ctx, s.ID, reason); err != nil {
			c.logger.Warn("auto-recover failed", "sessionID", s.ID, "error", err)
			continue
		}
		recovered++
	}
	c.health.prune(live)
	return recovered
}

// Start runs CheckSessions periodically until Stop.
func (c *Controller) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.CheckSessions(ctx); n > 0 {
					c.logger.Info("auto-recovered sessions", "count", n)
				}
			}
		}
	}()
	c.logger.Info("failover monitor started", "interval", sweepInterval)
}

func (c *Controller) Stop() {
	c.runMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}
