package pool

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"proxy-lifecycle/pkg/metrics"
	"proxy-lifecycle/pkg/models"
	"proxy-lifecycle/pkg/proxy"
)

const (
	backoffInitial = 200 * time.Millisecond
	backoffMax     = 5 * time.Second
)

// backoff returns the delay before retry attempt n (1-based), with jitter.
func backoff(n int) time.Duration {
	d := float64(backoffInitial) * math.Pow(2, float64(n-1))
	if d > float64(backoffMax) {
		d = float64(backoffMax)
	}
	return time.Duration(d * (0.5 + rand.Float64()*0.5))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// fetch calls one provider with a per-attempt timeout and bounded retries.
func (m *Manager) fetch(ctx context.Context, p proxy.Provider, c models.Criteria) ([]*models.ProxyRecord, error) {
	var lastErr error
	for attempt := 0; attempt <= m.opts.ProviderRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff(attempt)); err != nil {
				return nil, err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, m.opts.ProviderTimeout)
		start := time.Now()
		recs, err := p.ListProxies(callCtx, c)
		cancel()
		metrics.ProviderDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())

		if err == nil {
			metrics.ProviderRequests.WithLabelValues(p.Name(), "ok").Inc()
			return m.stamp(p, recs), nil
		}
		metrics.ProviderRequests.WithLabelValues(p.Name(), "error").Inc()
		lastErr = err
		m.logger.Debug("provider call failed", "provider", p.Name(), "attempt", attempt+1, "error", err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// stamp fills identity fields a provider may have left empty.
func (m *Manager) stamp(p proxy.Provider, recs []*models.ProxyRecord) []*models.ProxyRecord {
	now := m.now()
	out := recs[:0]
	for _, r := range recs {
		if r == nil {
			continue
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.Provider == "" {
			r.Provider = p.Name()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.InUse = false
		r.SessionID = ""
		out = append(out, r)
	}
	return out
}

// fanOut requests perProvider proxies from every provider in parallel. A
// failing provider is logged and contributes nothing; results keep provider
// priority order.
func (m *Manager) fanOut(ctx context.Context, c models.Criteria, perProvider int) [][]*models.ProxyRecord {
	results := make([][]*models.ProxyRecord, len(m.providers))
	c.Limit = perProvider

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range m.providers {
		i, p := i, p
		g.Go(func() error {
			recs, err := m.fetch(gctx, p, c)
			if err != nil {
				m.logger.Warn("provider refresh failed", "provider", p.Name(), "error", err)
				return nil
			}
			if len(recs) > perProvider {
				recs = recs[:perProvider]
			}
			results[i] = recs
			return nil
		})
	}
	_ = g.Wait()
	return results
}
