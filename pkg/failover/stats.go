package failover

import (
	"context"
	"math"
	"sort"
	"time"

	"proxy-lifecycle/pkg/models"
)

const topFailed = 10

// FailedProxy counts how often a proxy was failed away from.
type FailedProxy struct {
	ProxyID string `json:"proxy_id"`
	Count   int    `json:"count"`
}

// Statistics aggregates the failovers held in memory.
type Statistics struct {
	Total            int           `json:"total"`
	Successful       int           `json:"successful"`
	Failed           int           `json:"failed"`
	SuccessRate      float64       `json:"success_rate"`
	AverageRetries   float64       `json:"average_retries"`
	RecentFailovers  int           `json:"recent_failovers"`
	TopFailedProxies []FailedProxy `json:"top_failed_proxies"`
}

// Statistics summarises the failovers this process has run. Recent covers
// the last hour; the top list counts how often each proxy was failed away
// from.
func (c *Controller) Statistics() Statistics {
	c.mu.RLock()
	hist := append([]*models.FailoverHistory(nil), c.history...)
	c.mu.RUnlock()

	st := Statistics{Total: len(hist), TopFailedProxies: []FailedProxy{}}
	if len(hist) == 0 {
		return st
	}

	cutoff := c.now().Add(-time.Hour)
	retries := 0
	counts := map[string]int{}
	for _, h := range hist {
		if h.Success {
			st.Successful++
		} else {
			st.Failed++
		}
		retries += h.Retries
		if h.CreatedAt.After(cutoff) {
			st.RecentFailovers++
		}
		counts[h.OldProxyID]++
	}
	st.SuccessRate = float64(st.Successful) / float64(st.Total) * 100
	st.AverageRetries = math.Round(float64(retries)/float64(st.Total)*100) / 100

	for id, n := range counts {
		st.TopFailedProxies = append(st.TopFailedProxies, FailedProxy{ProxyID: id, Count: n})
	}
	sort.Slice(st.TopFailedProxies, func(i, j int) bool {
		a, b := st.TopFailedProxies[i], st.TopFailedProxies[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.ProxyID < b.ProxyID
	})
	if len(st.TopFailedProxies) > topFailed {
		st.TopFailedProxies = st.TopFailedProxies[:topFailed]
	}
	return st
}

// History returns failover records, newest first. Without a store only the
// records kept in memory are searched.
func (c *Controller) History(ctx context.Context, f models.FailoverFilter) ([]*models.FailoverHistory, error) {
	if c.store != nil {
		return c.store.ListFailovers(ctx, f)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*models.FailoverHistory
	for i := len(c.history) - 1; i >= 0; i-- {
		h := c.history[i]
		switch {
		case f.SessionID != "" && h.SessionID != f.SessionID,
			f.UserID != "" && h.UserID != f.UserID,
			f.DeviceID != "" && h.DeviceID != f.DeviceID,
			f.ProxyID != "" && h.OldProxyID != f.ProxyID,
			!f.Since.IsZero() && h.CreatedAt.Before(f.Since):
			continue
		}
		cp := *h
		out = append(out, &cp)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}
