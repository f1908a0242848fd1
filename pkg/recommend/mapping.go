package recommend

import (
	"context"
	"fmt"
	"sort"

	"proxy-lifecycle/pkg/models"
)

const (
	mappingLimit  = 10
	affinityScan  = 100
	preferredKeep = 10
)

type MappedProxy struct {
	ProxyID       string              `json:"proxy_id"`
	Proxy         *models.ProxyRecord `json:"proxy,omitempty"` // nil once evicted from the pool
	SuccessRate   float64             `json:"success_rate"`
	AvgLatencyMs  float64             `json:"avg_latency_ms"`
	TotalRequests int                 `json:"total_requests"`
}

type WebsiteMapping struct {
	Domain       string        `json:"domain"`
	BestProxies  []MappedProxy `json:"best_proxies"`
	SuccessRate  float64       `json:"success_rate"`
	AvgLatencyMs float64       `json:"avg_latency_ms"`
}

// WebsiteMapping lists the proxies that have done best against domain.
func (e *Engine) WebsiteMapping(ctx context.Context, domain string) (*WebsiteMapping, error) {
	rows, err := e.store.TopTargetMappings(ctx, domain, mappingLimit)
	if err != nil {
		return nil, fmt.Errorf("website mapping %s: %w", domain, err)
	}

	wm := &WebsiteMapping{Domain: domain, BestProxies: make([]MappedProxy, 0, len(rows))}
	for _, r := range rows {
		mp := MappedProxy{
			ProxyID:       r.ProxyID,
			SuccessRate:   r.SuccessRate,
			AvgLatencyMs:  r.AvgLatencyMs,
			TotalRequests: r.Total(),
		}
		if p, err := e.pool.Get(r.ProxyID); err == nil {
			mp.Proxy = p
		}
		wm.BestProxies = append(wm.BestProxies, mp)
		wm.SuccessRate += r.SuccessRate
		wm.AvgLatencyMs += r.AvgLatencyMs
	}
	if n := len(rows); n > 0 {
		wm.SuccessRate /= float64(n)
		wm.AvgLatencyMs /= float64(n)
	}
	return wm, nil
}

type ProxyAffinity struct {
	ProxyID     string              `json:"proxy_id"`
	UsageCount  int                 `json:"usage_count"`
	SuccessRate float64             `json:"success_rate"`
	Proxy       *models.ProxyRecord `json:"proxy"`
}

type DeviceAffinity struct {
	DeviceID         string          `json:"device_id"`
	PreferredProxies []ProxyAffinity `json:"preferred_proxies"`
	TotalUsage       int             `json:"total_usage"`
	AvgSuccessRate   float64         `json:"avg_success_rate"`
}

// DeviceAffinity summarises which pooled proxies a device has used most over
// its last hundred outcomes.
func (e *Engine) DeviceAffinity(ctx context.Context, deviceID string) (*DeviceAffinity, error) {
	history, err := e.store.RecentOutcomes(ctx, deviceID, "", affinityScan)
	if err != nil {
		return nil, fmt.Errorf("device affinity %s: %w", deviceID, err)
	}

	type tally struct{ count, ok int }
	stats := map[string]*tally{}
	var order []string
	succeeded := 0
	for _, h := range history {
		if h.Success {
			succeeded++
		}
		t, ok := stats[h.SelectedProxyID]
		if !ok {
			t = &tally{}
			stats[h.SelectedProxyID] = t
			order = append(order, h.SelectedProxyID)
		}
		t.count++
		if h.Success {
			t.ok++
		}
	}

	da := &DeviceAffinity{DeviceID: deviceID, TotalUsage: len(history), PreferredProxies: []ProxyAffinity{}}
	if len(history) > 0 {
		da.AvgSuccessRate = float64(succeeded) / float64(len(history)) * 100
	}
	for _, id := range order {
		p, err := e.pool.Get(id)
		if err != nil {
			continue
		}
		t := stats[id]
		da.PreferredProxies = append(da.PreferredProxies, ProxyAffinity{
			ProxyID:     id,
			UsageCount:  t.count,
			SuccessRate: float64(t.ok) / float64(t.count) * 100,
			Proxy:       p,
		})
	}
	sort.SliceStable(da.PreferredProxies, func(i, j int) bool {
		return da.PreferredProxies[i].UsageCount > da.PreferredProxies[j].UsageCount
	})
	if len(da.PreferredProxies) > preferredKeep {
		da.PreferredProxies = da.PreferredProxies[:preferredKeep]
	}
	return da, nil
}
