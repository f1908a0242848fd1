package shard

import (
	"context"
	"fmt"
	"time"

	"proxy-lifecycle/pkg/metrics"
	"proxy-lifecycle/pkg/models"
)

// ShardStats summarises the devices of one shard.
type ShardStats struct {
	ShardID       string    `json:"shard_id"`
	Region        string    `json:"region,omitempty"`
	Capacity      int       `json:"capacity"`
	Total         int       `json:"total"`
	Available     int       `json:"available"`
	Allocated     int       `json:"allocated"`
	Offline       int       `json:"offline"`
	AverageHealth float64   `json:"average_health"`
	Utilization   float64   `json:"utilization"` // allocated/total, percent
	UpdatedAt     time.Time `json:"updated_at"`
}

// RegionStats aggregates shards by region.
type RegionStats struct {
	Total       int     `json:"total"`
	Available   int     `json:"available"`
	Utilization float64 `json:"utilization"`
}

// GlobalStats rolls every shard up into one view.
type GlobalStats struct {
	TotalDevices  int                         `json:"total_devices"`
	TotalShards   int                         `json:"total_shards"`
	Shards        []ShardStats                `json:"shards"`
	AverageHealth float64                     `json:"average_health"`
	Utilization   float64                     `json:"utilization"`
	ByRegion      map[string]*RegionStats     `json:"by_region"`
	ByStatus      map[models.DeviceStatus]int `json:"by_status"`
}

// ShardStats scans one shard's membership.
func (m *Manager) ShardStats(ctx context.Context, id string) (ShardStats, error) {
	cfg, ok := m.shard(id)
	if !ok {
		return ShardStats{}, fmt.Errorf("shard %s: %w", id, ErrNoShard)
	}
	devices, err := m.shardDevices(ctx, id)
	if err != nil {
		return ShardStats{}, err
	}

	st := ShardStats{
		ShardID:   id,
		Region:    cfg.Region,
		Capacity:  cfg.Capacity,
		Total:     len(devices),
		UpdatedAt: m.now(),
	}
	var health float64
	for _, s := range devices {
		health += s.dev.HealthScore
		switch s.dev.Status {
		case models.DeviceAvailable:
			st.Available++
		case models.DeviceAllocated:
			st.Allocated++
		case models.DeviceOffline:
			st.Offline++
		}
	}
	if st.Total > 0 {
		st.AverageHealth = health / float64(st.Total)
		st.Utilization = float64(st.Allocated) / float64(st.Total) * 100
	}

	metrics.ShardDevices.WithLabelValues(id, string(models.DeviceAvailable)).Set(float64(st.Available))
	metrics.ShardDevices.WithLabelValues(id, string(models.DeviceAllocated)).Set(float64(st.Allocated))
	metrics.ShardDevices.WithLabelValues(id, string(models.DeviceOffline)).Set(float64(st.Offline))
	return st, nil
}

// GlobalStats aggregates every enabled shard. The global health average is
// weighted by shard size.
func (m *Manager) GlobalStats(ctx context.Context) (GlobalStats, error) {
	shards := m.Shards()
	gs := GlobalStats{
		TotalShards: len(shards),
		ByRegion:    map[string]*RegionStats{},
		ByStatus:    map[models.DeviceStatus]int{},
	}

	var health float64
	allocated := 0
	for _, cfg := range shards {
		if !cfg.Enabled {
			continue
		}
		st, err := m.ShardStats(ctx, cfg.ShardID)
		if err != nil {
			return GlobalStats{}, err
		}
		gs.Shards = append(gs.Shards, st)
		gs.TotalDevices += st.Total
		health += st.AverageHealth * float64(st.Total)
		allocated += st.Allocated
		gs.ByStatus[models.DeviceAvailable] += st.Available
		gs.ByStatus[models.DeviceAllocated] += st.Allocated
		gs.ByStatus[models.DeviceOffline] += st.Offline

		if cfg.Region != "" {
			r, ok := gs.ByRegion[cfg.Region]
			if !ok {
				r = &RegionStats{}
				gs.ByRegion[cfg.Region] = r
			}
			r.Total += st.Total
			r.Available += st.Available
		}
	}

	for _, r := range gs.ByRegion {
		if r.Total > 0 {
			r.Utilization = float64(r.Total-r.Available) / float64(r.Total) * 100
		}
	}
	if gs.TotalDevices > 0 {
		gs.AverageHealth = health / float64(gs.TotalDevices)
		gs.Utilization = float64(allocated) / float64(gs.TotalDevices) * 100
	}
	return gs, nil
}
