// Package shard partitions a large device pool across shards kept in a
// shared key-value store. Each shard owns one or more device groups and has
// a capacity ceiling; membership is enumerated by key prefix.
package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"proxy-lifecycle/pkg/kvstore"
	"proxy-lifecycle/pkg/metrics"
	"proxy-lifecycle/pkg/models"
)

var (
	ErrNoShard        = errors.New("no suitable shard")
	ErrShardDisabled  = errors.New("shard disabled")
	ErrShardFull      = errors.New("shard at capacity")
	ErrNoDevice       = errors.New("no available device")
	ErrDeviceNotFound = errors.New("device not found in any shard")
	ErrDeviceExists   = errors.New("device already pooled")
)

const defaultMinHealth = 60.0

type Strategy string

const (
	LeastUsed  Strategy = "least_used"
	RoundRobin Strategy = "round_robin"
	Random     Strategy = "random"
)

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case LeastUsed, RoundRobin, Random:
		return st, nil
	default:
		return "", fmt.Errorf("unknown shard selection strategy %q", s)
	}
}

// Options sets the default selection strategy and minimum device health.
type Options struct {
	Strategy  Strategy
	MinHealth float64
}

// AllocationRequest describes the device a user wants.
type AllocationRequest struct {
	UserID            string
	DeviceGroup       string
	PreferredRegion   string
	PreferredDeviceID string
	MinHealthScore    float64
	Tags              []string
	// Strategy overrides the manager's default for this call.
	Strategy Strategy
}

// Manager allocates devices across shards backed by a KV store.
type Manager struct {
	kv     kvstore.Store
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	shards    []models.ShardConfig
	strategy  Strategy
	minHealth float64

	rr atomic.Uint64
}

func NewManager(kv kvstore.Store, shards []models.ShardConfig, opts Options, logger *slog.Logger) *Manager {
	if opts.Strategy == "" {
		opts.Strategy = LeastUsed
	}
	if opts.MinHealth <= 0 {
		opts.MinHealth = defaultMinHealth
	}
	m := &Manager{
		kv:        kv,
		logger:    logger,
		now:       time.Now,
		shards:    append([]models.ShardConfig(nil), shards...),
		strategy:  opts.Strategy,
		minHealth: opts.MinHealth,
	}
	logger.Info("initialized shards", "count", len(shards))
	return m
}

func (m *Manager) SetStrategy(s Strategy) {
	m.mu.Lock()
	m.strategy = s
	m.mu.Unlock()
}

// Shards returns the configured shards in priority order.
func (m *Manager) Shards() []models.ShardConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.ShardConfig(nil), m.shards...)
}

func (m *Manager) shard(id string) (models.ShardConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.shards {
		if s.ShardID == id {
			return s, true
		}
	}
	return models.ShardConfig{}, false
}

// UpsertShard adds a shard or replaces the config of an existing one.
func (m *Manager) UpsertShard(cfg models.ShardConfig) error {
	if cfg.ShardID == "" {
		return errors.New("shard id is required")
	}
	if cfg.Capacity <= 0 {
		return fmt.Errorf("shard %s: capacity must be positive", cfg.ShardID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.shards {
		if m.shards[i].ShardID == cfg.ShardID {
			m.shards[i] = cfg
			return nil
		}
	}
	m.shards = append(m.shards, cfg)
	return nil
}

func (m *Manager) SetShardEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.shards {
		if m.shards[i].ShardID == id {
			m.shards[i].Enabled = enabled
			m.logger.Info("shard toggled", "shard", id, "enabled", enabled)
			return nil
		}
	}
	return fmt.Errorf("shard %s: %w", id, ErrNoShard)
}

// shardFor picks the first shard owning the group, else the first shard.
func (m *Manager) shardFor(group string) (models.ShardConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.shards) == 0 {
		return models.ShardConfig{}, ErrNoShard
	}
	if group != "" {
		for _, s := range m.shards {
			if s.HasGroup(group) {
				return s, nil
			}
		}
	}
	return m.shards[0], nil
}

// AddDevice places a new device into the shard owning its group.
func (m *Manager) AddDevice(ctx context.Context, d models.Device) (*models.Device, error) {
	if d.ID == "" {
		return nil, errors.New("device id is required")
	}
	shard, err := m.shardFor(d.DeviceGroup)
	if err != nil {
		return nil, err
	}
	if !shard.Enabled {
		return nil, fmt.Errorf("shard %s: %w", shard.ShardID, ErrShardDisabled)
	}
	if owner, err := m.findDevice(ctx, d.ID); err == nil {
		return nil, fmt.Errorf("device %s in shard %s: %w", d.ID, owner.dev.ShardID, ErrDeviceExists)
	} else if !errors.Is(err, ErrDeviceNotFound) {
		return nil, err
	}

	if err := m.reserve(ctx, shard); err != nil {
		return nil, err
	}

	d.ShardID = shard.ShardID
	d.HealthScore = 100
	d.Status = models.DeviceAvailable
	d.AllocatedToUserID = ""
	d.AllocatedAt = nil
	d.LastActiveAt = m.now()
	ok, err := m.swapDevice(ctx, &stored{}, &d)
	if err != nil || !ok {
		if uerr := m.unreserve(ctx, shard.ShardID); uerr != nil {
			m.logger.Error("failed to return shard slot", "shard", shard.ShardID, "error", uerr)
		}
		if err != nil {
			return nil, fmt.Errorf("store device %s: %w", d.ID, err)
		}
		return nil, fmt.Errorf("device %s: %w", d.ID, ErrDeviceExists)
	}

	m.logger.Info("device added", "deviceID", d.ID, "shard", shard.ShardID)
	return &d, nil
}

// selectShards orders candidate shards for an allocation. Region is a
// preference: if no shard is in the region the filter is dropped.
func (m *Manager) selectShards(ctx context.Context, req AllocationRequest) ([]models.ShardConfig, error) {
	m.mu.RLock()
	strategy := m.strategy
	var shards []models.ShardConfig
	for _, s := range m.shards {
		if s.Enabled && (req.DeviceGroup == "" || s.HasGroup(req.DeviceGroup)) {
			shards = append(shards, s)
		}
	}
	m.mu.RUnlock()
	if req.Strategy != "" {
		strategy = req.Strategy
	}

	if req.PreferredRegion != "" {
		var inRegion []models.ShardConfig
		for _, s := range shards {
			if s.Region == req.PreferredRegion {
				inRegion = append(inRegion, s)
			}
		}
		if len(inRegion) > 0 {
			shards = inRegion
		}
	}
	if len(shards) == 0 {
		return nil, ErrNoShard
	}

	switch strategy {
	case RoundRobin:
		i := (m.rr.Add(1) - 1) % uint64(len(shards))
		return shards[i : i+1], nil
	case Random:
		i := rand.Intn(len(shards))
		return shards[i : i+1], nil
	default:
		util := make(map[string]float64, len(shards))
		for _, s := range shards {
			st, err := m.ShardStats(ctx, s.ShardID)
			if err != nil {
				return nil, err
			}
			util[s.ShardID] = st.Utilization
		}
		sort.SliceStable(shards, func(i, j int) bool {
			return util[shards[i].ShardID] < util[shards[j].ShardID]
		})
		return shards, nil
	}
}

func (m *Manager) eligible(d *models.Device, req AllocationRequest) bool {
	minHealth := req.MinHealthScore
	if minHealth <= 0 {
		m.mu.RLock()
		minHealth = m.minHealth
		m.mu.RUnlock()
	}
	return d.Status == models.DeviceAvailable &&
		d.HealthScore >= minHealth &&
		(req.DeviceGroup == "" || d.DeviceGroup == req.DeviceGroup) &&
		d.HasTags(req.Tags)
}

// AllocateDevice hands a device to req.UserID. The first shard with a
// matching device serves the request; the preferred device wins when it
// matches, otherwise the healthiest one.
func (m *Manager) AllocateDevice(ctx context.Context, req AllocationRequest) (*models.Device, error) {
	shards, err := m.selectShards(ctx, req)
	if err != nil {
		metrics.ShardAllocations.WithLabelValues("no_shard").Inc()
		return nil, err
	}

	for _, shard := range shards {
		devices, err := m.shardDevices(ctx, shard.ShardID)
		if err != nil {
			return nil, err
		}
		var candidates []*stored
		for _, s := range devices {
			if m.eligible(s.dev, req) {
				candidates = append(candidates, s)
			}
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			a, b := candidates[i].dev, candidates[j].dev
			if req.PreferredDeviceID != "" && (a.ID == req.PreferredDeviceID) != (b.ID == req.PreferredDeviceID) {
				return a.ID == req.PreferredDeviceID
			}
			return a.HealthScore > b.HealthScore
		})

		for _, c := range candidates {
			now := m.now()
			next := *c.dev
			next.Status = models.DeviceAllocated
			next.AllocatedToUserID = req.UserID
			next.AllocatedAt = &now
			next.LastActiveAt = now
			ok, err := m.swapDevice(ctx, c, &next)
			if err != nil {
				return nil, err
			}
			if !ok {
				// lost the race for this device
				continue
			}
			metrics.ShardAllocations.WithLabelValues("allocated").Inc()
			m.logger.Info("device allocated", "deviceID", next.ID, "shard", shard.ShardID, "userID", req.UserID)
			return &next, nil
		}
	}

	metrics.ShardAllocations.WithLabelValues("exhausted").Inc()
	return nil, ErrNoDevice
}

// findDevice looks the device up in every shard.
func (m *Manager) findDevice(ctx context.Context, id string) (*stored, error) {
	for _, s := range m.Shards() {
		st, err := m.loadDevice(ctx, deviceKey(s.ShardID, id))
		if errors.Is(err, kvstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return nil, fmt.Errorf("%s: %w", id, ErrDeviceNotFound)
}

func (m *Manager) Device(ctx context.Context, id string) (*models.Device, error) {
	s, err := m.findDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.dev, nil
}

// update applies fn to the device under a compare-and-swap loop.
func (m *Manager) update(ctx context.Context, id string, fn func(d *models.Device)) (*models.Device, error) {
	for {
		s, err := m.findDevice(ctx, id)
		if err != nil {
			return nil, err
		}
		next := *s.dev
		fn(&next)
		ok, err := m.swapDevice(ctx, s, &next)
		if err != nil {
			return nil, err
		}
		if ok {
			return &next, nil
		}
	}
}

// ReleaseDevice returns an allocated device to its shard.
func (m *Manager) ReleaseDevice(ctx context.Context, id string) (*models.Device, error) {
	d, err := m.update(ctx, id, func(d *models.Device) {
		d.Status = models.DeviceAvailable
		d.AllocatedToUserID = ""
		d.AllocatedAt = nil
		d.LastActiveAt = m.now()
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("device released", "deviceID", id, "shard", d.ShardID)
	return d, nil
}

// UpdateDeviceHealth records a health check result. Devices going offline
// stop being allocatable; an online report brings an offline device back.
func (m *Manager) UpdateDeviceHealth(ctx context.Context, id string, score float64, online bool) (*models.Device, error) {
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return m.update(ctx, id, func(d *models.Device) {
		d.HealthScore = score
		switch {
		case !online && d.Status == models.DeviceAvailable:
			d.Status = models.DeviceOffline
		case online && d.Status == models.DeviceOffline:
			d.Status = models.DeviceAvailable
		}
		if online {
			d.LastActiveAt = m.now()
		}
	})
}

// RemoveDevice drops a device and frees its capacity slot.
func (m *Manager) RemoveDevice(ctx context.Context, id string) error {
	for {
		s, err := m.findDevice(ctx, id)
		if err != nil {
			return err
		}
		ok, err := m.kv.CompareAndSwap(ctx, deviceKey(s.dev.ShardID, id), s.raw, nil)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := m.unreserve(ctx, s.dev.ShardID); err != nil {
			return err
		}
		m.logger.Info("device removed", "deviceID", id, "shard", s.dev.ShardID)
		return nil
	}
}
