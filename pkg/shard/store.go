package shard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"proxy-lifecycle/pkg/kvstore"
	"proxy-lifecycle/pkg/models"
)

const keyPrefix = "physical_shard"

func devicePrefix(shardID string) string {
	return fmt.Sprintf("%s:%s:device:", keyPrefix, shardID)
}

func deviceKey(shardID, deviceID string) string {
	return devicePrefix(shardID) + deviceID
}

func countKey(shardID string) string {
	return fmt.Sprintf("%s:%s:count", keyPrefix, shardID)
}

// stored is a decoded device plus the exact bytes it was read from, so a
// later write can be made conditional on nobody having changed it.
type stored struct {
	dev *models.Device
	raw []byte
}

func (m *Manager) loadDevice(ctx context.Context, key string) (*stored, error) {
	raw, err := m.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var d models.Device
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &stored{dev: &d, raw: raw}, nil
}

// shardDevices reads every device of a shard through a prefix scan.
func (m *Manager) shardDevices(ctx context.Context, shardID string) ([]*stored, error) {
	keys, err := m.kv.ScanPrefix(ctx, devicePrefix(shardID))
	if err != nil {
		return nil, fmt.Errorf("scan shard %s: %w", shardID, err)
	}
	out := make([]*stored, 0, len(keys))
	for _, key := range keys {
		s, err := m.loadDevice(ctx, key)
		if errors.Is(err, kvstore.ErrNotFound) {
			continue
		}
		if err != nil {
			m.logger.Warn("skipping unreadable device", "key", key, "error", err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// swapDevice writes next only if the device still encodes to prev.
func (m *Manager) swapDevice(ctx context.Context, prev *stored, next *models.Device) (bool, error) {
	raw, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	return m.kv.CompareAndSwap(ctx, deviceKey(next.ShardID, next.ID), prev.raw, raw)
}

// count returns the shard's membership counter, seeding it from a scan the
// first time it is read.
func (m *Manager) count(ctx context.Context, shardID string) (int, []byte, error) {
	raw, err := m.kv.Get(ctx, countKey(shardID))
	if err == nil {
		n, err := strconv.Atoi(string(raw))
		if err != nil {
			return 0, nil, fmt.Errorf("corrupt counter for shard %s: %w", shardID, err)
		}
		return n, raw, nil
	}
	if !errors.Is(err, kvstore.ErrNotFound) {
		return 0, nil, err
	}

	keys, err := m.kv.ScanPrefix(ctx, devicePrefix(shardID))
	if err != nil {
		return 0, nil, err
	}
	seed := []byte(strconv.Itoa(len(keys)))
	if _, err := m.kv.CompareAndSwap(ctx, countKey(shardID), nil, seed); err != nil {
		return 0, nil, err
	}
	// Someone else may have seeded first; read back whichever won.
	return m.count(ctx, shardID)
}

// reserve takes one slot of the shard's capacity.
func (m *Manager) reserve(ctx context.Context, shard models.ShardConfig) error {
	for {
		n, raw, err := m.count(ctx, shard.ShardID)
		if err != nil {
			return err
		}
		if n >= shard.Capacity {
			return fmt.Errorf("shard %s at capacity (%d): %w", shard.ShardID, shard.Capacity, ErrShardFull)
		}
		ok, err := m.kv.CompareAndSwap(ctx, countKey(shard.ShardID), raw, []byte(strconv.Itoa(n+1)))
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}

// unreserve gives a slot back.
func (m *Manager) unreserve(ctx context.Context, shardID string) error {
	for {
		n, raw, err := m.count(ctx, shardID)
		if err != nil {
			return err
		}
		if n <= 0 {
			return nil
		}
		ok, err := m.kv.CompareAndSwap(ctx, countKey(shardID), raw, []byte(strconv.Itoa(n-1)))
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}
