package shard

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxy-lifecycle/pkg/kvstore"
	"proxy-lifecycle/pkg/models"
)

func testShards() []models.ShardConfig {
	return []models.ShardConfig{
		{ShardID: "shard-01", Name: "Rack A", DeviceGroups: []string{"rack-A"}, Capacity: 500, Region: "cn-north", Weight: 1, Enabled: true},
		{ShardID: "shard-02", Name: "Rack B", DeviceGroups: []string{"rack-B"}, Capacity: 500, Region: "cn-north", Weight: 1, Enabled: true},
		{ShardID: "shard-03", Name: "Rack C", DeviceGroups: []string{"rack-C"}, Capacity: 500, Region: "cn-south", Weight: 1, Enabled: true},
	}
}

func newTestManager(t *testing.T, shards []models.ShardConfig, opts Options) *Manager {
	t.Helper()
	kv, err := kvstore.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return NewManager(kv, shards, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func addDevices(t *testing.T, m *Manager, group string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := m.AddDevice(context.Background(), models.Device{ID: id, DeviceGroup: group})
		require.NoError(t, err)
	}
}

func TestAddDeviceRouting(t *testing.T) {
	m := newTestManager(t, testShards(), Options{})
	ctx := context.Background()

	tests := []struct {
		group string
		want  string
	}{
		{"rack-B", "shard-02"},
		{"rack-C", "shard-03"},
		{"rack-Z", "shard-01"},
		{"", "shard-01"},
	}
	for i, tt := range tests {
		d, err := m.AddDevice(ctx, models.Device{ID: fmt.Sprintf("d%d", i), DeviceGroup: tt.group})
		require.NoError(t, err)
		assert.Equal(t, tt.want, d.ShardID, "group %q", tt.group)
		assert.Equal(t, 100.0, d.HealthScore)
		assert.Equal(t, models.DeviceAvailable, d.Status)
	}

	_, err := m.AddDevice(ctx, models.Device{ID: "d0", DeviceGroup: "rack-C"})
	assert.ErrorIs(t, err, ErrDeviceExists)

	_, err = m.AddDevice(ctx, models.Device{})
	assert.Error(t, err)
}

func TestAddDeviceDisabledShard(t *testing.T) {
	m := newTestManager(t, testShards(), Options{})
	require.NoError(t, m.SetShardEnabled("shard-02", false))

	_, err := m.AddDevice(context.Background(), models.Device{ID: "d1", DeviceGroup: "rack-B"})
	assert.ErrorIs(t, err, ErrShardDisabled)

	assert.ErrorIs(t, m.SetShardEnabled("nope", true), ErrNoShard)
}

func TestAddDeviceNoShards(t *testing.T) {
	m := newTestManager(t, nil, Options{})
	_, err := m.AddDevice(context.Background(), models.Device{ID: "d1"})
	assert.ErrorIs(t, err, ErrNoShard)
}

func TestAddDeviceCapacity(t *testing.T) {
	shards := testShards()
	shards[0].Capacity = 2
	m := newTestManager(t, shards, Options{})
	addDevices(t, m, "rack-A", "a1", "a2")

	_, err := m.AddDevice(context.Background(), models.Device{ID: "a3", DeviceGroup: "rack-A"})
	assert.ErrorIs(t, err, ErrShardFull)

	require.NoError(t, m.RemoveDevice(context.Background(), "a1"))
	addDevices(t, m, "rack-A", "a3")
}

func TestAddDeviceConcurrentCapacity(t *testing.T) {
	shards := testShards()
	shards[0].Capacity = 10
	m := newTestManager(t, shards, Options{})

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.AddDevice(context.Background(), models.Device{ID: fmt.Sprintf("d%d", i), DeviceGroup: "rack-A"})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrShardFull)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	st, err := m.ShardStats(context.Background(), "shard-01")
	require.NoError(t, err)
	assert.Equal(t, 10, st.Total)
}

func TestAllocateDevicePicksHealthiest(t *testing.T) {
	m := newTestManager(t, testShards(), Options{})
	ctx := context.Background()
	addDevices(t, m, "rack-A", "a1", "a2", "a3")
	_, err := m.UpdateDeviceHealth(ctx, "a1", 70, true)
	require.NoError(t, err)
	_, err = m.UpdateDeviceHealth(ctx, "a3", 50, true)
	require.NoError(t, err)

	d, err := m.AllocateDevice(ctx, AllocationRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "a2", d.ID)
	assert.Equal(t, models.DeviceAllocated, d.Status)
	assert.Equal(t, "u1", d.AllocatedToUserID)
	require.NotNil(t, d.AllocatedAt)

	d, err = m.AllocateDevice(ctx, AllocationRequest{UserID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, "a1", d.ID)

	// a3 is below the default minimum health of 60.
	_, err = m.AllocateDevice(ctx, AllocationRequest{UserID: "u3"})
	assert.ErrorIs(t, err, ErrNoDevice)

	d, err = m.AllocateDevice(ctx, AllocationRequest{UserID: "u3", MinHealthScore: 40})
	require.NoError(t, err)
	assert.Equal(t, "a3", d.ID)
}

func TestAllocateDevicePreferredAndTags(t *testing.T) {
	m := newTestManager(t, testShards(), Options{})
	ctx := context.Background()
	for _, d := range []models.Device{
		{ID: "a1", DeviceGroup: "rack-A", Tags: []string{"android", "5g"}},
		{ID: "a2", DeviceGroup: "rack-A", Tags: []string{"android"}},
		{ID: "a3", DeviceGroup: "rack-A", Tags: []string{"android", "5g", "root"}},
	} {
		_, err := m.AddDevice(ctx, d)
		require.NoError(t, err)
	}
	_, err := m.UpdateDeviceHealth(ctx, "a3", 90, true)
	require.NoError(t, err)

	d, err := m.AllocateDevice(ctx, AllocationRequest{UserID: "u", PreferredDeviceID: "a3", Tags: []string{"5g"}})
	require.NoError(t, err)
	assert.Equal(t, "a3", d.ID)

	d, err = m.AllocateDevice(ctx, AllocationRequest{UserID: "u", Tags: []string{"android", "5g"}})
	require.NoError(t, err)
	assert.Equal(t, "a1", d.ID)

	_, err = m.AllocateDevice(ctx, AllocationRequest{UserID: "u", Tags: []string{"5g"}})
	assert.ErrorIs(t, err, ErrNoDevice)

	d, err = m.AllocateDevice(ctx, AllocationRequest{UserID: "u", PreferredDeviceID: "gone"})
	require.NoError(t, err)
	assert.Equal(t, "a2", d.ID)
}

func TestAllocateDeviceRegionPreference(t *testing.T) {
	m := newTestManager(t, testShards(), Options{})
	ctx := context.Background()
	addDevices(t, m, "rack-A", "north-1")
	addDevices(t, m, "rack-C", "south-1")

	d, err := m.AllocateDevice(ctx, AllocationRequest{UserID: "u", PreferredRegion: "cn-south"})
	require.NoError(t, err)
	assert.Equal(t, "south-1", d.ID)

	d, err = m.AllocateDevice(ctx, AllocationRequest{UserID: "u", PreferredRegion: "eu-west"})
	require.NoError(t, err)
	assert.Equal(t, "north-1", d.ID)
}

func TestAllocateDeviceSkipsDisabledShard(t *testing.T) {
	m := newTestManager(t, testShards(), Options{})
	ctx := context.Background()
	addDevices(t, m, "rack-B", "b1")
	require.NoError(t, m.SetShardEnabled("shard-02", false))

	_, err := m.AllocateDevice(ctx, AllocationRequest{UserID: "u"})
	assert.ErrorIs(t, err, ErrNoDevice)

	_, err = m.AllocateDevice(ctx, AllocationRequest{UserID: "u", DeviceGroup: "rack-B"})
	assert.ErrorIs(t, err, ErrNoShard)
}

func TestAllocateDeviceLeastUsedFirst(t *testing.T) {
	m := newTestManager(t, testShards(), Options{Strategy: LeastUsed})
	ctx := context.Background()
	addDevices(t, m, "rack-A", "a1", "a2")
	addDevices(t, m, "rack-B", "b1", "b2")

	d, err := m.AllocateDevice(ctx, AllocationRequest{UserID: "u"})
	require.NoError(t, err)
	first := d.ShardID

	d, err = m.AllocateDevice(ctx, AllocationRequest{UserID: "u"})
	require.NoError(t, err)
	assert.NotEqual(t, first, d.ShardID)
}

func TestAllocateDeviceRoundRobin(t *testing.T) {
	m := newTestManager(t, testShards(), Options{Strategy: RoundRobin})
	ctx := context.Background()
	addDevices(t, m, "rack-A", "a1", "a2")
	addDevices(t, m, "rack-B", "b1", "b2")
	addDevices(t, m, "rack-C", "c1", "c2")

	var got []string
	for i := 0; i < 3; i++ {
		d, err := m.AllocateDevice(ctx, AllocationRequest{UserID: "u"})
		require.NoError(t, err)
		got = append(got, d.ShardID)
	}
	assert.Equal(t, []string{"shard-01", "shard-02", "shard-03"}, got)
}

func TestAllocateDeviceConcurrent(t *testing.T) {
	m := newTestManager(t, testShards(), Options{})
	addDevices(t, m, "rack-A", "a1", "a2", "a3", "a4", "a5")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := m.AllocateDevice(context.Background(), AllocationRequest{UserID: fmt.Sprintf("u%d", i)})
			if err != nil {
				assert.ErrorIs(t, err, ErrNoDevice)
				return
			}
			mu.Lock()
			seen[d.ID]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, seen, 5)
	for id, n := range seen {
		assert.Equal(t, 1, n, "device %s allocated twice", id)
	}
}

func TestReleaseDevice(t *testing.T) {
	m := newTestManager(t, testShards(), Options{})
	ctx := context.Background()
	addDevices(t, m, "rack-C", "c1")

	_, err := m.AllocateDevice(ctx, AllocationRequest{UserID: "u"})
	require.NoError(t, err)

	d, err := m.ReleaseDevice(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceAvailable, d.Status)
	assert.Empty(t, d.AllocatedToUserID)
	assert.Nil(t, d.AllocatedAt)

	stored, err := m.Device(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceAvailable, stored.Status)

	_, err = m.ReleaseDevice(ctx, "ghost")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestUpdateDeviceHealthOffline(t *testing.T) {
	m := newTestManager(t, testShards(), Options{})
	ctx := context.Background()
	addDevices(t, m, "rack-A", "a1")

	d, err := m.UpdateDeviceHealth(ctx, "a1", 150, false)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceOffline, d.Status)
	assert.Equal(t, 100.0, d.HealthScore)

	_, err = m.AllocateDevice(ctx, AllocationRequest{UserID: "u"})
	assert.ErrorIs(t, err, ErrNoDevice)

	d, err = m.UpdateDeviceHealth(ctx, "a1", 80, true)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceAvailable, d.Status)
}

func TestGlobalStats(t *testing.T) {
	m := newTestManager(t, testShards(), Options{})
	ctx := context.Background()
	addDevices(t, m, "rack-A", "a1", "a2")
	addDevices(t, m, "rack-B", "b1", "b2")
	addDevices(t, m, "rack-C", "c1", "c2")

	_, err := m.UpdateDeviceHealth(ctx, "c1", 40, false)
	require.NoError(t, err)
	_, err = m.AllocateDevice(ctx, AllocationRequest{UserID: "u", DeviceGroup: "rack-A"})
	require.NoError(t, err)

	gs, err := m.GlobalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, gs.TotalDevices)
	assert.Equal(t, 3, gs.TotalShards)
	assert.Len(t, gs.Shards, 3)
	assert.InDelta(t, 90.0, gs.AverageHealth, 0.001)
	assert.InDelta(t, 100.0/6, gs.Utilization, 0.001)
	assert.Equal(t, 1, gs.ByStatus[models.DeviceOffline])

	north := gs.ByRegion["cn-north"]
	require.NotNil(t, north)
	assert.Equal(t, 4, north.Total)
	assert.InDelta(t, 25.0, north.Utilization, 0.001)
	assert.InDelta(t, 50.0, gs.ByRegion["cn-south"].Utilization, 0.001)

	require.NoError(t, m.SetShardEnabled("shard-03", false))
	gs, err = m.GlobalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, gs.TotalDevices)
}

func TestUpsertShard(t *testing.T) {
	m := newTestManager(t, testShards(), Options{})
	require.NoError(t, m.UpsertShard(models.ShardConfig{ShardID: "shard-04", DeviceGroups: []string{"rack-D"}, Capacity: 10, Enabled: true}))
	require.NoError(t, m.UpsertShard(models.ShardConfig{ShardID: "shard-01", DeviceGroups: []string{"rack-A"}, Capacity: 1, Enabled: true}))
	assert.Error(t, m.UpsertShard(models.ShardConfig{ShardID: "bad"}))

	shards := m.Shards()
	require.Len(t, shards, 4)
	assert.Equal(t, 1, shards[0].Capacity)

	d, err := m.AddDevice(context.Background(), models.Device{ID: "d1", DeviceGroup: "rack-D"})
	require.NoError(t, err)
	assert.Equal(t, "shard-04", d.ShardID)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("random")
	require.NoError(t, err)
	assert.Equal(t, Random, s)
	_, err = ParseStrategy("weighted")
	assert.Error(t, err)
}
