package database

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxy-lifecycle/pkg/config"
	"proxy-lifecycle/pkg/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := NewDB(config.DatabaseSettings{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InitSchema(context.Background()))
	return db
}

func TestNewDBUnsupportedDriver(t *testing.T) {
	_, err := NewDB(config.DatabaseSettings{Driver: "oracle"})
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestInitSchemaIdempotent(t *testing.T) {
	db := openTestDB(t)
	assert.NoError(t, db.InitSchema(context.Background()))
}

func TestUsage(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	start := time.Now().Add(-time.Minute)
	require.NoError(t, db.AppendUsage(ctx, &models.ProxyUsage{ProxyID: "p1", Provider: "soax", BandwidthMB: 512, Cost: 1, Success: true}))
	require.NoError(t, db.AppendUsage(ctx, &models.ProxyUsage{ProxyID: "p1", Provider: "soax", Success: false, Error: "timeout"}))
	require.NoError(t, db.AppendUsage(ctx, &models.ProxyUsage{ProxyID: "p2", Provider: "soax", Success: true}))

	sum, err := db.UsageSince(ctx, start)
	require.NoError(t, err)
	require.Len(t, sum, 2)
	assert.Equal(t, "p1", sum[0].ProxyID)
	assert.Equal(t, 2, sum[0].Requests)
	assert.Equal(t, 1, sum[0].Successes)
	assert.Equal(t, 512.0, sum[0].BandwidthMB)
}

func TestQualityHistory(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now()

	rows := []*models.QualityHistory{
		{ProxyID: "p1", Score: 80, Rating: models.RatingB, Health: models.HealthDegraded, RecordedAt: now.Add(-40 * 24 * time.Hour)},
		{ProxyID: "p1", Score: 90, Rating: models.RatingA, Health: models.HealthHealthy, RecordedAt: now.Add(-time.Hour)},
		{ProxyID: "p2", Score: 50, Rating: models.RatingD, Health: models.HealthUnhealthy, RecordedAt: now},
	}
	require.NoError(t, db.AppendQualityHistory(ctx, rows))
	require.NoError(t, db.AppendQualityHistory(ctx, nil))

	n, err := db.PruneQualityHistory(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := db.LoadQualityHistory(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 90.0, got[0].Score)
	assert.Equal(t, "p2", got[1].ProxyID)
}

func TestFailoverConfigUpsert(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	cfg := models.DefaultFailoverConfig()
	cfg.UserID = "u1"
	require.NoError(t, db.SaveFailoverConfig(ctx, &cfg))

	cfg.Enabled = false
	cfg.Strategy = models.FailoverRoundRobin
	cfg.RetryDelay = 250 * time.Millisecond
	require.NoError(t, db.SaveFailoverConfig(ctx, &cfg))

	got, err := db.LoadFailoverConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Enabled)
	assert.Equal(t, models.FailoverRoundRobin, got[0].Strategy)
	assert.Equal(t, 250*time.Millisecond, got[0].RetryDelay)
}

func TestFailoverHistory(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now()

	for i, sess := range []string{"s1", "s1", "s2"} {
		require.NoError(t, db.AppendFailover(ctx, &models.FailoverHistory{
			ID:         fmt.Sprintf("h%d", i),
			SessionID:  sess,
			UserID:     "u1",
			OldProxyID: "old",
			NewProxyID: fmt.Sprintf("new%d", i),
			Strategy:   models.FailoverImmediate,
			Success:    true,
			CreatedAt:  now.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := db.ListFailovers(ctx, models.FailoverFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "new1", got[0].NewProxyID, "newest first")

	got, err = db.ListFailovers(ctx, models.FailoverFilter{UserID: "u1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s2", got[0].SessionID)
}

func TestRecommendationsAndMappings(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now()

	require.NoError(t, db.AppendRecommendation(ctx, &models.Recommendation{
		ID: "r0", DeviceID: "d1", RecommendedIDs: []string{"p1", "p2"}, Score: 88, CreatedAt: now,
	}))
	for i := 0; i < 3; i++ {
		require.NoError(t, db.AppendRecommendation(ctx, &models.Recommendation{
			ID: fmt.Sprintf("r%d", i+1), DeviceID: "d1", SelectedProxyID: "p1", Success: i != 1,
			CreatedAt: now.Add(time.Duration(i+1) * time.Second),
		}))
	}

	out, err := db.RecentOutcomes(ctx, "d1", "p1", 10)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "r3", out[0].ID)

	out, err = db.RecentOutcomes(ctx, "d1", "", 2)
	require.NoError(t, err)
	assert.Len(t, out, 2)

	m, err := db.TargetMapping(ctx, "p1", "example.com")
	require.NoError(t, err)
	assert.Nil(t, m)

	require.NoError(t, db.RecordTargetOutcome(ctx, "p1", "example.com", true, 100))
	require.NoError(t, db.RecordTargetOutcome(ctx, "p1", "example.com", false, 200))
	require.NoError(t, db.RecordTargetOutcome(ctx, "p2", "example.com", true, 50))

	m, err = db.TargetMapping(ctx, "p1", "example.com")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 1, m.SuccessCount)
	assert.Equal(t, 1, m.FailureCount)
	assert.InDelta(t, 50.0, m.SuccessRate, 0.001)
	assert.InDelta(t, 150.0, m.AvgLatencyMs, 0.001)

	top, err := db.TopTargetMappings(ctx, "example.com", 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "p2", top[0].ProxyID)
}

func TestRecordTargetOutcomeConcurrent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, db.RecordTargetOutcome(ctx, "p1", "example.com", i%2 == 0, 10))
		}(i)
	}
	wg.Wait()

	m, err := db.TargetMapping(ctx, "p1", "example.com")
	require.NoError(t, err)
	assert.Equal(t, 20, m.Total())
	assert.InDelta(t, 50.0, m.SuccessRate, 0.001)
}
