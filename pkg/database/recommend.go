package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"proxy-lifecycle/pkg/models"
)

func (db *DB) AppendRecommendation(ctx context.Context, r *models.Recommendation) error {
	if _, err := db.NewInsert().Model(r).Exec(ctx); err != nil {
		return fmt.Errorf("error inserting recommendation: %w", err)
	}
	return nil
}

// RecentOutcomes returns the newest outcome records of a device, optionally
// narrowed to one proxy.
func (db *DB) RecentOutcomes(ctx context.Context, deviceID, proxyID string, limit int) ([]*models.Recommendation, error) {
	var rows []*models.Recommendation
	q := db.NewSelect().
		Model(&rows).
		Where("device_id = ?", deviceID).
		Where("selected_proxy_id != ''")
	if proxyID != "" {
		q = q.Where("selected_proxy_id = ?", proxyID)
	}
	err := q.Order("created_at DESC").Limit(limit).Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error loading outcomes: %w", err)
	}
	return rows, nil
}

// TargetMapping returns nil when the proxy has never been used for domain.
func (db *DB) TargetMapping(ctx context.Context, proxyID, domain string) (*models.TargetMapping, error) {
	m := new(models.TargetMapping)
	err := db.NewSelect().
		Model(m).
		Where("proxy_id = ?", proxyID).
		Where("target_domain = ?", domain).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error loading target mapping: %w", err)
	}
	return m, nil
}

func (db *DB) TopTargetMappings(ctx context.Context, domain string, limit int) ([]*models.TargetMapping, error) {
	var rows []*models.TargetMapping
	err := db.NewSelect().
		Model(&rows).
		Where("target_domain = ?", domain).
		Order("success_rate DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error loading target mappings: %w", err)
	}
	return rows, nil
}

// RecordTargetOutcome folds one request into the (proxy, domain) aggregate in
// a single upsert so concurrent writers never lose counts.
func (db *DB) RecordTargetOutcome(ctx context.Context, proxyID, domain string, success bool, latencyMs float64) error {
	m := &models.TargetMapping{
		ProxyID:      proxyID,
		TargetDomain: domain,
		AvgLatencyMs: latencyMs,
		UpdatedAt:    time.Now(),
	}
	if success {
		m.SuccessCount = 1
		m.SuccessRate = 100
	} else {
		m.FailureCount = 1
	}

	_, err := db.NewInsert().
		Model(m).
		On("CONFLICT (proxy_id, target_domain) DO UPDATE").
		Set("success_count = tm.success_count + EXCLUDED.success_count").
		Set("failure_count = tm.failure_count + EXCLUDED.failure_count").
		Set("success_rate = (tm.success_count + EXCLUDED.success_count) * 100.0 / (tm.success_count + tm.failure_count + 1)").
		Set("avg_latency_ms = (tm.avg_latency_ms * (tm.success_count + tm.failure_count) + EXCLUDED.avg_latency_ms) / (tm.success_count + tm.failure_count + 1)").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error recording target outcome: %w", err)
	}
	return nil
}
