package database

import (
	"context"
	"fmt"
	"time"

	"proxy-lifecycle/pkg/models"
)

func (db *DB) SaveFailoverConfig(ctx context.Context, cfg *models.FailoverConfig) error {
	cfg.UpdatedAt = time.Now()
	_, err := db.NewInsert().
		Model(cfg).
		On("CONFLICT (user_id, device_id) DO UPDATE").
		Set("enabled = EXCLUDED.enabled").
		Set("strategy = EXCLUDED.strategy").
		Set("max_retries = EXCLUDED.max_retries").
		Set("retry_delay = EXCLUDED.retry_delay").
		Set("failure_threshold = EXCLUDED.failure_threshold").
		Set("success_threshold = EXCLUDED.success_threshold").
		Set("check_interval = EXCLUDED.check_interval").
		Set("latency_threshold = EXCLUDED.latency_threshold").
		Set("auto_recover = EXCLUDED.auto_recover").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error upserting failover config: %w", err)
	}
	return nil
}

func (db *DB) LoadFailoverConfigs(ctx context.Context) ([]*models.FailoverConfig, error) {
	var rows []*models.FailoverConfig
	if err := db.NewSelect().Model(&rows).Scan(ctx); err != nil {
		return nil, fmt.Errorf("error loading failover configs: %w", err)
	}
	return rows, nil
}

func (db *DB) AppendFailover(ctx context.Context, h *models.FailoverHistory) error {
	if _, err := db.NewInsert().Model(h).Exec(ctx); err != nil {
		return fmt.Errorf("error inserting failover history: %w", err)
	}
	return nil
}

// ListFailovers returns matching records, newest first.
func (db *DB) ListFailovers(ctx context.Context, f models.FailoverFilter) ([]*models.FailoverHistory, error) {
	var rows []*models.FailoverHistory
	q := db.NewSelect().Model(&rows)
	if f.SessionID != "" {
		q = q.Where("session_id = ?", f.SessionID)
	}
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.DeviceID != "" {
		q = q.Where("device_id = ?", f.DeviceID)
	}
	if f.ProxyID != "" {
		q = q.Where("old_proxy_id = ?", f.ProxyID)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	q = q.Order("created_at DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("error listing failover history: %w", err)
	}
	return rows, nil
}
