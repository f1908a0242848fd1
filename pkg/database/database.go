// Package database persists the append-only history written by the pool,
// scorer, failover controller and recommendation engine.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	_ "modernc.org/sqlite"

	"proxy-lifecycle/pkg/config"
	"proxy-lifecycle/pkg/models"
)

type DB struct {
	*bun.DB
}

// NewDB opens the configured backend: Postgres through pgdriver or an
// embedded SQLite file through modernc.org/sqlite.
func NewDB(settings config.DatabaseSettings) (*DB, error) {
	var db *bun.DB
	switch settings.Driver {
	case "", "postgres":
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(settings.PostgresDSN())))
		db = bun.NewDB(sqldb, pgdialect.New())
	case "sqlite":
		dsn := settings.DSN
		if dsn == "" {
			dsn = "file:proxy-lifecycle.db?_pragma=busy_timeout(5000)"
		}
		sqldb, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// SQLite allows a single writer.
		sqldb.SetMaxOpenConns(1)
		db = bun.NewDB(sqldb, sqlitedialect.New())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", settings.Driver)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db}, nil
}

var tables = []any{
	(*models.ProxyUsage)(nil),
	(*models.QualityHistory)(nil),
	(*models.FailoverConfig)(nil),
	(*models.FailoverHistory)(nil),
	(*models.Recommendation)(nil),
	(*models.TargetMapping)(nil),
}

// InitSchema creates the necessary tables and lookup indexes if they don't exist
func (db *DB) InitSchema(ctx context.Context) error {
	for _, model := range tables {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []struct {
		model   any
		name    string
		columns []string
	}{
		{(*models.ProxyUsage)(nil), "idx_proxy_usage_proxy", []string{"proxy_id", "used_at"}},
		{(*models.QualityHistory)(nil), "idx_quality_history_proxy", []string{"proxy_id", "recorded_at"}},
		{(*models.FailoverHistory)(nil), "idx_failover_history_session", []string{"session_id", "created_at"}},
		{(*models.Recommendation)(nil), "idx_recommendations_device", []string{"device_id", "selected_proxy_id", "created_at"}},
		{(*models.TargetMapping)(nil), "idx_target_mappings_domain", []string{"target_domain", "success_rate"}},
	}
	for _, idx := range indexes {
		_, err := db.NewCreateIndex().
			Model(idx.model).
			Index(idx.name).
			Column(idx.columns...).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to create index %s: %w", idx.name, err)
		}
	}
	return nil
}

// AppendUsage stores one usage report.
func (db *DB) AppendUsage(ctx context.Context, u *models.ProxyUsage) error {
	if u.UsedAt.IsZero() {
		u.UsedAt = time.Now()
	}
	if _, err := db.NewInsert().Model(u).Exec(ctx); err != nil {
		return fmt.Errorf("error inserting usage: %w", err)
	}
	return nil
}

// UsageSummary aggregates usage for one proxy.
type UsageSummary struct {
	ProxyID     string  `bun:"proxy_id"`
	Requests    int     `bun:"requests"`
	Successes   int     `bun:"successes"`
	BandwidthMB float64 `bun:"bandwidth_mb"`
	Cost        float64 `bun:"cost"`
}

// UsageSince summarizes usage per proxy recorded after since.
func (db *DB) UsageSince(ctx context.Context, since time.Time) ([]UsageSummary, error) {
	var out []UsageSummary
	err := db.NewSelect().
		Model((*models.ProxyUsage)(nil)).
		ColumnExpr("proxy_id").
		ColumnExpr("COUNT(*) AS requests").
		ColumnExpr("SUM(CASE WHEN success THEN 1 ELSE 0 END) AS successes").
		ColumnExpr("COALESCE(SUM(bandwidth_mb), 0) AS bandwidth_mb").
		ColumnExpr("COALESCE(SUM(cost), 0) AS cost").
		Where("used_at >= ?", since).
		Group("proxy_id").
		OrderExpr("requests DESC").
		Scan(ctx, &out)
	if err != nil {
		return nil, fmt.Errorf("error summarizing usage: %w", err)
	}
	return out, nil
}
