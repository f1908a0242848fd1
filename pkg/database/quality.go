package database

import (
	"context"
	"fmt"
	"time"

	"proxy-lifecycle/pkg/models"
)

func (db *DB) AppendQualityHistory(ctx context.Context, rows []*models.QualityHistory) error {
	if len(rows) == 0 {
		return nil
	}
	if _, err := db.NewInsert().Model(&rows).Exec(ctx); err != nil {
		return fmt.Errorf("error inserting quality history: %w", err)
	}
	return nil
}

// LoadQualityHistory returns points recorded after since, oldest first.
func (db *DB) LoadQualityHistory(ctx context.Context, since time.Time) ([]*models.QualityHistory, error) {
	var rows []*models.QualityHistory
	err := db.NewSelect().
		Model(&rows).
		Where("recorded_at >= ?", since).
		Order("recorded_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error loading quality history: %w", err)
	}
	return rows, nil
}

func (db *DB) PruneQualityHistory(ctx context.Context, before time.Time) (int, error) {
	res, err := db.NewDelete().
		Model((*models.QualityHistory)(nil)).
		Where("recorded_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("error pruning quality history: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
