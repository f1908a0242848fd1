package models

import "time"

type Rating string

const (
	RatingS Rating = "S"
	RatingA Rating = "A"
	RatingB Rating = "B"
	RatingC Rating = "C"
	RatingD Rating = "D"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

type QualityBreakdown struct {
	SuccessRate  float64 `json:"success_rate"`
	Availability float64 `json:"availability"`
	LatencyScore float64 `json:"latency_score"`
	Consistency  float64 `json:"consistency"`
	Anonymity    float64 `json:"anonymity"`
}

// QualityScore is produced by the quality scorer and read-only elsewhere.
type QualityScore struct {
	ProxyID      string           `json:"proxy_id"`
	Score        float64          `json:"score"`
	Rating       Rating           `json:"rating"`
	Breakdown    QualityBreakdown `json:"breakdown"`
	Health       HealthStatus     `json:"health"`
	Trend        Trend            `json:"trend"`
	CalculatedAt time.Time        `json:"calculated_at"`
}
