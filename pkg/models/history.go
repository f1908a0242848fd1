package models

import (
	"time"

	"github.com/uptrace/bun"
)

// ProxyUsage records one reported use of a proxy.
type ProxyUsage struct {
	bun.BaseModel `bun:"table:proxy_usage,alias:pu"`

	ID          int64     `bun:",pk,autoincrement"`
	ProxyID     string    `bun:",notnull"`
	Provider    string    `bun:",notnull"`
	Country     string
	BandwidthMB float64
	Cost        float64
	Success     bool      `bun:",notnull"`
	Error       string
	UsedAt      time.Time `bun:",notnull"`
}

// QualityHistory is one scored point in a proxy's quality timeline.
type QualityHistory struct {
	bun.BaseModel `bun:"table:quality_history,alias:qh"`

	ID           int64        `bun:",pk,autoincrement"`
	ProxyID      string       `bun:",notnull"`
	Score        float64      `bun:",notnull"`
	Rating       Rating       `bun:",notnull"`
	Health       HealthStatus `bun:",notnull"`
	SuccessRate  float64
	Availability float64
	LatencyScore float64
	Consistency  float64
	Anonymity    float64
	RecordedAt   time.Time `bun:",notnull"`
}

// Recommendation records either a ranking handed to a device (RecommendedIDs
// set) or the outcome of the device using one proxy (SelectedProxyID set).
type Recommendation struct {
	bun.BaseModel `bun:"table:proxy_recommendations,alias:pr"`

	ID              string `bun:",pk"`
	DeviceID        string `bun:",notnull"`
	TargetURL       string
	TargetCountry   string
	RecommendedIDs  []string
	SelectedProxyID string
	Score           float64
	Success         bool
	LatencyMs       float64
	CreatedAt       time.Time `bun:",notnull"`
}

// TargetMapping aggregates how a proxy performs against one target domain.
type TargetMapping struct {
	bun.BaseModel `bun:"table:proxy_target_mappings,alias:tm"`

	ProxyID      string    `bun:",pk"`
	TargetDomain string    `bun:",pk"`
	SuccessCount int       `bun:",notnull,default:0"`
	FailureCount int       `bun:",notnull,default:0"`
	SuccessRate  float64   `bun:",notnull,default:0"`
	AvgLatencyMs float64   `bun:",notnull,default:0"`
	UpdatedAt    time.Time `bun:",notnull"`
}

// Total returns the number of observed requests.
func (m *TargetMapping) Total() int {
	return m.SuccessCount + m.FailureCount
}
