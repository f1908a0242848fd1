package models

import (
	"time"

	"github.com/uptrace/bun"
)

type FailoverStrategy string

const (
	FailoverImmediate    FailoverStrategy = "immediate"
	FailoverQualityBased FailoverStrategy = "quality_based"
	FailoverRoundRobin   FailoverStrategy = "round_robin"
	FailoverRetryFirst   FailoverStrategy = "retry_first"
)

// FailoverConfig is scoped by (UserID, DeviceID). An empty DeviceID applies to
// every device of the user; both empty is the global default.
type FailoverConfig struct {
	bun.BaseModel `bun:"table:failover_configs,alias:fc"`

	UserID           string           `bun:",pk" json:"user_id"`
	DeviceID         string           `bun:",pk" json:"device_id"`
	Enabled          bool             `bun:",notnull" json:"enabled"`
	Strategy         FailoverStrategy `bun:",notnull" json:"strategy"`
	MaxRetries       int              `bun:",notnull" json:"max_retries"`
	RetryDelay       time.Duration    `bun:",notnull" json:"retry_delay"`
	FailureThreshold int              `bun:",notnull" json:"failure_threshold"`
	SuccessThreshold int              `bun:",notnull" json:"success_threshold"`
	CheckInterval    time.Duration    `bun:",notnull" json:"check_interval"`
	LatencyThreshold float64          `json:"latency_threshold_ms"`
	AutoRecover      bool             `bun:",notnull" json:"auto_recover"`
	UpdatedAt        time.Time        `bun:",nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// DefaultFailoverConfig is the global fallback.
func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		Enabled:          true,
		Strategy:         FailoverQualityBased,
		MaxRetries:       3,
		RetryDelay:       time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
		CheckInterval:    30 * time.Second,
		LatencyThreshold: 5000,
		AutoRecover:      true,
	}
}

// FailoverHistory is append-only.
type FailoverHistory struct {
	bun.BaseModel `bun:"table:failover_history,alias:fh"`

	ID         string           `bun:",pk" json:"id"`
	SessionID  string           `bun:",notnull" json:"session_id"`
	UserID     string           `json:"user_id"`
	DeviceID   string           `json:"device_id"`
	OldProxyID string           `bun:",notnull" json:"old_proxy_id"`
	NewProxyID string           `json:"new_proxy_id"`
	Reason     string           `json:"reason"`
	Strategy   FailoverStrategy `bun:",notnull" json:"strategy"`
	Success    bool             `bun:",notnull" json:"success"`
	Retries    int              `json:"retries"`
	Error      string           `json:"error,omitempty"`
	DurationMs int64            `json:"duration_ms"`
	CreatedAt  time.Time        `bun:",notnull" json:"created_at"`
}

// FailoverFilter narrows history queries. Zero fields are ignored.
type FailoverFilter struct {
	SessionID string
	UserID    string
	DeviceID  string
	ProxyID   string
	Since     time.Time
	Limit     int
}
