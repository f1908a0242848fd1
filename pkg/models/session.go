package models

import "time"

// Session binds a caller (user, device) to the proxy it is currently using.
type Session struct {
	ID            string
	ProxyID       string
	UserID        string
	DeviceID      string
	TargetURL     string
	TargetCountry string
	MaxLatencyMs  float64
	MaxCostPerGB  float64
	CreatedAt     time.Time
	LastUsedAt    time.Time
}
