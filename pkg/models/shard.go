package models

import "time"

// ShardConfig is administrative and rarely changes.
type ShardConfig struct {
	ShardID      string   `json:"shard_id" mapstructure:"shard_id"`
	Name         string   `json:"name" mapstructure:"name"`
	DeviceGroups []string `json:"device_groups" mapstructure:"device_groups"`
	Capacity     int      `json:"capacity" mapstructure:"capacity"`
	Region       string   `json:"region" mapstructure:"region"`
	Weight       int      `json:"weight" mapstructure:"weight"`
	Enabled      bool     `json:"enabled" mapstructure:"enabled"`
}

// HasGroup reports whether the shard owns the device group.
func (s ShardConfig) HasGroup(group string) bool {
	for _, g := range s.DeviceGroups {
		if g == group {
			return true
		}
	}
	return false
}

type DeviceStatus string

const (
	DeviceAvailable DeviceStatus = "available"
	DeviceAllocated DeviceStatus = "allocated"
	DeviceOffline   DeviceStatus = "offline"
)

// Device is a pooled entry of the sharded pool.
type Device struct {
	ID                string       `json:"id"`
	Name              string       `json:"name,omitempty"`
	DeviceGroup       string       `json:"device_group,omitempty"`
	Region            string       `json:"region,omitempty"`
	Tags              []string     `json:"tags,omitempty"`
	HealthScore       float64      `json:"health_score"`
	Status            DeviceStatus `json:"status"`
	AllocatedToUserID string       `json:"allocated_to_user_id,omitempty"`
	AllocatedAt       *time.Time   `json:"allocated_at,omitempty"`
	LastActiveAt      time.Time    `json:"last_active_at"`
	ShardID           string       `json:"shard_id"`
}

// HasTags reports whether the device carries every tag.
func (d *Device) HasTags(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range d.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
