/*
Package models defines the data structures shared by the proxy lifecycle packages.

Live state:

	ProxyRecord   a proxy owned by exactly one pool, mutated on acquire/release/report
	Criteria      acquisition and provider request filters
	Session       binds (user, device) to the proxy currently serving it
	Device        an entry of the sharded pool, stored in the key-value store
	ShardConfig   static shard definition (groups, capacity, region)

Derived state:

	QualityScore  composite 0-100 score written by the quality scorer

Append-only records persisted through bun:

	ProxyUsage, QualityHistory, FailoverHistory, Recommendation, TargetMapping

FailoverConfig is persisted as well but is keyed by (user, device) and upserted.
*/
package models
