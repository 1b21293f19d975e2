// Package store provides the value-store abstraction the runtime reads
// sensor values from and writes rule outputs to. The production adapter
// talks to Redis through Sentinel for automatic master failover, grounded
// in the teacher's redis.Client usage in visualization.go and
// realtime.go (Get/Set/Publish), generalized to a Sentinel-aware
// FailoverClient so the store connection survives a master election
// without operator intervention.
package store

import (
	"context"
)

// Adapter is the full interface the runtime needs from a sensor value
// store: batched reads at cycle start, batched writes and message
// publication at cycle end, plus the health and master-identity checks
// the HA manager polls.
type Adapter interface {
	// GetValues returns the current value of every requested key. A
	// missing key is simply absent from the result map; this is not an
	// error, since a not-yet-populated sensor should read as
	// condition-false rather than as a fault.
	GetValues(ctx context.Context, keys []string) (map[string]float64, error)

	// SetValues writes every key in one batch.
	SetValues(ctx context.Context, values map[string]float64) error

	// Publish sends message on channel.
	Publish(ctx context.Context, channel, message string) error

	// Ping verifies connectivity to the current master.
	Ping(ctx context.Context) error

	// SentinelMaster returns the host portion of the address Sentinel
	// currently reports as master for the configured master name. The HA
	// manager compares this against its own host to decide whether this
	// instance is the active writer.
	SentinelMaster(ctx context.Context) (string, error)

	// Close releases the underlying connection pool.
	Close() error
}
