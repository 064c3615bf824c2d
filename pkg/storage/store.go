package storage

import (
	"time"

	"github.com/lieyan666/FireProxy/pkg/stats"
)

// Sample is one persisted observation of a forwarder
type Sample struct {
	ProxyID  string
	TakenAt  time.Time
	Snapshot stats.Snapshot
}

// Store persists stats-history samples. Forwarding state is never
// stored; this is observability data only.
type Store interface {
	// SaveSample persists one observation
	SaveSample(s Sample) error

	// RecentSamples returns up to limit samples for a proxy id, newest first
	RecentSamples(proxyID string, limit int) ([]Sample, error)

	// Close releases the underlying database
	Close() error
}
