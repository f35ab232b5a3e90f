package sync

import (
	"time"

	"github.com/cybertec-postgresql/finsync/internal/retry"
)

// Config tunes the background loops of a Service
type Config struct {
	// PollingInterval is how often pending local changes are published
	PollingInterval time.Duration
	// AutoResolveInterval is how often the auto-resolution policy runs over
	// the queue; zero disables it
	AutoResolveInterval time.Duration
	// PublishRetry bounds retries of a single publish
	PublishRetry *retry.Config
	// ApplyRetry bounds retries of applying one upstream change locally
	ApplyRetry *retry.Config
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		PollingInterval:     time.Second,
		AutoResolveInterval: 30 * time.Second,
		PublishRetry:        retry.EtcdDefaults(),
		ApplyRetry:          retry.PostgreSQLDefaults(),
	}
}
