package outbox

import (
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/phojnacki/inventory-sync/internal/nilcheck"
)

const (
	defaultDispatchInterval   = 2 * time.Second
	defaultBatchSize          = 50
	defaultPublishMaxAttempts = 3
	defaultPublishBackoff     = 200 * time.Millisecond
	defaultReleaseBackoff     = time.Second
	defaultMaxReleaseBackoff  = 5 * time.Minute
	defaultLeaseTimeout       = time.Minute
	defaultStateUpdateTimeout = 5 * time.Second
)

// RelayConfig controls polling, retry and metric behavior of a Relay.
type RelayConfig struct {
	// DispatchInterval is the pause between two dispatch cycles.
	DispatchInterval time.Duration
	// BatchSize is the max number of records handled per cycle.
	BatchSize int
	// PublishMaxAttempts bounds publish attempts of one record within a cycle.
	PublishMaxAttempts int
	// PublishBackoff is the base in-cycle delay between publish attempts.
	PublishBackoff time.Duration
	// ReleaseBackoff is the base delay before a released record is claimable again.
	ReleaseBackoff time.Duration
	// MaxReleaseBackoff caps ReleaseBackoff growth.
	MaxReleaseBackoff time.Duration
	// MaxDispatchAttempts, when positive, turns a record INVALID after that many
	// failed cycles. Zero keeps transient failures PENDING indefinitely.
	MaxDispatchAttempts int
	// LeaseTimeout is how long a PROCESSING record may sit untouched before it is reclaimed.
	LeaseTimeout time.Duration
	// StateUpdateTimeout bounds the status write after a publish. It runs on a
	// context detached from cancellation.
	StateUpdateTimeout time.Duration
	MeterProvider      metric.MeterProvider
}

// DefaultRelayConfig returns the baseline relay configuration.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		DispatchInterval:   defaultDispatchInterval,
		BatchSize:          defaultBatchSize,
		PublishMaxAttempts: defaultPublishMaxAttempts,
		PublishBackoff:     defaultPublishBackoff,
		ReleaseBackoff:     defaultReleaseBackoff,
		MaxReleaseBackoff:  defaultMaxReleaseBackoff,
		LeaseTimeout:       defaultLeaseTimeout,
		StateUpdateTimeout: defaultStateUpdateTimeout,
	}
}

func (cfg *RelayConfig) normalize() {
	defaults := DefaultRelayConfig()

	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = defaults.DispatchInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.PublishMaxAttempts <= 0 {
		cfg.PublishMaxAttempts = defaults.PublishMaxAttempts
	}

	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = defaults.PublishBackoff
	}

	if cfg.ReleaseBackoff <= 0 {
		cfg.ReleaseBackoff = defaults.ReleaseBackoff
	}

	if cfg.MaxReleaseBackoff < cfg.ReleaseBackoff {
		cfg.MaxReleaseBackoff = max(defaults.MaxReleaseBackoff, cfg.ReleaseBackoff)
	}

	if cfg.MaxDispatchAttempts < 0 {
		cfg.MaxDispatchAttempts = 0
	}

	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = defaults.LeaseTimeout
	}

	if cfg.StateUpdateTimeout <= 0 {
		cfg.StateUpdateTimeout = defaults.StateUpdateTimeout
	}
}

// MaxRedeliveryDelay bounds how late the relay may publish a record again after
// the broker could already have accepted it: an expired lease or the longest
// release backoff, plus one dispatch interval.
func (cfg RelayConfig) MaxRedeliveryDelay() time.Duration {
	cfg.normalize()

	return max(cfg.LeaseTimeout, cfg.MaxReleaseBackoff) + cfg.DispatchInterval
}

// RelayOption mutates relay configuration at construction.
type RelayOption func(*Relay)

// WithConfig replaces the whole configuration. Zero fields fall back to defaults.
func WithConfig(cfg RelayConfig) RelayOption {
	return func(relay *Relay) {
		relay.cfg = cfg
	}
}

func WithDispatchInterval(interval time.Duration) RelayOption {
	return func(relay *Relay) {
		if interval > 0 {
			relay.cfg.DispatchInterval = interval
		}
	}
}

func WithBatchSize(size int) RelayOption {
	return func(relay *Relay) {
		if size > 0 {
			relay.cfg.BatchSize = size
		}
	}
}

// WithPublishMaxAttempts sets in-cycle publish attempts per record.
func WithPublishMaxAttempts(attempts int) RelayOption {
	return func(relay *Relay) {
		if attempts > 0 {
			relay.cfg.PublishMaxAttempts = attempts
		}
	}
}

func WithPublishBackoff(backoff time.Duration) RelayOption {
	return func(relay *Relay) {
		if backoff > 0 {
			relay.cfg.PublishBackoff = backoff
		}
	}
}

// WithReleaseBackoff sets base and ceiling of the delay applied to released records.
func WithReleaseBackoff(base, ceiling time.Duration) RelayOption {
	return func(relay *Relay) {
		if base > 0 {
			relay.cfg.ReleaseBackoff = base
		}

		if ceiling > 0 {
			relay.cfg.MaxReleaseBackoff = ceiling
		}
	}
}

// WithMaxDispatchAttempts opts into parking records that keep failing. Zero
// disables the limit.
func WithMaxDispatchAttempts(attempts int) RelayOption {
	return func(relay *Relay) {
		if attempts >= 0 {
			relay.cfg.MaxDispatchAttempts = attempts
		}
	}
}

func WithLeaseTimeout(timeout time.Duration) RelayOption {
	return func(relay *Relay) {
		if timeout > 0 {
			relay.cfg.LeaseTimeout = timeout
		}
	}
}

func WithRetryClassifier(classifier RetryClassifier) RelayOption {
	return func(relay *Relay) {
		if !nilcheck.Interface(classifier) {
			relay.retryClassifier = classifier
		}
	}
}

func WithMeterProvider(provider metric.MeterProvider) RelayOption {
	return func(relay *Relay) {
		if !nilcheck.Interface(provider) {
			relay.cfg.MeterProvider = provider
		}
	}
}
