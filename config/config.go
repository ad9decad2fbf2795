// Package config contains the configuration of the subscription engines,
// parsed from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the prefix of all the environment variables read by Parse.
const Prefix = "EVENTUALLY"

// Subscriber configures the subscription engines.
type Subscriber struct {
	// HandledDomains is the maximum number of domains a competing subscriber
	// claims. Zero means no limit.
	HandledDomains int `split_words:"true" default:"0"`

	// EndpointVersion is appended to the endpoint name to build the name
	// of the stream read by persistent group subscribers.
	EndpointVersion string `split_words:"true" default:"1"`

	// ReadSize is the number of records each worker slot can buffer.
	ReadSize int `split_words:"true" default:"100"`

	// Concurrency is the number of worker slots per Event Log connection.
	Concurrency int `default:"1"`

	ExtraStats bool `split_words:"true" default:"false"`

	// BackpressureCooldown is how long a competing subscriber waits before
	// resubscribing, after the dispatcher reported a full queue.
	BackpressureCooldown time.Duration `split_words:"true" default:"15s"`

	// RetryBaseDelay is multiplied by the number of failed attempts to compute
	// the delay before retrying a delivery.
	RetryBaseDelay time.Duration `split_words:"true" default:"100ms"`

	// IdleInterval is the longest the dispatch loop waits when no record
	// is available.
	IdleInterval time.Duration `split_words:"true" default:"100ms"`

	// ReadinessTimeout bounds the wait for the pipeline to become ready.
	ReadinessTimeout time.Duration `split_words:"true" default:"1m"`
}

// Default returns the configuration used when no environment variable is set.
func Default() Subscriber {
	return Subscriber{
		EndpointVersion:      "1",
		ReadSize:             100,
		Concurrency:          1,
		BackpressureCooldown: 15 * time.Second,
		RetryBaseDelay:       100 * time.Millisecond,
		IdleInterval:         100 * time.Millisecond,
		ReadinessTimeout:     time.Minute,
	}
}

// Parse reads the Subscriber configuration from the environment.
func Parse() (Subscriber, error) {
	var cfg Subscriber

	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Subscriber{}, fmt.Errorf("config: failed to parse from env, %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Subscriber{}, err
	}

	return cfg, nil
}

// Validate returns an error describing every invalid value.
func (c Subscriber) Validate() error {
	var errs []error

	if c.HandledDomains < 0 {
		errs = append(errs, errors.New("handled domains must not be negative"))
	}

	if c.EndpointVersion == "" {
		errs = append(errs, errors.New("endpoint version is required"))
	}

	if c.ReadSize <= 0 {
		errs = append(errs, errors.New("read size must be positive"))
	}

	if c.Concurrency <= 0 {
		errs = append(errs, errors.New("concurrency must be positive"))
	}

	for name, d := range map[string]time.Duration{
		"backpressure cooldown": c.BackpressureCooldown,
		"retry base delay":      c.RetryBaseDelay,
		"idle interval":         c.IdleInterval,
		"readiness timeout":     c.ReadinessTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid subscriber configuration, %w", err)
	}

	return nil
}

// MaxDomains returns the maximum number of domains to claim,
// with an unlimited HandledDomains mapped to the largest int.
func (c Subscriber) MaxDomains() int {
	if c.HandledDomains == 0 {
		return int(^uint(0) >> 1)
	}

	return c.HandledDomains
}
