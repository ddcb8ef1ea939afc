// pkg/backoff/backoff.go
package backoff

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var metrics = struct {
	Retries   *prometheus.CounterVec
	Failures  *prometheus.CounterVec
	Successes *prometheus.CounterVec
	Delays    *prometheus.HistogramVec
}{
	Retries: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestor", Subsystem: "backoff", Name: "retries_total",
			Help: "Number of back-off retry attempts",
		},
		[]string{"policy"},
	),
	Failures: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestor", Subsystem: "backoff", Name: "failures_total",
			Help: "Number of operations that gave up after retries",
		},
		[]string{"policy"},
	),
	Successes: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestor", Subsystem: "backoff", Name: "successes_total",
			Help: "Number of operations that eventually succeeded",
		},
		[]string{"policy"},
	),
	Delays: promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ingestor", Subsystem: "backoff", Name: "retry_delay_seconds",
			Help:    "Histogram of retry delays (seconds)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"policy"},
	),
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config contains tunables for exponential back-off.
//
// JitterFraction has no implicit default: zero means "no jitter".
type Config struct {
	// Base is the delay before the first retry.
	Base time.Duration `mapstructure:"base"`

	// Cap limits every individual delay (before jitter is added).
	Cap time.Duration `mapstructure:"cap"`

	// JitterFraction adds a uniform [0, delay*f] jitter. Range 0.0 ≤ f ≤ 1.0.
	JitterFraction float64 `mapstructure:"jitter_fraction"`

	// MaxAttempts bounds the total number of calls. Zero → unlimited.
	MaxAttempts int `mapstructure:"max_attempts"`

	// PerAttemptTimeout limits a single call. Zero → no per-attempt timeout.
	PerAttemptTimeout time.Duration `mapstructure:"per_attempt_timeout"`
}

func (c *Config) applyDefaults() {
	if c.Base <= 0 {
		c.Base = time.Second
	}
	if c.Cap <= 0 {
		c.Cap = 60 * time.Second
	}
}

// Validate performs cheap sanity checks.
func (c Config) Validate() error {
	if c.JitterFraction < 0 || c.JitterFraction > 1 {
		return fmt.Errorf("backoff: jitter_fraction must be in [0,1]")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("backoff: max_attempts must be ≥ 0")
	}
	if c.Base > 0 && c.Cap > 0 && c.Cap < c.Base {
		return fmt.Errorf("backoff: cap must be ≥ base")
	}
	return nil
}

// RetryableFunc is a unit of work that may be re-executed until it
// succeeds or the policy gives up.
type RetryableFunc func(ctx context.Context) error

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// ErrMaxRetries is returned from Execute when fn was still failing after
// all attempts were used (or the context ended between attempts).
type ErrMaxRetries struct {
	Err      error // last error returned by fn or ctx.Err()
	Attempts int   // number of attempts performed
}

func (e *ErrMaxRetries) Error() string {
	return fmt.Sprintf("backoff: %d attempt(s) failed: %v", e.Attempts, e.Err)
}
func (e *ErrMaxRetries) Unwrap() error { return e.Err }

// Permanent marks an error as non-retryable.
func Permanent(err error) error { return backoff.Permanent(err) }

// -----------------------------------------------------------------------------
// Policy
// -----------------------------------------------------------------------------

// Policy is an explicit retry policy invoked around connect/deliver calls.
type Policy struct {
	name string
	cfg  Config
	rnd  Rand
	log  *logger.Logger
}

// NewPolicy validates cfg and builds a named policy. The name is used as
// the metrics label.
func NewPolicy(name string, cfg Config, log *logger.Logger) (*Policy, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("backoff: invalid config: %w", err)
	}
	return &Policy{name: name, cfg: cfg, log: log.Named("backoff")}, nil
}

// WithRand returns a copy of the policy using rnd for jitter.
func (p *Policy) WithRand(rnd Rand) *Policy {
	cp := *p
	cp.rnd = rnd
	return &cp
}

// Config returns the effective configuration.
func (p *Policy) Config() Config { return p.cfg }

// Execute runs fn until it succeeds, returns a Permanent error, the
// attempt limit is reached or ctx is done.
func (p *Policy) Execute(ctx context.Context, fn RetryableFunc) error {
	var bo backoff.BackOff = NewScheduler(p.cfg, p.rnd)
	if p.cfg.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(p.cfg.MaxAttempts-1))
	}
	boCtx := backoff.WithContext(bo, ctx)

	attempts := 0
	operation := func() error {
		attempts++
		if p.cfg.PerAttemptTimeout > 0 {
			atCtx, cancel := context.WithTimeout(ctx, p.cfg.PerAttemptTimeout)
			defer cancel()
			return fn(atCtx)
		}
		return fn(ctx)
	}
	notify := func(err error, delay time.Duration) {
		metrics.Retries.WithLabelValues(p.name).Inc()
		metrics.Delays.WithLabelValues(p.name).Observe(delay.Seconds())
		p.log.Warn("back-off retry",
			zap.String("policy", p.name),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(operation, boCtx, notify); err != nil {
		metrics.Failures.WithLabelValues(p.name).Inc()
		p.log.Error("back-off give-up",
			zap.String("policy", p.name),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return &ErrMaxRetries{Err: err, Attempts: attempts}
	}

	metrics.Successes.WithLabelValues(p.name).Inc()
	return nil
}
