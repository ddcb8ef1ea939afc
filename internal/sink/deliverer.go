// internal/sink/deliverer.go
package sink

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/ingestor/internal/metrics"
	"github.com/YaganovValera/analytics-system/ingestor/internal/model"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/backoff"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
)

var tracer = otel.Tracer("internal/sink")

// DeliveryConfig — политика повторов доставки батча.
// Retry.MaxAttempts == 0 → повторы без ограничения (с cap на задержку) до отмены ctx.
type DeliveryConfig struct {
	Retry           backoff.Config `mapstructure:"retry"`
	DeliveryTimeout time.Duration  `mapstructure:"delivery_timeout"` // граница одного вызова Deliver
}

func (c *DeliveryConfig) applyDefaults() {
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	if c.Retry.PerAttemptTimeout <= 0 {
		c.Retry.PerAttemptTimeout = c.DeliveryTimeout
	}
}

// Deliverer applies the retry policy around one Sink. On a partial
// failure only the unconfirmed tail is retried.
type Deliverer struct {
	sink   Sink
	policy *backoff.Policy
	log    *logger.Logger
}

// NewDeliverer wraps s with the configured retry policy.
func NewDeliverer(s Sink, cfg DeliveryConfig, log *logger.Logger) (*Deliverer, error) {
	cfg.applyDefaults()
	policy, err := backoff.NewPolicy("deliver:"+s.Name(), cfg.Retry, log)
	if err != nil {
		return nil, fmt.Errorf("sink %s: %w", s.Name(), err)
	}
	return &Deliverer{
		sink:   s,
		policy: policy,
		log:    log.Named("deliverer").With(zap.String("sink", s.Name())),
	}, nil
}

// Sink returns the wrapped sink.
func (d *Deliverer) Sink() Sink { return d.sink }

// Deliver retries b until every routable record is confirmed, the policy
// gives up or ctx ends. The returned confirmation is relative to b:
// Pending holds the records that were never confirmed.
func (d *Deliverer) Deliver(ctx context.Context, b model.Batch) model.Confirmation {
	ctx, span := tracer.Start(ctx, "Deliver", trace.WithAttributes(
		attribute.String("sink", d.sink.Name()),
		attribute.String("batch.id", b.ID),
		attribute.Int("batch.size", b.Len()),
	))
	defer span.End()

	name := d.sink.Name()
	remaining := b
	committed, skipped := 0, 0

	err := d.policy.Execute(ctx, func(actx context.Context) error {
		start := time.Now()
		c := d.sink.Deliver(actx, remaining)
		metrics.DeliveryLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
		metrics.Deliveries.WithLabelValues(name, c.Status.String()).Inc()
		metrics.RecordsDelivered.WithLabelValues(name).Add(float64(c.Committed))
		metrics.RecordsSkipped.WithLabelValues(name).Add(float64(c.Skipped))

		committed += c.Committed
		skipped += c.Skipped
		remaining = c.Remaining(remaining)
		if c.OK() || remaining.Empty() {
			return nil
		}
		d.log.WithContext(actx).Warn("delivery incomplete",
			zap.String("batch_id", b.ID),
			zap.String("status", c.Status.String()),
			zap.Int("committed", c.Committed),
			zap.Int("pending", remaining.Len()),
			zap.Error(c.Err))
		if c.Err == nil {
			return ErrNotConfirmed
		}
		return c.Err
	})

	if err == nil {
		d.log.WithContext(ctx).Debug("batch delivered",
			zap.String("batch_id", b.ID),
			zap.Int("committed", committed),
			zap.Int("skipped", skipped))
		return model.Accepted(b, name, committed, skipped)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "delivery failed")
	metrics.BatchesAbandoned.WithLabelValues(name).Inc()
	d.log.WithContext(ctx).Error("batch not delivered",
		zap.String("batch_id", b.ID),
		zap.Int("records", b.Len()),
		zap.Int("committed", committed),
		zap.Int("pending", remaining.Len()),
		zap.Error(err))
	return model.Partial(b, name, committed, skipped, remaining.Records, err)
}
