// internal/app/sinks.go
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/ingestor/internal/config"
	"github.com/YaganovValera/analytics-system/ingestor/internal/sink"
	"github.com/YaganovValera/analytics-system/ingestor/internal/sink/amqpsink"
	"github.com/YaganovValera/analytics-system/ingestor/internal/sink/chsink"
	"github.com/YaganovValera/analytics-system/ingestor/internal/sink/kafkasink"
	"github.com/YaganovValera/analytics-system/ingestor/internal/sink/redissink"
	"github.com/YaganovValera/analytics-system/ingestor/internal/sink/timescaledb"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
)

// buildSinks opens every enabled sink and wraps each in a Deliverer.
// On error the sinks opened so far are closed.
func buildSinks(ctx context.Context, cfg *config.Config, router *sink.Router, log *logger.Logger) (*sink.Fanout, error) {
	var opened []sink.Sink
	fail := func(err error) (*sink.Fanout, error) {
		var errs []error
		for _, s := range opened {
			errs = append(errs, s.Close())
		}
		return nil, errors.Join(append([]error{err}, errs...)...)
	}

	sc := cfg.Sinks
	if sc.AMQP.Enabled {
		s, err := amqpsink.New(sc.AMQP.Config, router, nil, log)
		if err != nil {
			return fail(fmt.Errorf("amqp sink: %w", err))
		}
		// broker may be down at boot: Deliver reconnects lazily
		if err := s.Open(ctx); err != nil {
			log.Warn("amqp sink: initial connect failed, will retry on delivery", zap.Error(err))
		}
		opened = append(opened, s)
	}
	if sc.Kafka.Enabled {
		s, err := kafkasink.New(ctx, sc.Kafka.Config, router, log)
		if err != nil {
			return fail(fmt.Errorf("kafka sink: %w", err))
		}
		opened = append(opened, s)
	}
	if sc.TimescaleDB.Enabled {
		s, err := timescaledb.New(ctx, sc.TimescaleDB.Config, router, log)
		if err != nil {
			return fail(fmt.Errorf("timescaledb sink: %w", err))
		}
		opened = append(opened, s)
	}
	if sc.ClickHouse.Enabled {
		s, err := chsink.New(ctx, sc.ClickHouse.Config, router, log)
		if err != nil {
			return fail(fmt.Errorf("clickhouse sink: %w", err))
		}
		opened = append(opened, s)
	}
	if sc.Redis.Enabled {
		s, err := redissink.New(ctx, sc.Redis.Config, log)
		if err != nil {
			return fail(fmt.Errorf("redis sink: %w", err))
		}
		opened = append(opened, s)
	}
	if len(opened) == 0 {
		return nil, fmt.Errorf("sinks: none enabled")
	}

	deliverers := make([]*sink.Deliverer, 0, len(opened))
	for _, s := range opened {
		d, err := sink.NewDeliverer(s, cfg.Delivery, log)
		if err != nil {
			return fail(err)
		}
		deliverers = append(deliverers, d)
	}
	log.Info("sinks ready", zap.Strings("sinks", sc.Enabled()))
	return sink.NewFanout(deliverers...), nil
}
