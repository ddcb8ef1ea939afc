// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/analytics-system/ingestor/internal/config"
	"github.com/YaganovValera/analytics-system/ingestor/internal/control"
	"github.com/YaganovValera/analytics-system/ingestor/internal/metrics"
	"github.com/YaganovValera/analytics-system/ingestor/internal/pipeline"
	"github.com/YaganovValera/analytics-system/ingestor/internal/sink"
	"github.com/YaganovValera/analytics-system/ingestor/internal/source/binance"
	"github.com/YaganovValera/analytics-system/ingestor/internal/source/poll"
	"github.com/YaganovValera/analytics-system/ingestor/internal/subscription"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/httpserver"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/telemetry"
)

// Run wires every component and blocks until ctx is done or a component fails.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	metrics.Register()

	// Инициализируем трассировку
	cfg.Telemetry.ServiceName = cfg.ServiceName
	cfg.Telemetry.ServiceVersion = cfg.ServiceVersion
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownSafe(ctx, "telemetry", func() error { return shutdownTracer(context.WithoutCancel(ctx)) }, log)

	// 1) Источники
	sources, err := buildSources(cfg.Sources, log)
	if err != nil {
		return err
	}

	// 2) Sinks + маршрутизация
	router, err := sink.NewRouter(cfg.Routes)
	if err != nil {
		return fmt.Errorf("routes: %w", err)
	}
	fanout, err := buildSinks(ctx, cfg, router, log)
	if err != nil {
		return err
	}

	// 3) Координатор; он же закрывает sinks
	coord, err := pipeline.New(cfg.Pipeline, sources, fanout, log)
	if err != nil {
		_ = fanout.Close()
		return err
	}
	defer shutdownSafe(ctx, "pipeline", func() error { return coord.Close(context.WithoutCancel(ctx)) }, log)

	// 4) Ops HTTP-сервер с control-поверхностью
	httpSrv, err := httpserver.New(cfg.HTTP, coord.Ready, log,
		httpserver.RouteRegistrar(control.Routes(coord, log)),
		httpserver.RecoverMiddleware(log),
		httpserver.RequestIDMiddleware(),
		httpserver.MetricsMiddleware(),
		httpserver.CORSMiddleware(),
	)
	if err != nil {
		return fmt.Errorf("httpserver init: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Run(gctx) })

	// 5) Kafka control topic (опционально)
	if cfg.Control.Kafka.Enabled() {
		consumer, err := control.NewKafkaConsumer(ctx, cfg.Control.Kafka, coord, log)
		if err != nil {
			return fmt.Errorf("control consumer init: %w", err)
		}
		defer shutdownSafe(ctx, "control-consumer", consumer.Close, log)
		g.Go(func() error { return consumer.Run(gctx) })
	}

	if cfg.Control.AutoStart {
		if err := coord.Start(ctx); err != nil {
			return fmt.Errorf("pipeline start: %w", err)
		}
	} else {
		log.Info("auto_start disabled, waiting for a control command")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.WithContext(ctx).Info("ingestor stopped by context")
	return nil
}

func buildSources(cfg config.SourcesConfig, log *logger.Logger) ([]subscription.Source, error) {
	var out []subscription.Source
	for _, c := range cfg.Binance {
		src, err := binance.New(c, log)
		if err != nil {
			return nil, fmt.Errorf("binance source: %w", err)
		}
		out = append(out, src)
	}
	for _, c := range cfg.Poll {
		src, err := poll.New(c, nil, log)
		if err != nil {
			return nil, fmt.Errorf("poll source: %w", err)
		}
		out = append(out, src)
	}
	return out, nil
}

// shutdownSafe оборачивает вызов Close()/Shutdown() с логированием
func shutdownSafe(ctx context.Context, name string, fn func() error, log *logger.Logger) {
	log.WithContext(ctx).Info(fmt.Sprintf("%s: shutting down", name))
	if err := fn(); err != nil {
		log.WithContext(ctx).Error(fmt.Sprintf("%s shutdown error", name), zap.Error(err))
	} else {
		log.WithContext(ctx).Info(fmt.Sprintf("%s: shutdown complete", name))
	}
}
