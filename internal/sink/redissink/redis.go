// internal/sink/redissink/redis.go
package redissink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/ingestor/internal/model"
	"github.com/YaganovValera/analytics-system/ingestor/internal/sink"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/backoff"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
)

var tracer = otel.Tracer("internal/sink/redissink")

// Config хранит параметры подключения к Redis.
type Config struct {
	URL       string         `mapstructure:"url"` // e.g. "redis://host:6379/0"
	TTL       time.Duration  `mapstructure:"ttl"`
	KeyPrefix string         `mapstructure:"key_prefix"`
	Kinds     []string       `mapstructure:"kinds"` // empty: every source kind
	Backoff   backoff.Config `mapstructure:"backoff"`
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 10 * time.Minute
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "ingestor:last"
	}
	if c.Backoff.MaxAttempts == 0 {
		c.Backoff.MaxAttempts = 5
	}
}

func (c Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("redis sink: url is required")
	}
	return c.Backoff.Validate()
}

// Client is the subset of *redis.Client used by the sink.
type Client interface {
	Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Sink keeps the latest payload per (provider, source kind, symbol).
type Sink struct {
	client Client
	ttl    time.Duration
	prefix string
	kinds  map[string]bool
	log    *logger.Logger
	mu     sync.Mutex
}

var (
	_ sink.Sink   = (*Sink)(nil)
	_ sink.Pinger = (*Sink)(nil)
)

// New создаёт клиента и проверяет соединение с retry.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Sink, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("redis-sink")

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis sink: parse URL: %w", err)
	}
	client := redis.NewClient(opts)

	policy, err := backoff.NewPolicy("redis-connect", cfg.Backoff, log)
	if err != nil {
		return nil, err
	}
	ctxConn, span := tracer.Start(ctx, "Connect", trace.WithAttributes(attribute.String("addr", opts.Addr)))
	err = policy.Execute(ctxConn, func(ctx context.Context) error { return client.Ping(ctx).Err() })
	if err != nil {
		span.RecordError(err)
		span.End()
		_ = client.Close()
		return nil, fmt.Errorf("redis sink: connect: %w", err)
	}
	span.End()
	log.Info("connected", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))

	return NewWithClient(client, cfg, log), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client Client, cfg Config, log *logger.Logger) *Sink {
	cfg.applyDefaults()
	s := &Sink{client: client, ttl: cfg.TTL, prefix: cfg.KeyPrefix, log: log}
	if len(cfg.Kinds) > 0 {
		s.kinds = make(map[string]bool, len(cfg.Kinds))
		for _, k := range cfg.Kinds {
			s.kinds[k] = true
		}
	}
	return s
}

func (s *Sink) Name() string { return "redis" }

// Key returns the snapshot key of a record.
func (s *Sink) Key(r model.Record) string {
	return strings.Join([]string{s.prefix, r.Provider, r.SourceKind, strings.ToLower(r.Symbol)}, ":")
}

// Deliver writes one SET per distinct key through a single pipeline.
// Records superseded by a later one in the same batch count as committed
// together with it.
func (s *Sink) Deliver(ctx context.Context, b model.Batch) model.Confirmation {
	ctx, span := tracer.Start(ctx, "SetLatest", trace.WithAttributes(
		attribute.String("batch.id", b.ID),
		attribute.Int("batch.size", b.Len()),
	))
	defer span.End()

	type slot struct {
		rec   model.Record
		count int
	}
	var (
		order   []string
		latest  = make(map[string]*slot)
		skipped int
	)
	for _, r := range b.Records {
		if s.kinds != nil && !s.kinds[r.SourceKind] {
			skipped++
			continue
		}
		key := s.Key(r)
		sl, ok := latest[key]
		if !ok {
			sl = &slot{}
			latest[key] = sl
			order = append(order, key)
		}
		sl.rec = r
		sl.count++
	}
	if len(order) == 0 {
		return model.Accepted(b, s.Name(), 0, skipped)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cmds, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, key := range order {
			p.Set(ctx, key, []byte(latest[key].rec.Payload), s.ttl)
		}
		return nil
	})
	if err == nil {
		return model.Accepted(b, s.Name(), b.Len()-skipped, skipped)
	}
	span.RecordError(err)

	if len(cmds) != len(order) {
		s.log.WithContext(ctx).Error("pipeline failed",
			zap.String("batch_id", b.ID), zap.Error(err))
		pending := make([]model.Record, 0, len(order))
		for _, key := range order {
			pending = append(pending, latest[key].rec)
		}
		return model.Partial(b, s.Name(), 0, skipped, pending, fmt.Errorf("%w: %v", sink.ErrUnreachable, err))
	}

	committed := 0
	var pending []model.Record
	for i, cmd := range cmds {
		sl := latest[order[i]]
		if cmd.Err() != nil {
			pending = append(pending, sl.rec)
			continue
		}
		committed += sl.count
	}
	if pending == nil {
		pending = []model.Record{}
	}
	s.log.WithContext(ctx).Error("pipeline partially failed",
		zap.String("batch_id", b.ID),
		zap.Int("committed", committed),
		zap.Int("pending", len(pending)),
		zap.Error(err))
	if committed == 0 {
		err = fmt.Errorf("%w: %v", sink.ErrUnreachable, err)
	} else {
		err = fmt.Errorf("%w: %v", sink.ErrNotConfirmed, err)
	}
	return model.Partial(b, s.Name(), committed, skipped, pending, err)
}

// Ping проверяет доступность Redis.
func (s *Sink) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", sink.ErrUnreachable, err)
	}
	return nil
}

func (s *Sink) Close() error {
	s.log.Info("redis sink closed")
	return s.client.Close()
}
