// internal/sink/amqpsink/amqp.go
package amqpsink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/ingestor/internal/model"
	"github.com/YaganovValera/analytics-system/ingestor/internal/sink"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
)

var tracer = otel.Tracer("internal/sink/amqpsink")

// Channel is the subset of an AMQP channel used by the sink.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	PublishDeferred(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirm, error)
	IsClosed() bool
	Close() error
}

// Confirm — ожидаемое подтверждение одной публикации.
// *amqp.DeferredConfirmation удовлетворяет интерфейсу.
type Confirm interface {
	Done() <-chan struct{}
	Acked() bool
}

// Connection is the subset of *amqp.Connection used by the sink.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(url string, cfg amqp.Config) (Connection, error)

type amqpConnection struct{ *amqp.Connection }

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return amqpChannel{ch}, nil
}

type amqpChannel struct{ *amqp.Channel }

// PublishDeferred publishes msg with a per-message deferred confirmation.
func (c amqpChannel) PublishDeferred(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirm, error) {
	dc, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, errors.New("channel is not in confirm mode")
	}
	return dc, nil
}

// DefaultDialer dials a real broker.
func DefaultDialer(url string, cfg amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// Config — параметры AMQP-синка.
type Config struct {
	URL            string           `mapstructure:"url"`
	DialTimeout    time.Duration    `mapstructure:"dial_timeout"`
	Heartbeat      time.Duration    `mapstructure:"heartbeat"`
	ConfirmTimeout time.Duration    `mapstructure:"confirm_timeout"`
	Exchanges      []ExchangeConfig `mapstructure:"exchanges"`
	Queues         []QueueConfig    `mapstructure:"queues"`
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 10 * time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 10 * time.Second
	}
}

func (c Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("amqp sink: url is required")
	}
	for i, q := range c.Queues {
		if q.Name == "" {
			return fmt.Errorf("amqp sink: queues[%d]: name is required", i)
		}
	}
	return nil
}

// Sink publishes batches to an AMQP 0-9-1 broker with publisher confirms.
// It owns one connection and one channel; Deliver is serialized.
type Sink struct {
	cfg    Config
	router *sink.Router
	dial   Dialer
	log    *logger.Logger

	mu   sync.Mutex
	conn Connection
	ch   Channel
}

var (
	_ sink.Sink   = (*Sink)(nil)
	_ sink.Pinger = (*Sink)(nil)
)

// New builds the sink without connecting. A nil dial uses DefaultDialer.
func New(cfg Config, router *sink.Router, dial Dialer, log *logger.Logger) (*Sink, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if dial == nil {
		dial = DefaultDialer
	}
	return &Sink{
		cfg:    cfg,
		router: router,
		dial:   dial,
		log:    log.Named("amqp-sink"),
	}, nil
}

func (s *Sink) Name() string { return "amqp" }

// Open connects and declares the topology.
func (s *Sink) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(ctx)
}

// Ping reports whether the channel is usable, reconnecting if needed.
func (s *Sink) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(ctx)
}

// Deliver publishes every routable record and waits for all broker
// confirmations. Any nack, timeout or channel error rejects the routable
// part of the batch.
func (s *Sink) Deliver(ctx context.Context, b model.Batch) model.Confirmation {
	ctx, span := tracer.Start(ctx, "Publish", trace.WithAttributes(
		attribute.String("batch.id", b.ID),
		attribute.Int("batch.size", b.Len()),
	))
	defer span.End()

	fail := func(routed []model.Record, skipped int, err error) model.Confirmation {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return model.Partial(b, s.Name(), 0, skipped, routed, err)
	}

	groups, skipped := s.router.Partition(b, func(d sink.Destination) bool {
		return d.Exchange != "" || d.RoutingKey != ""
	})
	if len(skipped) > 0 {
		s.log.WithContext(ctx).Warn("unroutable records skipped",
			zap.String("batch_id", b.ID),
			zap.Int("count", len(skipped)),
			zap.Strings("keys", sink.SkippedKeys(skipped)))
	}
	var routed []model.Record
	for _, g := range groups {
		routed = append(routed, g.Records...)
	}
	if len(routed) == 0 {
		return model.Accepted(b, s.Name(), 0, len(skipped))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLocked(ctx); err != nil {
		return fail(routed, len(skipped), err)
	}

	pending := make([]Confirm, 0, len(routed))
	for _, g := range groups {
		for _, rec := range g.Records {
			msg := s.publishing(ctx, b.ID, len(pending), rec)
			dc, err := s.ch.PublishDeferred(ctx, g.Dest.Exchange, g.Dest.RoutingKey, msg)
			if err != nil {
				s.resetLocked()
				return fail(routed, len(skipped), fmt.Errorf("%w: publish: %v", sink.ErrUnreachable, err))
			}
			pending = append(pending, dc)
		}
	}
	published := len(pending)

	if err := s.awaitConfirms(ctx, pending); err != nil {
		// unconfirmed tags would shift the sequence of the next batch
		s.resetLocked()
		return fail(routed, len(skipped), err)
	}
	return model.Accepted(b, s.Name(), published, len(skipped))
}

func (s *Sink) publishing(ctx context.Context, batchID string, seq int, rec model.Record) amqp.Publishing {
	headers := amqp.Table{
		"provider":    rec.Provider,
		"source_kind": rec.SourceKind,
	}
	if rec.Symbol != "" {
		headers["symbol"] = rec.Symbol
	}
	otel.GetTextMapPropagator().Inject(ctx, tableCarrier(headers))

	return amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    batchID + ":" + strconv.Itoa(seq),
		Timestamp:    rec.ReceivedAt,
		Body:         rec.Payload,
	}
}

func (s *Sink) awaitConfirms(ctx context.Context, pending []Confirm) error {
	timer := time.NewTimer(s.cfg.ConfirmTimeout)
	defer timer.Stop()

	n, nacked := len(pending), 0
	for i, dc := range pending {
		select {
		case <-dc.Done():
			if !dc.Acked() {
				nacked++
			}
		case <-timer.C:
			return fmt.Errorf("%w: %d/%d confirms within %s", sink.ErrNotConfirmed, i, n, s.cfg.ConfirmTimeout)
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", sink.ErrNotConfirmed, ctx.Err())
		}
	}
	if nacked > 0 {
		// при закрытии канала amqp091 разрешает ожидающие подтверждения как nack
		if s.ch.IsClosed() {
			return fmt.Errorf("%w: channel closed, %d/%d unconfirmed", sink.ErrUnreachable, nacked, n)
		}
		return fmt.Errorf("%w: %d/%d nacked", sink.ErrNotConfirmed, nacked, n)
	}
	return nil
}

// ensureLocked (re)connects lazily and declares the topology on a fresh channel.
func (s *Sink) ensureLocked(ctx context.Context) error {
	if s.ch != nil && !s.ch.IsClosed() && s.conn != nil && !s.conn.IsClosed() {
		return nil
	}
	s.resetLocked()

	conn, err := s.dialCtx(ctx)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", sink.ErrUnreachable, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: open channel: %v", sink.ErrUnreachable, err)
	}
	if err := declareTopology(ch, s.cfg.Exchanges, s.cfg.Queues, s.router.Destinations()); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("amqp sink: topology: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("amqp sink: enable confirms: %w", err)
	}

	s.conn = conn
	s.ch = ch
	s.log.Info("connected, topology declared",
		zap.Int("exchanges", len(s.cfg.Exchanges)),
		zap.Int("queues", len(s.cfg.Queues)))
	return nil
}

// dialCtx bounds the blocking dial by ctx.
func (s *Sink) dialCtx(ctx context.Context) (Connection, error) {
	type result struct {
		conn Connection
		err  error
	}
	res := make(chan result, 1)
	go func() {
		conn, err := s.dial(s.cfg.URL, amqp.Config{
			Heartbeat: s.cfg.Heartbeat,
			Dial:      amqp.DefaultDial(s.cfg.DialTimeout),
		})
		res <- result{conn, err}
	}()

	select {
	case r := <-res:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-res; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (s *Sink) resetLocked() {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.ch, s.conn = nil, nil
}

// Close closes the channel and the connection.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.ch != nil && !s.ch.IsClosed() {
		errs = append(errs, s.ch.Close())
	}
	if s.conn != nil && !s.conn.IsClosed() {
		errs = append(errs, s.conn.Close())
	}
	s.ch, s.conn = nil, nil
	s.log.Info("amqp sink closed")
	return errors.Join(errs...)
}

// tableCarrier adapts amqp headers for trace context propagation.
type tableCarrier amqp.Table

func (c tableCarrier) Get(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

func (c tableCarrier) Set(key, value string) { c[key] = value }

func (c tableCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
