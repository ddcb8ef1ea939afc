// internal/sink/kafkasink/kafkasink.go
package kafkasink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/ingestor/internal/model"
	"github.com/YaganovValera/analytics-system/ingestor/internal/sink"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/backoff"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
)

var tracer = otel.Tracer("internal/sink/kafkasink")

// Config groups all tunables for the Kafka sync producer.
type Config struct {
	Brokers []string `mapstructure:"brokers"`

	// RequiredAcks: "all" (default) | "leader" | "none".
	RequiredAcks string `mapstructure:"required_acks"`

	// Timeout — максимальное время ожидания ack от кластера.
	Timeout time.Duration `mapstructure:"timeout"`

	// Compression: "none" (default), "gzip", "snappy", "lz4", "zstd".
	Compression string `mapstructure:"compression"`

	// Backoff — ретраи первичного подключения.
	Backoff backoff.Config `mapstructure:"backoff"`
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
	if c.Backoff.MaxAttempts == 0 {
		c.Backoff.MaxAttempts = 5
	}
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka sink: brokers required")
	}
	return nil
}

// BuildSaramaConfig maps Config onto an idempotent sync-producer config.
func BuildSaramaConfig(c Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()

	switch strings.ToLower(c.RequiredAcks) {
	case "all":
		sc.Producer.RequiredAcks = sarama.WaitForAll
	case "leader":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "none":
		sc.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, fmt.Errorf("kafka sink: invalid RequiredAcks %q", c.RequiredAcks)
	}

	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Timeout = c.Timeout
	// idempotence требует acks=all и одного in-flight запроса
	sc.Producer.Idempotent = sc.Producer.RequiredAcks == sarama.WaitForAll
	if sc.Producer.Idempotent {
		sc.Net.MaxOpenRequests = 1
	}

	switch strings.ToLower(c.Compression) {
	case "none":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		return nil, fmt.Errorf("kafka sink: invalid Compression %q", c.Compression)
	}
	return sc, nil
}

// Sink publishes every routable record to its topic with SendMessages.
type Sink struct {
	prod   sarama.SyncProducer
	client sarama.Client // nil when built over a bare producer
	router *sink.Router
	log    *logger.Logger
	mu     sync.Mutex
}

var (
	_ sink.Sink   = (*Sink)(nil)
	_ sink.Pinger = (*Sink)(nil)
)

// New connects to the cluster with back-off.
func New(ctx context.Context, cfg Config, router *sink.Router, log *logger.Logger) (*Sink, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("kafka-sink")

	sc, err := BuildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}

	policy, err := backoff.NewPolicy("kafka-sink-connect", cfg.Backoff, log)
	if err != nil {
		return nil, err
	}

	ctxConn, span := tracer.Start(ctx, "Connect",
		trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers)))
	defer span.End()

	var (
		client sarama.Client
		prod   sarama.SyncProducer
	)
	err = policy.Execute(ctxConn, func(context.Context) error {
		c, err := sarama.NewClient(cfg.Brokers, sc)
		if err != nil {
			return err
		}
		p, err := sarama.NewSyncProducerFromClient(c)
		if err != nil {
			_ = c.Close()
			return err
		}
		client, prod = c, p
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("kafka sink: connect: %w", err)
	}

	// Оборачиваем для OpenTelemetry: span на каждое сообщение, родитель из заголовков
	prod = otelsarama.WrapSyncProducer(sc, prod)

	log.Info("kafka sink ready", zap.Strings("brokers", cfg.Brokers))
	return &Sink{prod: prod, client: client, router: router, log: log}, nil
}

// NewWithProducer wraps an existing producer (used with sarama/mocks).
func NewWithProducer(prod sarama.SyncProducer, router *sink.Router, log *logger.Logger) *Sink {
	return &Sink{prod: prod, router: router, log: log.Named("kafka-sink")}
}

func (s *Sink) Name() string { return "kafka" }

// Deliver sends the routable records in one SendMessages call. Messages
// reported in sarama.ProducerErrors stay pending; the rest are committed.
func (s *Sink) Deliver(ctx context.Context, b model.Batch) model.Confirmation {
	ctx, span := tracer.Start(ctx, "Publish", trace.WithAttributes(
		attribute.String("batch.id", b.ID),
		attribute.Int("batch.size", b.Len()),
	))
	defer span.End()

	groups, skipped := s.router.Partition(b, func(d sink.Destination) bool { return d.Topic != "" })
	if len(skipped) > 0 {
		s.log.WithContext(ctx).Warn("unroutable records skipped",
			zap.String("batch_id", b.ID),
			zap.Int("count", len(skipped)),
			zap.Strings("keys", sink.SkippedKeys(skipped)))
	}

	var (
		msgs   []*sarama.ProducerMessage
		routed []model.Record
	)
	for _, g := range groups {
		for _, rec := range g.Records {
			msgs = append(msgs, s.message(ctx, g.Dest.Topic, rec, len(routed)))
			routed = append(routed, rec)
		}
	}
	if len(msgs) == 0 {
		return model.Accepted(b, s.Name(), 0, len(skipped))
	}
	if err := ctx.Err(); err != nil {
		return model.Partial(b, s.Name(), 0, len(skipped), routed, err)
	}

	s.mu.Lock()
	err := s.prod.SendMessages(msgs)
	s.mu.Unlock()
	if err == nil {
		return model.Accepted(b, s.Name(), len(msgs), len(skipped))
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "send failed")

	var perrs sarama.ProducerErrors
	if !errors.As(err, &perrs) {
		return model.Partial(b, s.Name(), 0, len(skipped), routed, fmt.Errorf("%w: %v", sink.ErrUnreachable, err))
	}
	failed := make(map[int]bool, len(perrs))
	for _, pe := range perrs {
		if idx, ok := pe.Msg.Metadata.(int); ok {
			failed[idx] = true
		}
	}
	var pending []model.Record
	for i, rec := range routed {
		if failed[i] {
			pending = append(pending, rec)
		}
	}
	if len(pending) == 0 {
		pending = routed
	}
	s.log.WithContext(ctx).Warn("send partially failed",
		zap.String("batch_id", b.ID),
		zap.Int("failed", len(pending)),
		zap.Int("sent", len(routed)-len(pending)),
		zap.Error(perrs[0].Err))
	return model.Partial(b, s.Name(), len(routed)-len(pending), len(skipped), pending,
		fmt.Errorf("%w: %v", sink.ErrNotConfirmed, perrs[0].Err))
}

func (s *Sink) message(ctx context.Context, topic string, rec model.Record, idx int) *sarama.ProducerMessage {
	msg := &sarama.ProducerMessage{
		Topic:    topic,
		Value:    sarama.ByteEncoder(rec.Payload),
		Metadata: idx,
		Headers: []sarama.RecordHeader{
			{Key: []byte("provider"), Value: []byte(rec.Provider)},
			{Key: []byte("source_kind"), Value: []byte(rec.SourceKind)},
		},
		Timestamp: rec.ReceivedAt,
	}
	if rec.Symbol != "" {
		msg.Key = sarama.StringEncoder(rec.Symbol)
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{msg})
	return msg
}

// Ping обновляет метаданные клиента, проверяя доступность кластера.
func (s *Sink) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	_, span := tracer.Start(ctx, "Ping")
	defer span.End()
	if err := s.client.RefreshMetadata(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", sink.ErrUnreachable, err)
	}
	return nil
}

// Close корректно закрывает продьюсер и клиент.
func (s *Sink) Close() error {
	var errs []error
	if err := s.prod.Close(); err != nil {
		s.log.Error("producer close failed", zap.Error(err))
		errs = append(errs, err)
	}
	if s.client != nil && !s.client.Closed() {
		if err := s.client.Close(); err != nil {
			s.log.Error("client close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	s.log.Info("kafka sink closed")
	return errors.Join(errs...)
}

// headerCarrier injects trace context into record headers.
type headerCarrier struct{ msg *sarama.ProducerMessage }

func (c headerCarrier) Get(key string) string {
	for _, h := range c.msg.Headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	c.msg.Headers = append(c.msg.Headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	out := make([]string, 0, len(c.msg.Headers))
	for _, h := range c.msg.Headers {
		out = append(out, string(h.Key))
	}
	return out
}
