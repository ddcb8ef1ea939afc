// internal/control/kafka.go
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/ingestor/pkg/backoff"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
)

var tracer = otel.Tracer("internal/control")

// KafkaConfig — consumer group для топика управляющих команд.
type KafkaConfig struct {
	Brokers []string       `mapstructure:"brokers"`
	GroupID string         `mapstructure:"group_id"`
	Version string         `mapstructure:"version"`
	Topic   string         `mapstructure:"topic"`
	Backoff backoff.Config `mapstructure:"backoff"`
}

// Enabled reports whether the control topic is configured.
func (c KafkaConfig) Enabled() bool { return c.Topic != "" }

func (c *KafkaConfig) applyDefaults() {
	if c.GroupID == "" {
		c.GroupID = "ingestor-control"
	}
	if c.Version == "" {
		c.Version = "2.8.0"
	}
}

func (c KafkaConfig) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("control consumer: brokers required")
	}
	if c.Topic == "" {
		return fmt.Errorf("control consumer: topic required")
	}
	if _, err := sarama.ParseKafkaVersion(c.Version); err != nil {
		return fmt.Errorf("control consumer: invalid version %q: %w", c.Version, err)
	}
	return c.Backoff.Validate()
}

// Consumer reads {"command": ...} records and dispatches them to a Controller.
type Consumer struct {
	group   sarama.ConsumerGroup
	handler sarama.ConsumerGroupHandler
	topic   string
	ctl     Controller
	log     *logger.Logger
	pause   *backoff.Scheduler
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewKafkaConsumer connects the consumer group with retries.
func NewKafkaConsumer(ctx context.Context, cfg KafkaConfig, ctl Controller, log *logger.Logger) (*Consumer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("control-kafka")

	version, _ := sarama.ParseKafkaVersion(cfg.Version)
	sarCfg := sarama.NewConfig()
	sarCfg.Version = version
	sarCfg.Consumer.Return.Errors = true
	// only commands published after startup matter
	sarCfg.Consumer.Offsets.Initial = sarama.OffsetNewest

	policy, err := backoff.NewPolicy("control-connect", cfg.Backoff, log)
	if err != nil {
		return nil, err
	}

	var group sarama.ConsumerGroup
	ctxConn, span := tracer.Start(ctx, "Connect", trace.WithAttributes(
		attribute.StringSlice("brokers", cfg.Brokers),
		attribute.String("group", cfg.GroupID)))
	err = policy.Execute(ctxConn, func(context.Context) error {
		g, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sarCfg)
		if err != nil {
			return err
		}
		group = g
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.End()
		return nil, fmt.Errorf("control consumer: connect failed: %w", err)
	}
	span.End()

	log.Info("consumer group connected",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("group", cfg.GroupID),
		zap.String("topic", cfg.Topic))
	c := NewWithGroup(group, cfg.Topic, cfg.Backoff, ctl, log)
	// span на каждое сообщение; handle продолжает его через заголовки
	c.handler = otelsarama.WrapConsumerGroupHandler(c.handler)
	return c, nil
}

// NewWithGroup wraps an existing consumer group.
func NewWithGroup(group sarama.ConsumerGroup, topic string, pause backoff.Config, ctl Controller, log *logger.Logger) *Consumer {
	c := &Consumer{
		group: group,
		topic: topic,
		ctl:   ctl,
		log:   log,
		pause: backoff.NewScheduler(pause, nil),
		sleep: sleepCtx,
	}
	c.handler = &handler{c: c}
	return c
}

// Run consumes until ctx is done. Failed sessions are retried after a back-off pause.
func (c *Consumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.log.Warn("consumer group error", zap.Error(err))
		}
	}()

	for {
		err := c.group.Consume(ctx, []string{c.topic}, c.handler)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			delay := c.pause.NextBackOff()
			c.log.Error("consume session failed", zap.Error(err), zap.Duration("pause", delay))
			if err := c.sleep(ctx, delay); err != nil {
				return nil
			}
			continue
		}
		c.pause.Reset()
	}
}

// Close закрывает ConsumerGroup.
func (c *Consumer) Close() error {
	return c.group.Close()
}

// handle decodes and dispatches one record. Records are always marked:
// a malformed or failed command is logged, never redelivered.
func (c *Consumer) handle(ctx context.Context, m *sarama.ConsumerMessage) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, consumerHeaders(m.Headers))
	ctx, span := tracer.Start(ctx, "HandleCommand", trace.WithAttributes(
		attribute.String("topic", m.Topic),
		attribute.Int64("offset", m.Offset)))
	defer span.End()

	cmd, err := DecodeMessage(m.Value)
	if err != nil {
		span.RecordError(err)
		c.log.WithContext(ctx).Warn("invalid control message",
			zap.Int64("offset", m.Offset), zap.ByteString("value", m.Value), zap.Error(err))
		return
	}
	c.log.WithContext(ctx).Info("control command", zap.String("command", string(cmd)), zap.String("via", "kafka"))
	if err := Dispatch(ctx, c.ctl, cmd); err != nil {
		span.RecordError(err)
		c.log.WithContext(ctx).Error("control command failed", zap.String("command", string(cmd)), zap.Error(err))
	}
}

// ---- sarama handler ----

type handler struct{ c *Consumer }

func (h *handler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *handler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *handler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case m, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.c.handle(sess.Context(), m)
			sess.MarkMessage(m, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}

// consumerHeaders extracts trace context from record headers.
type consumerHeaders []*sarama.RecordHeader

func (h consumerHeaders) Get(key string) string {
	for _, hdr := range h {
		if hdr != nil && string(hdr.Key) == key {
			return string(hdr.Value)
		}
	}
	return ""
}

func (h consumerHeaders) Set(string, string) {}

func (h consumerHeaders) Keys() []string {
	out := make([]string, 0, len(h))
	for _, hdr := range h {
		if hdr != nil {
			out = append(out, string(hdr.Key))
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
