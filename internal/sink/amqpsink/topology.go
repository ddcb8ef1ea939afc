// internal/sink/amqpsink/topology.go
package amqpsink

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/YaganovValera/analytics-system/ingestor/internal/sink"
)

// ExchangeConfig — объявление exchange.
type ExchangeConfig struct {
	Name string `mapstructure:"name"`
	Kind string `mapstructure:"kind"` // topic (default) | direct | fanout | headers
}

// QueueConfig — объявление очереди и её привязки.
type QueueConfig struct {
	Name       string `mapstructure:"name"`
	Exchange   string `mapstructure:"exchange"`
	BindingKey string `mapstructure:"binding_key"`

	// classic queue arguments
	DeadLetterExchange   string        `mapstructure:"dead_letter_exchange"`
	DeadLetterRoutingKey string        `mapstructure:"dead_letter_routing_key"`
	MessageTTL           time.Duration `mapstructure:"message_ttl"`
	MaxLength            int           `mapstructure:"max_length"`

	// stream queue arguments
	Stream                    bool  `mapstructure:"stream"`
	MaxLengthBytes            int64 `mapstructure:"max_length_bytes"`
	StreamMaxSegmentSizeBytes int64 `mapstructure:"stream_max_segment_size_bytes"`
}

// Arguments builds the x-arguments of the queue declaration.
func (q QueueConfig) Arguments() amqp.Table {
	args := amqp.Table{}
	if q.Stream {
		args["x-queue-type"] = "stream"
		if q.MaxLengthBytes > 0 {
			args["x-max-length-bytes"] = q.MaxLengthBytes
		}
		if q.StreamMaxSegmentSizeBytes > 0 {
			args["x-stream-max-segment-size-bytes"] = q.StreamMaxSegmentSizeBytes
		}
		return args
	}
	if q.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = q.DeadLetterExchange
	}
	if q.DeadLetterRoutingKey != "" {
		args["x-dead-letter-routing-key"] = q.DeadLetterRoutingKey
	}
	if q.MessageTTL > 0 {
		args["x-message-ttl"] = q.MessageTTL.Milliseconds()
	}
	if q.MaxLength > 0 {
		args["x-max-length"] = int64(q.MaxLength)
	}
	if q.MaxLengthBytes > 0 {
		args["x-max-length-bytes"] = q.MaxLengthBytes
	}
	return args
}

// declareTopology declares exchanges (configured ones plus any referenced
// by routes), queues and bindings on ch.
func declareTopology(ch Channel, exchanges []ExchangeConfig, queues []QueueConfig, routes []sink.Destination) error {
	declared := make(map[string]bool)
	declare := func(name, kind string) error {
		if name == "" || declared[name] {
			return nil
		}
		if kind == "" {
			kind = amqp.ExchangeTopic
		}
		if err := ch.ExchangeDeclare(name, kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %q: %w", name, err)
		}
		declared[name] = true
		return nil
	}

	for _, ex := range exchanges {
		if err := declare(ex.Name, ex.Kind); err != nil {
			return err
		}
	}
	for _, d := range routes {
		if err := declare(d.Exchange, ""); err != nil {
			return err
		}
	}
	for _, q := range queues {
		if err := declare(q.DeadLetterExchange, ""); err != nil {
			return err
		}
	}

	for _, q := range queues {
		if _, err := ch.QueueDeclare(q.Name, true, false, false, false, q.Arguments()); err != nil {
			return fmt.Errorf("declare queue %q: %w", q.Name, err)
		}
		if q.Exchange == "" {
			continue
		}
		key := q.BindingKey
		if key == "" {
			key = "#"
		}
		if err := ch.QueueBind(q.Name, key, q.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %q to %q: %w", q.Name, q.Exchange, err)
		}
	}
	return nil
}
