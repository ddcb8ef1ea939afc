// internal/sink/sink.go
package sink

import (
	"context"
	"errors"

	"github.com/YaganovValera/analytics-system/ingestor/internal/model"
)

var (
	// ErrUnreachable — целевая система недоступна (нет соединения).
	ErrUnreachable = errors.New("sink: target unreachable")
	// ErrNotConfirmed — цель не подтвердила приём (nack, timeout).
	ErrNotConfirmed = errors.New("sink: delivery not confirmed")
)

// Sink delivers batches to a durable target. Deliver never panics on
// target failure; the outcome is always described by the Confirmation.
// Implementations serialize Deliver internally.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, b model.Batch) model.Confirmation
	Close() error
}

// Pinger is implemented by sinks that can check target reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
