// internal/buffer/buffer.go
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/ingestor/internal/metrics"
	"github.com/YaganovValera/analytics-system/ingestor/internal/model"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
)

var (
	// ErrOverflow — очередь заполнена и политика reject.
	ErrOverflow = errors.New("buffer: overflow")
	// ErrClosed — буфер уже выполнил финальный сброс.
	ErrClosed = errors.New("buffer: closed")
)

// Overflow — поведение Enqueue при заполненной очереди (только если MaxLen > 0).
type Overflow string

const (
	OverflowBlock      Overflow = "block"
	OverflowDropOldest Overflow = "drop_oldest"
	OverflowReject     Overflow = "reject"
)

// Config — триггеры сброса и необязательная граница очереди.
type Config struct {
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	MaxLen        int           `mapstructure:"max_len"`  // 0 → без ограничения
	Overflow      Overflow      `mapstructure:"overflow"` // block | drop_oldest | reject
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.Overflow == "" {
		c.Overflow = OverflowBlock
	}
}

// Validate checks the overflow section.
func (c Config) Validate() error {
	if c.MaxLen < 0 {
		return fmt.Errorf("buffer: max_len must be ≥ 0")
	}
	switch c.Overflow {
	case "", OverflowBlock, OverflowDropOldest, OverflowReject:
	default:
		return fmt.Errorf("buffer: unknown overflow policy %q", c.Overflow)
	}
	if c.MaxLen > 0 && c.MaxLen < c.BatchSize {
		return fmt.Errorf("buffer: max_len (%d) must be ≥ batch_size (%d)", c.MaxLen, c.BatchSize)
	}
	return nil
}

// HandoffFunc receives every non-empty drained batch. Failures stay with
// the callee: the buffer never re-enqueues.
type HandoffFunc func(ctx context.Context, b model.Batch)

// Buffer accumulates records from many producers and flushes them as
// batches on a size or time trigger.
type Buffer struct {
	name string
	cfg  Config
	log  *logger.Logger

	mu       sync.Mutex
	notFull  *sync.Cond
	queue    []model.Record
	closed   bool
	sizeFull chan struct{}

	depth   prometheus.Gauge
	dropped prometheus.Counter
}

// New builds a buffer. name labels metrics and logs.
func New(name string, cfg Config, log *logger.Logger) (*Buffer, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Buffer{
		name:     name,
		cfg:      cfg,
		log:      log.Named("buffer").With(zap.String("buffer", name)),
		sizeFull: make(chan struct{}, 1),
		depth:    metrics.BufferDepth.WithLabelValues(name),
		dropped:  metrics.BufferDropped.WithLabelValues(name, string(cfg.Overflow)),
	}
	b.notFull = sync.NewCond(&b.mu)
	return b, nil
}

// Enqueue appends r. It never blocks unless MaxLen is set with the block policy.
func (b *Buffer) Enqueue(r model.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.cfg.MaxLen > 0 {
		for len(b.queue) >= b.cfg.MaxLen {
			switch b.cfg.Overflow {
			case OverflowReject:
				b.dropped.Inc()
				return ErrOverflow
			case OverflowDropOldest:
				b.queue[0] = model.Record{}
				b.queue = b.queue[1:]
				b.dropped.Inc()
			default:
				b.notFull.Wait()
				if b.closed {
					return ErrClosed
				}
			}
		}
	}

	b.queue = append(b.queue, r)
	b.depth.Set(float64(len(b.queue)))
	if len(b.queue) >= b.cfg.BatchSize {
		select {
		case b.sizeFull <- struct{}{}:
		default:
		}
	}
	return nil
}

// Len returns the number of queued records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Drain atomically removes every queued record in FIFO order. The batch
// is empty when nothing was queued.
func (b *Buffer) Drain() model.Batch {
	b.mu.Lock()
	recs := b.queue
	b.queue = nil
	b.depth.Set(0)
	b.notFull.Broadcast()
	b.mu.Unlock()

	if len(recs) == 0 {
		return model.Batch{CreatedAt: time.Now()}
	}
	return model.NewBatch(recs)
}

// Run evaluates both triggers until ctx is done, then performs a final
// drain and closes the buffer. The final hand-off gets a context that is
// not cancelled with ctx.
func (b *Buffer) Run(ctx context.Context, handoff HandoffFunc) {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.closed = true
			b.notFull.Broadcast()
			b.mu.Unlock()

			if batch := b.Drain(); !batch.Empty() {
				b.log.Info("final drain", zap.Int("records", batch.Len()))
				b.flush(context.WithoutCancel(ctx), "final", batch, handoff)
			}
			return
		case <-b.sizeFull:
			b.flush(ctx, "size", b.Drain(), handoff)
		case <-ticker.C:
			b.flush(ctx, "time", b.Drain(), handoff)
		}
	}
}

func (b *Buffer) flush(ctx context.Context, trigger string, batch model.Batch, handoff HandoffFunc) {
	if batch.Empty() {
		return
	}
	metrics.Flushes.WithLabelValues(b.name, trigger).Inc()
	b.log.Debug("flush",
		zap.String("trigger", trigger),
		zap.String("batch_id", batch.ID),
		zap.Int("records", batch.Len()))
	handoff(ctx, batch)
}
