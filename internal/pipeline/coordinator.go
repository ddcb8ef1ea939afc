// internal/pipeline/coordinator.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/ingestor/internal/buffer"
	"github.com/YaganovValera/analytics-system/ingestor/internal/model"
	"github.com/YaganovValera/analytics-system/ingestor/internal/sink"
	"github.com/YaganovValera/analytics-system/ingestor/internal/subscription"
	"github.com/YaganovValera/analytics-system/ingestor/internal/worker"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
)

// ErrNoSources is returned by New when nothing is configured to ingest.
var ErrNoSources = errors.New("pipeline: no sources configured")

// Config объединяет настройки подписок, буферов и пула доставки.
type Config struct {
	Subscription subscription.Config `mapstructure:"subscription"`
	Buffer       buffer.Config       `mapstructure:"buffer"`
	Workers      worker.Config       `mapstructure:"workers"`
	// StopTimeout bounds how long Stop waits for in-flight deliveries
	// before cancelling them.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

func (c *Config) applyDefaults() {
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
}

// Validate checks every nested section.
func (c Config) Validate() error {
	if err := c.Subscription.Validate(); err != nil {
		return fmt.Errorf("subscription: %w", err)
	}
	if err := c.Buffer.Validate(); err != nil {
		return fmt.Errorf("buffer: %w", err)
	}
	if err := c.Workers.Validate(); err != nil {
		return fmt.Errorf("workers: %w", err)
	}
	return nil
}

// Deliverer is the delivery side of the pipeline. *sink.Fanout implements it.
type Deliverer interface {
	Deliver(ctx context.Context, b model.Batch) []model.Confirmation
	Ping(ctx context.Context) error
	Close() error
}

var _ Deliverer = (*sink.Fanout)(nil)

// Coordinator wires sources to sinks and supervises the lifecycle.
// Start, Stop and Restart are idempotent and serialized.
type Coordinator struct {
	cfg     Config
	sources []subscription.Source
	out     Deliverer
	log     *logger.Logger
	subOpts []subscription.Option

	lifecycle sync.Mutex // serializes Start/Stop/Restart/Close

	mu     sync.RWMutex
	run    *run
	closed bool

	delivered atomic.Int64
	failed    atomic.Int64
	records   atomic.Int64
}

// run holds everything created by one Start.
type run struct {
	startedAt     time.Time
	cancelSubs    context.CancelFunc
	cancelBuffers context.CancelFunc
	cancelDeliver context.CancelFunc
	lanes         []*lane
	pool          *worker.Pool
	forwarders    sync.WaitGroup
	buffers       sync.WaitGroup
}

// lane is one source with its subscription and buffer.
type lane struct {
	sub *subscription.Subscription
	buf *buffer.Buffer
}

// Option настраивает Coordinator.
type Option func(*Coordinator)

// WithSubscriptionOptions passes options to every subscription created on Start.
func WithSubscriptionOptions(opts ...subscription.Option) Option {
	return func(c *Coordinator) { c.subOpts = append(c.subOpts, opts...) }
}

// New validates cfg. Nothing is started until Start.
func New(cfg Config, sources []subscription.Source, out Deliverer, log *logger.Logger, opts ...Option) (*Coordinator, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	if out == nil {
		return nil, fmt.Errorf("pipeline: deliverer is required")
	}
	c := &Coordinator{
		cfg:     cfg,
		sources: sources,
		out:     out,
		log:     log.Named("pipeline"),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ---- lifecycle ----

// Start creates fresh subscriptions and buffers and begins ingestion.
// ctx supplies values only: the pipeline runs until Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.startLocked(ctx)
}

// Stop halts ingestion, flushes buffers and waits for in-flight deliveries.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.stopLocked(ctx)
	return nil
}

// Restart is Stop followed by Start.
func (c *Coordinator) Restart(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.log.WithContext(ctx).Info("restart requested")
	c.stopLocked(ctx)
	return c.startLocked(ctx)
}

// Close stops the pipeline and closes every sink. Start fails afterwards.
func (c *Coordinator) Close(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.stopLocked(ctx)

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	if err := c.out.Close(); err != nil {
		c.log.WithContext(ctx).Error("sinks close failed", zap.Error(err))
		return fmt.Errorf("pipeline: close sinks: %w", err)
	}
	c.log.WithContext(ctx).Info("sinks closed")
	return nil
}

// Running reports whether ingestion is active.
func (c *Coordinator) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.run != nil
}

// Ready pings every sink.
func (c *Coordinator) Ready(ctx context.Context) error {
	return c.out.Ping(ctx)
}

func (c *Coordinator) startLocked(ctx context.Context) error {
	c.mu.RLock()
	running, closed := c.run != nil, c.closed
	c.mu.RUnlock()
	if closed {
		return fmt.Errorf("pipeline: %w", subscription.ErrTerminated)
	}
	if running {
		c.log.WithContext(ctx).Debug("start ignored: already running")
		return nil
	}

	base := context.WithoutCancel(ctx)
	subCtx, cancelSubs := context.WithCancel(base)
	bufCtx, cancelBuffers := context.WithCancel(base)
	deliverCtx, cancelDeliver := context.WithCancel(base)

	r := &run{
		startedAt:     time.Now(),
		cancelSubs:    cancelSubs,
		cancelBuffers: cancelBuffers,
		cancelDeliver: cancelDeliver,
		pool:          worker.New("delivery", c.cfg.Workers, c.log),
	}

	for _, src := range c.sources {
		l, ch, err := c.openLane(subCtx, src)
		if err != nil {
			c.teardown(ctx, r)
			return err
		}
		r.lanes = append(r.lanes, l)

		r.forwarders.Add(1)
		go func() {
			defer r.forwarders.Done()
			c.forward(l, ch)
		}()

		r.buffers.Add(1)
		go func() {
			defer r.buffers.Done()
			l.buf.Run(bufCtx, c.handoff(r.pool, deliverCtx))
		}()
	}
	c.mu.Lock()
	c.run = r
	c.mu.Unlock()

	c.log.WithContext(ctx).Info("pipeline started", zap.Int("sources", len(r.lanes)))
	return nil
}

func (c *Coordinator) openLane(ctx context.Context, src subscription.Source) (*lane, <-chan model.Record, error) {
	sub, err := subscription.New(src, c.cfg.Subscription, c.log, c.subOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: source %s: %w", src.Name(), err)
	}
	sub.OnTransition(c.logTransition)

	buf, err := buffer.New(src.Name(), c.cfg.Buffer, c.log)
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: source %s: %w", src.Name(), err)
	}

	ch, err := sub.Start(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: source %s: %w", src.Name(), err)
	}
	return &lane{sub: sub, buf: buf}, ch, nil
}

// forward moves records from the subscription into the buffer until the
// subscription channel closes.
func (c *Coordinator) forward(l *lane, ch <-chan model.Record) {
	for rec := range ch {
		if err := l.buf.Enqueue(rec); err != nil {
			c.log.Warn("record not buffered",
				zap.String("source", l.sub.Name()),
				zap.String("symbol", rec.Symbol),
				zap.Error(err))
			continue
		}
		c.records.Add(1)
	}
}

// handoff submits each drained batch to the pool. Submit blocks the buffer
// loop while every worker is busy. When ctx ends during Submit the batch is
// delivered inline so that the final drain is never lost.
func (c *Coordinator) handoff(pool *worker.Pool, deliverCtx context.Context) buffer.HandoffFunc {
	return func(ctx context.Context, b model.Batch) {
		job := func() { c.deliver(deliverCtx, b) }
		if err := pool.Submit(ctx, job); err != nil {
			c.log.Warn("pool unavailable, delivering inline",
				zap.String("batch_id", b.ID), zap.Error(err))
			job()
		}
	}
}

func (c *Coordinator) deliver(ctx context.Context, b model.Batch) {
	results := c.out.Deliver(ctx, b)
	if sink.AllOK(results) {
		c.delivered.Add(1)
	} else {
		c.failed.Add(1)
	}
	for _, res := range results {
		if res.OK() {
			c.log.Debug("delivery outcome", zap.Stringer("confirmation", res))
			continue
		}
		c.log.Error("delivery outcome",
			zap.Stringer("confirmation", res),
			zap.Int("pending", len(res.Remaining(b).Records)),
			zap.Error(res.Err))
	}
}

func (c *Coordinator) logTransition(source string, from, to subscription.Status) {
	fields := []zap.Field{
		zap.String("source", source),
		zap.Stringer("from", from.State),
		zap.Stringer("to", to.State),
		zap.Int("attempt", to.Attempt),
	}
	switch to.State {
	case subscription.StateBackoff:
		fields = append(fields, zap.Time("resume_at", to.ResumeAt))
		if to.LastError != nil {
			fields = append(fields, zap.Error(to.LastError))
		}
		c.log.Warn("subscription transition", fields...)
	case subscription.StateTerminated:
		if to.LastError != nil {
			fields = append(fields, zap.Error(to.LastError))
		}
		c.log.Info("subscription transition", fields...)
	default:
		c.log.Info("subscription transition", fields...)
	}
}

func (c *Coordinator) stopLocked(ctx context.Context) {
	c.mu.Lock()
	r := c.run
	c.run = nil
	c.mu.Unlock()
	if r == nil {
		return
	}
	c.log.WithContext(ctx).Info("stopping pipeline")
	c.teardown(ctx, r)
	c.log.WithContext(ctx).Info("pipeline stopped",
		zap.Duration("uptime", time.Since(r.startedAt)))
}

// teardown: subscriptions → forwarders → buffers (final drain) → pool.
func (c *Coordinator) teardown(ctx context.Context, r *run) {
	for _, l := range r.lanes {
		l.sub.Stop()
	}
	r.cancelSubs()
	r.forwarders.Wait()

	r.cancelBuffers()
	r.buffers.Wait()

	drained := make(chan struct{})
	go func() {
		r.pool.Close()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(c.cfg.StopTimeout):
		c.log.WithContext(ctx).Warn("in-flight deliveries exceeded stop timeout, cancelling",
			zap.Duration("timeout", c.cfg.StopTimeout))
		r.cancelDeliver()
		<-drained
	}
	r.cancelDeliver()
}

// ---- status ----

// SourceStatus — состояние одного источника.
type SourceStatus struct {
	Name         string              `json:"name"`
	Subscription subscription.Status `json:"subscription"`
	Buffered     int                 `json:"buffered"`
}

// Status — снимок состояния конвейера для control-поверхности.
type Status struct {
	Running          bool           `json:"running"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	Sources          []SourceStatus `json:"sources"`
	RecordsBuffered  int64          `json:"records_buffered_total"`
	BatchesDelivered int64          `json:"batches_delivered_total"`
	BatchesFailed    int64          `json:"batches_failed_total"`
}

// Status returns a snapshot. It never waits for a lifecycle operation.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	r := c.run
	c.mu.RUnlock()

	st := Status{
		Running:          r != nil,
		Sources:          []SourceStatus{},
		RecordsBuffered:  c.records.Load(),
		BatchesDelivered: c.delivered.Load(),
		BatchesFailed:    c.failed.Load(),
	}
	if r == nil {
		return st
	}
	started := r.startedAt
	st.StartedAt = &started
	for _, l := range r.lanes {
		st.Sources = append(st.Sources, SourceStatus{
			Name:         l.sub.Name(),
			Subscription: l.sub.Status(),
			Buffered:     l.buf.Len(),
		})
	}
	return st
}
