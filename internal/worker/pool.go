// internal/worker/pool.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/ingestor/internal/metrics"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
)

// ErrClosed — Submit после Close.
var ErrClosed = errors.New("worker: pool closed")

// Job — единица работы. Паника внутри Job перехватывается и логируется.
type Job func()

// Config — размер пула и очереди.
type Config struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
}

// Validate checks the worker count.
func (c Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("worker: workers must be ≥ 0")
	}
	return nil
}

// Pool runs jobs on a fixed number of goroutines. Submit blocks while
// every worker is busy and the queue is full.
type Pool struct {
	name  string
	log   *logger.Logger
	jobs  chan Job
	wg    sync.WaitGroup
	depth prometheus.Gauge

	mu     sync.RWMutex
	closed bool
}

// New starts cfg.Workers goroutines.
func New(name string, cfg Config, log *logger.Logger) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		name:  name,
		log:   log.Named("worker").With(zap.String("pool", name)),
		jobs:  make(chan Job, cfg.QueueSize),
		depth: metrics.WorkerQueueDepth.WithLabelValues(name),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Submit queues job, blocking until there is room or ctx is done.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- job:
		p.depth.Set(float64(len(p.jobs)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits until queued and running jobs finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.depth.Set(float64(len(p.jobs)))
		p.run(id, job)
	}
}

func (p *Pool) run(id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic recovered",
				zap.Int("worker_id", id),
				zap.Any("error", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	job()
}
