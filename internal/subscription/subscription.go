// internal/subscription/subscription.go
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/ingestor/internal/metrics"
	"github.com/YaganovValera/analytics-system/ingestor/internal/model"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/backoff"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
)

var tracer = otel.Tracer("internal/subscription")

var (
	// ErrAlreadyStarted — повторный вызов Start.
	ErrAlreadyStarted = errors.New("subscription: already started")
	// ErrTerminated — подписка уже остановлена.
	ErrTerminated = errors.New("subscription: terminated")
)

// Source is an upstream that can open a record stream.
type Source interface {
	Name() string
	Connect(ctx context.Context) (Stream, error)
}

// Stream is one open upstream connection. Any error from Next, io.EOF
// included, ends the stream. Close must be safe to call more than once.
type Stream interface {
	Next(ctx context.Context) (model.Record, error)
	Close() error
}

// Config — параметры подписки.
type Config struct {
	Backoff        backoff.Config `mapstructure:"backoff"`
	ConnectTimeout time.Duration  `mapstructure:"connect_timeout"`
}

func (c *Config) applyDefaults() {
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = time.Second
	}
	if c.Backoff.Cap <= 0 {
		c.Backoff.Cap = 60 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

// Validate checks the backoff section.
func (c Config) Validate() error {
	if err := c.Backoff.Validate(); err != nil {
		return fmt.Errorf("subscription: %w", err)
	}
	return nil
}

// TransitionFunc is called after every state change, outside the lock.
type TransitionFunc func(source string, from, to Status)

// Subscription keeps one upstream stream alive across disconnects and
// forwards its records in receipt order.
type Subscription struct {
	src   Source
	cfg   Config
	log   *logger.Logger
	sched *backoff.Scheduler
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu           sync.Mutex
	status       Status
	started      bool
	stopped      bool
	onTransition TransitionFunc
	cancel       context.CancelFunc
	done         chan struct{}

	stopOnce sync.Once
}

// Option configures a Subscription.
type Option func(*Subscription)

// WithRand fixes the jitter source.
func WithRand(rnd backoff.Rand) Option {
	return func(s *Subscription) { s.sched = backoff.NewScheduler(s.cfg.Backoff, rnd) }
}

// WithSleep replaces the cancellable backoff wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Subscription) { s.sleep = fn }
}

// WithClock replaces time.Now for ResumeAt.
func WithClock(now func() time.Time) Option {
	return func(s *Subscription) { s.now = now }
}

// New builds an idle subscription over src.
func New(src Source, cfg Config, log *logger.Logger, opts ...Option) (*Subscription, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Subscription{
		src:    src,
		cfg:    cfg,
		log:    log.Named("subscription").With(zap.String("source", src.Name())),
		sched:  backoff.NewScheduler(cfg.Backoff, nil),
		sleep:  sleepCtx,
		now:    time.Now,
		status: Status{State: StateIdle},
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Name returns the source name.
func (s *Subscription) Name() string { return s.src.Name() }

// OnTransition registers the transition hook. Must be called before Start.
func (s *Subscription) OnTransition(fn TransitionFunc) {
	s.mu.Lock()
	s.onTransition = fn
	s.mu.Unlock()
}

// Status returns a snapshot of the current state.
func (s *Subscription) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Start begins connecting and returns the record channel. The channel is
// closed once the subscription terminates.
func (s *Subscription) Start(ctx context.Context) (<-chan model.Record, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrTerminated
	}
	if s.started {
		s.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	in := make(chan model.Record)
	out := make(chan model.Record)
	pumpDone := make(chan struct{})

	go func() {
		defer close(pumpDone)
		s.pump(runCtx, in, out)
	}()
	go func() {
		defer close(s.done)
		s.run(runCtx, in)
		close(in)
		<-pumpDone
		s.transition(StateTerminated, 0, time.Time{}, nil)
	}()
	return out, nil
}

// Stop terminates the subscription and waits for its goroutines.
// Safe to call any number of times, before or after Start.
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		started := s.started
		cancel := s.cancel
		s.mu.Unlock()

		if !started {
			s.transition(StateTerminated, 0, time.Time{}, nil)
			return
		}
		cancel()
		<-s.done
	})
}

// ---- loop ----

func (s *Subscription) run(ctx context.Context, in chan<- model.Record) {
	var lastErr error
	for {
		if ctx.Err() != nil {
			return
		}

		s.transition(StateConnecting, s.sched.Attempt(), time.Time{}, lastErr)
		stream, err := s.connect(ctx)
		if err == nil {
			s.sched.Reset()
			s.transition(StateStreaming, 0, time.Time{}, nil)
			err = s.consume(ctx, stream, in)
			if cerr := stream.Close(); cerr != nil {
				s.log.Debug("stream close", zap.Error(cerr))
			}
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		s.log.Warn("upstream lost", zap.Int("attempt", s.sched.Attempt()), zap.Error(err))

		attempt := s.sched.Attempt()
		if limit := s.cfg.Backoff.MaxAttempts; limit > 0 && attempt >= limit {
			s.log.Error("giving up after max attempts",
				zap.Int("attempts", attempt), zap.Error(err))
			s.setLastError(err)
			return
		}
		delay := s.sched.NextBackOff()
		s.transition(StateBackoff, attempt, s.now().Add(delay), err)
		if err := s.sleep(ctx, delay); err != nil {
			return
		}
	}
}

func (s *Subscription) connect(ctx context.Context) (Stream, error) {
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()
	span.SetAttributes(attribute.String("source", s.src.Name()))

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	stream, err := s.src.Connect(cctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		return nil, fmt.Errorf("connect %s: %w", s.src.Name(), err)
	}
	return stream, nil
}

func (s *Subscription) consume(ctx context.Context, stream Stream, in chan<- model.Record) error {
	// Close unblocks a Next that ignores ctx (e.g. a websocket read).
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()

	received := metrics.RecordsReceived.WithLabelValues(s.src.Name())
	for {
		rec, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		received.Inc()
		select {
		case in <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pump decouples the upstream read loop from a slow consumer with an
// unbounded in-memory queue.
func (s *Subscription) pump(ctx context.Context, in <-chan model.Record, out chan<- model.Record) {
	defer close(out)
	var queue []model.Record
	for {
		var (
			send chan<- model.Record
			head model.Record
		)
		if len(queue) > 0 {
			send = out
			head = queue[0]
		}
		select {
		case rec, ok := <-in:
			if !ok {
				if len(queue) > 0 {
					s.log.Warn("records discarded at stop", zap.Int("count", len(queue)))
				}
				return
			}
			queue = append(queue, rec)
		case send <- head:
			queue[0] = model.Record{}
			queue = queue[1:]
		case <-ctx.Done():
			// drain the producer side so run can exit
			for range in {
			}
			if len(queue) > 0 {
				s.log.Warn("records discarded at stop", zap.Int("count", len(queue)))
			}
			return
		}
	}
}

func (s *Subscription) transition(state State, attempt int, resumeAt time.Time, lastErr error) {
	s.mu.Lock()
	from := s.status
	if from.State == StateTerminated {
		s.mu.Unlock()
		return
	}
	to := Status{State: state, Attempt: attempt, ResumeAt: resumeAt, LastError: lastErr}
	if state == StateTerminated {
		to.LastError = from.LastError
	}
	s.status = to
	hook := s.onTransition
	s.mu.Unlock()

	name := s.src.Name()
	metrics.SubscriptionTransitions.WithLabelValues(name, state.String()).Inc()
	metrics.SubscriptionState.WithLabelValues(name).Set(float64(state))
	if hook != nil {
		hook(name, from, to)
	}
}

func (s *Subscription) setLastError(err error) {
	s.mu.Lock()
	s.status.LastError = err
	s.mu.Unlock()
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
