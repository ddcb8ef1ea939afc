// pkg/backoff/scheduler.go
package backoff

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Rand — источник случайности для jitter. *rand.Rand из math/rand
// и math/rand/v2 удовлетворяют интерфейсу, поэтому в тестах
// достаточно передать генератор с фиксированным seed.
type Rand interface {
	Float64() float64
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// NextDelay returns the delay before retry number attempt (1-based):
// min(base*2^(attempt-1), cap) plus a uniform jitter in [0, delay*jitterFraction].
// A nil rnd or a zero jitterFraction gives the bare exponential delay.
func NextDelay(attempt int, base, maxDelay time.Duration, jitterFraction float64, rnd Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}

	delay := base
	for i := 1; i < attempt; i++ {
		if maxDelay > 0 && delay >= maxDelay {
			break
		}
		if delay > math.MaxInt64/2 {
			break
		}
		delay *= 2
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}

	if jitterFraction > 0 && rnd != nil {
		delay += time.Duration(rnd.Float64() * jitterFraction * float64(delay))
	}
	return delay
}

// Scheduler owns the attempt counter of one retrying caller and
// implements backoff.BackOff so it can drive backoff.RetryNotify.
type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	rnd     Rand
	attempt int
}

// NewScheduler создаёт Scheduler. rnd == nil → глобальный генератор.
func NewScheduler(cfg Config, rnd Rand) *Scheduler {
	cfg.applyDefaults()
	if rnd == nil {
		rnd = globalRand{}
	}
	return &Scheduler{cfg: cfg, rnd: rnd, attempt: 1}
}

// NextBackOff returns the delay for the current attempt and advances the counter.
// It never returns backoff.Stop: attempt limits are applied by the caller.
func (s *Scheduler) NextBackOff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := NextDelay(s.attempt, s.cfg.Base, s.cfg.Cap, s.cfg.JitterFraction, s.rnd)
	s.attempt++
	return d
}

// Reset returns the counter to the first attempt.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.attempt = 1
	s.mu.Unlock()
}

// Attempt is the 1-based number of the next retry.
func (s *Scheduler) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

var _ backoff.BackOff = (*Scheduler)(nil)
