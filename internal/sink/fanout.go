// internal/sink/fanout.go
package sink

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/analytics-system/ingestor/internal/model"
)

// Fanout delivers every batch to several sinks concurrently. Each sink
// retries on its own, so a slow target does not cause duplicates in the
// others.
type Fanout struct {
	deliverers []*Deliverer
}

// NewFanout builds a composite over deliverers.
func NewFanout(deliverers ...*Deliverer) *Fanout {
	return &Fanout{deliverers: deliverers}
}

// Deliver returns one confirmation per sink, in construction order.
func (f *Fanout) Deliver(ctx context.Context, b model.Batch) []model.Confirmation {
	out := make([]model.Confirmation, len(f.deliverers))
	var g errgroup.Group
	for i, d := range f.deliverers {
		g.Go(func() error {
			out[i] = d.Deliver(ctx, b)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Sinks returns the wrapped sinks.
func (f *Fanout) Sinks() []Sink {
	out := make([]Sink, 0, len(f.deliverers))
	for _, d := range f.deliverers {
		out = append(out, d.Sink())
	}
	return out
}

// Ping checks every sink that supports it.
func (f *Fanout) Ping(ctx context.Context) error {
	var errs []error
	for _, s := range f.Sinks() {
		if p, ok := s.(Pinger); ok {
			if err := p.Ping(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.Sinks() {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AllOK reports whether every confirmation is Accepted.
func AllOK(cs []model.Confirmation) bool {
	for _, c := range cs {
		if !c.OK() {
			return false
		}
	}
	return true
}
