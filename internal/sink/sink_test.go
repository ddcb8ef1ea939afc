package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/analytics-system/ingestor/internal/model"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/backoff"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
)

func rec(kind string, i int) model.Record {
	return model.Record{Provider: "binance", SourceKind: kind, Symbol: fmt.Sprint(i), Payload: []byte(`{}`)}
}

// scriptedSink returns the scripted outcome for each call, then accepts.
type scriptedSink struct {
	mu     sync.Mutex
	script []func(b model.Batch) model.Confirmation
	seen   []model.Batch
	pings  error
	closed bool
}

func (s *scriptedSink) Name() string { return "scripted" }

func (s *scriptedSink) Deliver(_ context.Context, b model.Batch) model.Confirmation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, b)
	if len(s.script) == 0 {
		return model.Accepted(b, s.Name(), b.Len(), 0)
	}
	step := s.script[0]
	s.script = s.script[1:]
	return step(b)
}

func (s *scriptedSink) Ping(context.Context) error { return s.pings }

func (s *scriptedSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func fastDelivery() DeliveryConfig {
	return DeliveryConfig{
		Retry:           backoff.Config{Base: time.Millisecond, Cap: 2 * time.Millisecond, MaxAttempts: 3},
		DeliveryTimeout: time.Second,
	}
}

func TestRouter(t *testing.T) {
	r, err := NewRouter([]Route{
		{Provider: "binance", SourceKind: "trade", Exchange: "market", RoutingKey: "binance.trade", Table: "trades"},
		{Provider: "binance", SourceKind: "depthUpdate", Exchange: "market", RoutingKey: "binance.depth"},
	})
	require.NoError(t, err)

	b := model.NewBatch([]model.Record{rec("trade", 1), rec("kline", 2), rec("depthUpdate", 3), rec("trade", 4)})

	groups, skipped := r.Partition(b, nil)
	require.Len(t, groups, 2)
	assert.Equal(t, "binance.trade", groups[0].Dest.RoutingKey)
	assert.Len(t, groups[0].Records, 2)
	assert.Equal(t, "4", groups[0].Records[1].Symbol)
	require.Len(t, skipped, 1)
	assert.Equal(t, []string{"binance/kline"}, SkippedKeys(skipped))

	// only routes with a table are usable by a store sink
	groups, skipped = r.Partition(b, func(d Destination) bool { return d.Table != "" })
	require.Len(t, groups, 1)
	assert.Equal(t, "trades", groups[0].Dest.Table)
	assert.Len(t, skipped, 2)
}

func TestRouterRejectsBadRoutes(t *testing.T) {
	_, err := NewRouter([]Route{{Provider: "binance"}})
	assert.Error(t, err)

	_, err = NewRouter([]Route{
		{Provider: "a", SourceKind: "b"},
		{Provider: "a", SourceKind: "b"},
	})
	assert.Error(t, err)
}

func TestDelivererRetriesOnlyRemainingTail(t *testing.T) {
	b := model.NewBatch([]model.Record{rec("trade", 1), rec("trade", 2), rec("trade", 3)})
	s := &scriptedSink{script: []func(model.Batch) model.Confirmation{
		func(b model.Batch) model.Confirmation {
			return model.Partial(b, "scripted", 1, 0, b.Records[1:], errors.New("chunk 2 failed"))
		},
	}}
	d, err := NewDeliverer(s, fastDelivery(), logger.NewNop())
	require.NoError(t, err)

	c := d.Deliver(context.Background(), b)
	assert.True(t, c.OK())
	assert.Equal(t, 3, c.Committed)
	assert.Equal(t, b.ID, c.BatchID)

	require.Len(t, s.seen, 2)
	assert.Equal(t, 3, s.seen[0].Len())
	assert.Equal(t, 2, s.seen[1].Len())
	assert.Equal(t, "2", s.seen[1].Records[0].Symbol)
}

func TestDelivererGivesUpWithRecordsIntact(t *testing.T) {
	b := model.NewBatch([]model.Record{rec("trade", 1), rec("trade", 2)})
	reject := func(b model.Batch) model.Confirmation {
		return model.Rejected(b, "scripted", ErrUnreachable)
	}
	s := &scriptedSink{script: []func(model.Batch) model.Confirmation{reject, reject, reject, reject}}
	d, err := NewDeliverer(s, fastDelivery(), logger.NewNop())
	require.NoError(t, err)

	c := d.Deliver(context.Background(), b)
	assert.False(t, c.OK())
	assert.Equal(t, model.StatusRejected, c.Status)
	assert.ErrorIs(t, c.Err, ErrUnreachable)
	assert.Equal(t, b.Records, c.Remaining(b).Records)
	assert.Len(t, s.seen, 3)
}

// alwaysDown rejects every delivery and counts the calls.
type alwaysDown struct {
	mu    sync.Mutex
	calls int
}

func (s *alwaysDown) Name() string { return "down" }
func (s *alwaysDown) Close() error { return nil }

func (s *alwaysDown) Deliver(_ context.Context, b model.Batch) model.Confirmation {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return model.Rejected(b, s.Name(), ErrUnreachable)
}

func (s *alwaysDown) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestDelivererUnboundedRetriesUntilContextEnds(t *testing.T) {
	s := &alwaysDown{}
	d, err := NewDeliverer(s, DeliveryConfig{
		Retry: backoff.Config{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: 0},
	}, logger.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	b := model.NewBatch([]model.Record{rec("trade", 1), rec("trade", 2)})
	start := time.Now()
	c := d.Deliver(ctx, b)

	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond, "kept retrying while ctx was live")
	assert.Greater(t, s.Calls(), 5)
	assert.Equal(t, model.StatusRejected, c.Status)
	assert.ErrorIs(t, c.Err, context.DeadlineExceeded)
	assert.Equal(t, b.Records, c.Remaining(b).Records)
}

func TestDelivererSkippedRecordsAreNotRetried(t *testing.T) {
	b := model.NewBatch([]model.Record{rec("trade", 1), rec("kline", 2)})
	s := &scriptedSink{script: []func(model.Batch) model.Confirmation{
		func(b model.Batch) model.Confirmation { return model.Accepted(b, "scripted", 1, 1) },
	}}
	d, err := NewDeliverer(s, fastDelivery(), logger.NewNop())
	require.NoError(t, err)

	c := d.Deliver(context.Background(), b)
	assert.True(t, c.OK())
	assert.Equal(t, 1, c.Skipped)
	assert.Len(t, s.seen, 1)
}

func TestFanout(t *testing.T) {
	good := &scriptedSink{}
	bad := &scriptedSink{pings: errors.New("down")}
	for i := 0; i < 3; i++ {
		bad.script = append(bad.script, func(b model.Batch) model.Confirmation {
			return model.Rejected(b, "scripted", ErrNotConfirmed)
		})
	}
	dg, err := NewDeliverer(good, fastDelivery(), logger.NewNop())
	require.NoError(t, err)
	db, err := NewDeliverer(bad, fastDelivery(), logger.NewNop())
	require.NoError(t, err)

	f := NewFanout(dg, db)
	cs := f.Deliver(context.Background(), model.NewBatch([]model.Record{rec("trade", 1)}))
	require.Len(t, cs, 2)
	assert.True(t, cs[0].OK())
	assert.False(t, cs[1].OK())
	assert.False(t, AllOK(cs))
	assert.Len(t, good.seen, 1, "accepted sink is not re-delivered")

	assert.Error(t, f.Ping(context.Background()))
	require.NoError(t, f.Close())
	assert.True(t, good.closed)
	assert.True(t, bad.closed)
}
