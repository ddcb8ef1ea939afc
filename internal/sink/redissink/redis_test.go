package redissink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/analytics-system/ingestor/internal/model"
	"github.com/YaganovValera/analytics-system/ingestor/internal/sink"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
)

type setCall struct {
	key   string
	value string
	ttl   time.Duration
}

type fakePipe struct {
	redis.Pipeliner
	client *fakeClient
	cmds   []redis.Cmder
}

func (p *fakePipe) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx, "set", key, value)
	if p.client.failKeys[key] {
		cmd.SetErr(errors.New("OOM command not allowed"))
	} else {
		p.client.sets = append(p.client.sets, setCall{key, string(value.([]byte)), ttl})
	}
	p.cmds = append(p.cmds, cmd)
	return cmd
}

type fakeClient struct {
	sets     []setCall
	failKeys map[string]bool
	down     bool
	closed   bool
}

func (c *fakeClient) Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	if c.down {
		return nil, errors.New("dial tcp: connection refused")
	}
	p := &fakePipe{client: c}
	if err := fn(p); err != nil {
		return nil, err
	}
	for _, cmd := range p.cmds {
		if err := cmd.Err(); err != nil {
			return p.cmds, err
		}
	}
	return p.cmds, nil
}

func (c *fakeClient) Ping(ctx context.Context) *redis.StatusCmd {
	if c.down {
		return redis.NewStatusResult("", errors.New("connection refused"))
	}
	return redis.NewStatusResult("PONG", nil)
}

func (c *fakeClient) Close() error { c.closed = true; return nil }

func rec(kind, symbol, payload string) model.Record {
	return model.Record{Provider: "binance", SourceKind: kind, Symbol: symbol, Payload: []byte(payload), ReceivedAt: time.Now()}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	assert.Error(t, cfg.validate())
	assert.Equal(t, 10*time.Minute, cfg.TTL)
	assert.Equal(t, "ingestor:last", cfg.KeyPrefix)

	cfg.URL = "redis://localhost:6379/0"
	assert.NoError(t, cfg.validate())
}

func TestDeliverKeepsLatestPerKey(t *testing.T) {
	c := &fakeClient{}
	s := NewWithClient(c, Config{TTL: time.Minute}, logger.NewNop())

	b := model.NewBatch([]model.Record{
		rec("trade", "BTCUSDT", `{"p":1}`),
		rec("trade", "ethusdt", `{"p":2}`),
		rec("trade", "btcusdt", `{"p":3}`),
	})
	conf := s.Deliver(context.Background(), b)

	require.True(t, conf.OK())
	assert.Equal(t, 3, conf.Committed)
	require.Len(t, c.sets, 2)
	assert.Equal(t, setCall{"ingestor:last:binance:trade:btcusdt", `{"p":3}`, time.Minute}, c.sets[0])
	assert.Equal(t, "ingestor:last:binance:trade:ethusdt", c.sets[1].key)
}

func TestDeliverFiltersKinds(t *testing.T) {
	c := &fakeClient{}
	s := NewWithClient(c, Config{Kinds: []string{"depthUpdate"}}, logger.NewNop())

	conf := s.Deliver(context.Background(), model.NewBatch([]model.Record{
		rec("trade", "btcusdt", `{}`),
		rec("depthUpdate", "btcusdt", `{}`),
	}))
	assert.True(t, conf.OK())
	assert.Equal(t, 1, conf.Committed)
	assert.Equal(t, 1, conf.Skipped)
}

func TestDeliverUnreachableKeepsRecords(t *testing.T) {
	c := &fakeClient{down: true}
	s := NewWithClient(c, Config{}, logger.NewNop())

	b := model.NewBatch([]model.Record{rec("trade", "btcusdt", `{}`)})
	conf := s.Deliver(context.Background(), b)

	assert.Equal(t, model.StatusRejected, conf.Status)
	assert.ErrorIs(t, conf.Err, sink.ErrUnreachable)
	assert.Equal(t, b.Records, conf.Remaining(b).Records)
	assert.ErrorIs(t, s.Ping(context.Background()), sink.ErrUnreachable)
}

func TestDeliverUnreachableRetriesOnlyRoutedRecords(t *testing.T) {
	c := &fakeClient{down: true}
	s := NewWithClient(c, Config{Kinds: []string{"trade"}}, logger.NewNop())

	b := model.NewBatch([]model.Record{
		rec("trade", "btcusdt", `{"p":1}`),
		rec("depthUpdate", "btcusdt", `{}`),
		rec("trade", "btcusdt", `{"p":2}`),
		rec("trade", "ethusdt", `{"p":3}`),
	})
	conf := s.Deliver(context.Background(), b)

	assert.Equal(t, model.StatusRejected, conf.Status)
	assert.Equal(t, 1, conf.Skipped)
	rem := conf.Remaining(b)
	require.Equal(t, 2, rem.Len(), "filtered kinds are not resent")
	assert.JSONEq(t, `{"p":2}`, string(rem.Records[0].Payload))
	assert.Equal(t, "ethusdt", rem.Records[1].Symbol)

	// второй заход по остатку не пересчитывает отфильтрованные записи
	again := s.Deliver(context.Background(), rem)
	assert.Equal(t, 0, again.Skipped)
}

func TestDeliverPartialPipelineFailure(t *testing.T) {
	c := &fakeClient{failKeys: map[string]bool{"ingestor:last:binance:trade:ethusdt": true}}
	s := NewWithClient(c, Config{}, logger.NewNop())

	b := model.NewBatch([]model.Record{
		rec("trade", "btcusdt", `{"p":1}`),
		rec("trade", "ethusdt", `{"p":2}`),
	})
	conf := s.Deliver(context.Background(), b)

	assert.Equal(t, model.StatusPartial, conf.Status)
	assert.Equal(t, 1, conf.Committed)
	assert.ErrorIs(t, conf.Err, sink.ErrNotConfirmed)
	rem := conf.Remaining(b)
	require.Equal(t, 1, rem.Len())
	assert.Equal(t, "ethusdt", rem.Records[0].Symbol)

	require.NoError(t, s.Close())
	assert.True(t, c.closed)
}
