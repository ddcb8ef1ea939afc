package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/analytics-system/ingestor/internal/pipeline"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/backoff"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
)

type fakeController struct {
	mu      sync.Mutex
	calls   []Command
	running bool
	failOn  Command
}

func (f *fakeController) record(c Command, running bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if c == f.failOn {
		return errors.New("sink unreachable")
	}
	f.running = running
	return nil
}

func (f *fakeController) Start(context.Context) error   { return f.record(CommandStart, true) }
func (f *fakeController) Stop(context.Context) error    { return f.record(CommandStop, false) }
func (f *fakeController) Restart(context.Context) error { return f.record(CommandRestart, true) }

func (f *fakeController) Status() pipeline.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pipeline.Status{Running: f.running, Sources: []pipeline.SourceStatus{}}
}

func (f *fakeController) Calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.calls...)
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in      string
		want    Command
		wantErr bool
	}{
		{"start", CommandStart, false},
		{" Restart ", CommandRestart, false},
		{"STOP", CommandStop, false},
		{"reload", "", true},
		{"", "", true},
	}
	for _, c := range cases {
		got, err := ParseCommand(c.in)
		if c.wantErr {
			assert.ErrorIs(t, err, ErrUnknownCommand, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got)
	}
}

func TestDecodeMessage(t *testing.T) {
	cmd, err := DecodeMessage([]byte(`{"command":"restart"}`))
	require.NoError(t, err)
	assert.Equal(t, CommandRestart, cmd)

	_, err = DecodeMessage([]byte(`restart`))
	assert.Error(t, err)
	_, err = DecodeMessage([]byte(`{"command":"halt"}`))
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

// ---- HTTP ----

func newMux(ctl Controller) *http.ServeMux {
	mux := http.NewServeMux()
	Routes(ctl, logger.NewNop())(mux)
	return mux
}

func TestHTTPCommands(t *testing.T) {
	ctl := &fakeController{}
	mux := newMux(ctl)

	for _, path := range []string{"/control/start", "/control/restart", "/control/stop"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	}
	assert.Equal(t, []Command{CommandStart, CommandRestart, CommandStop}, ctl.Calls())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/control/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st pipeline.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.False(t, st.Running)
}

func TestHTTPErrors(t *testing.T) {
	ctl := &fakeController{failOn: CommandRestart}
	mux := newMux(ctl)

	cases := []struct {
		method, path string
		code         int
	}{
		{http.MethodPost, "/control/reload", http.StatusNotFound},
		{http.MethodPost, "/control/restart", http.StatusInternalServerError},
		{http.MethodGet, "/control/start", http.StatusMethodNotAllowed},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(c.method, c.path, nil))
		assert.Equal(t, c.code, rec.Code, c.method+" "+c.path)
	}
	assert.Equal(t, []Command{CommandRestart}, ctl.Calls())
}

// ---- Kafka ----

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func claimOf(values ...string) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(values))
	for i, v := range values {
		ch <- &sarama.ConsumerMessage{Topic: "ingestor.control", Offset: int64(i), Value: []byte(v)}
	}
	close(ch)
	return &fakeClaim{msgs: ch}
}

func TestConsumeClaimDispatchesAndMarks(t *testing.T) {
	ctl := &fakeController{}
	c := NewWithGroup(nil, "ingestor.control", backoff.Config{}, ctl, logger.NewNop())
	sess := &fakeSession{ctx: context.Background()}

	err := (&handler{c: c}).ConsumeClaim(sess, claimOf(
		`{"command":"restart"}`,
		`garbage`,
		`{"command":"stop"}`,
	))
	require.NoError(t, err)
	assert.Equal(t, []Command{CommandRestart, CommandStop}, ctl.Calls())
	assert.Equal(t, []int64{0, 1, 2}, sess.marked, "malformed records are marked too")
}

type fakeGroup struct {
	sarama.ConsumerGroup
	errs     chan error
	sessions int
	fail     int
	claim    *fakeClaim
	closed   bool
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Consume(ctx context.Context, _ []string, h sarama.ConsumerGroupHandler) error {
	g.sessions++
	if g.sessions <= g.fail {
		return errors.New("kafka: client has run out of available brokers")
	}
	if g.claim != nil {
		claim := g.claim
		g.claim = nil
		return h.ConsumeClaim(&fakeSession{ctx: ctx}, claim)
	}
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Close() error {
	g.closed = true
	close(g.errs)
	return nil
}

func TestRunRetriesFailedSessions(t *testing.T) {
	ctl := &fakeController{}
	g := &fakeGroup{errs: make(chan error), fail: 2, claim: claimOf(`{"command":"start"}`)}
	c := NewWithGroup(g, "ingestor.control", backoff.Config{Base: time.Millisecond, Cap: time.Millisecond}, ctl, logger.NewNop())

	var pauses []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(ctl.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Len(t, pauses, 2)
	assert.GreaterOrEqual(t, g.sessions, 3)
	require.NoError(t, c.Close())
	assert.True(t, g.closed)
}

func TestKafkaConfig(t *testing.T) {
	cfg := KafkaConfig{}
	assert.False(t, cfg.Enabled())
	cfg.applyDefaults()
	assert.Equal(t, "ingestor-control", cfg.GroupID)
	assert.Error(t, cfg.validate())

	cfg.Brokers = []string{"kafka:9092"}
	cfg.Topic = "ingestor.control"
	assert.True(t, cfg.Enabled())
	assert.NoError(t, cfg.validate())

	cfg.Version = "not-a-version"
	assert.Error(t, cfg.validate())
}
