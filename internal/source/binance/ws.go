// internal/source/binance/ws.go
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/ingestor/internal/model"
	"github.com/YaganovValera/analytics-system/ingestor/internal/subscription"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
)

// Provider — значение Record.Provider для этого источника.
const Provider = "binance"

// Config задаёт параметры подключения к Binance WebSocket.
type Config struct {
	Name             string        `mapstructure:"name"`              // имя подписки в логах и метриках
	URL              string        `mapstructure:"url"`               // например "wss://stream.binance.com:9443/ws"
	Streams          []string      `mapstructure:"streams"`           // ["btcusdt@trade","ethusdt@depth"]
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`      // ReadDeadline, продлевается каждым pong
	SubscribeTimeout time.Duration `mapstructure:"subscribe_timeout"` // WriteDeadline для SUBSCRIBE
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = Provider
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = 5 * time.Second
	}
}

func (c Config) validate() error {
	var errs []string
	if c.URL == "" {
		errs = append(errs, "url is required")
	}
	if len(c.Streams) == 0 {
		errs = append(errs, "at least one stream is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("binance: invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Source dials the Binance WebSocket API. Every Connect opens a fresh
// connection; reconnect policy belongs to the subscription.
type Source struct {
	cfg         Config
	dialer      *websocket.Dialer
	log         *logger.Logger
	subscribeID uint64
}

var _ subscription.Source = (*Source)(nil)

// New validates cfg and builds the source.
func New(cfg Config, log *logger.Logger) (*Source, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Source{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		log:    log.Named("binance-ws"),
	}, nil
}

func (s *Source) Name() string { return s.cfg.Name }

// Connect dials, sends SUBSCRIBE and starts the ping keepalive.
func (s *Source) Connect(ctx context.Context) (subscription.Stream, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("binance: dial: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	id := atomic.AddUint64(&s.subscribeID, 1)
	req := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": s.cfg.Streams,
		"id":     id,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.SubscribeTimeout))
	if err := conn.WriteJSON(req); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("binance: subscribe id=%d: %w", id, err)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	s.log.Info("connected", zap.String("url", s.cfg.URL), zap.Uint64("subscribe_id", id))

	st := &stream{
		conn: conn,
		log:  s.log,
		done: make(chan struct{}),
	}
	go st.keepalive(s.cfg.ReadTimeout / 3)
	return st, nil
}

// stream — одно открытое соединение.
type stream struct {
	conn *websocket.Conn
	log  *logger.Logger

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (st *stream) keepalive(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-st.done:
			return
		case <-ticker.C:
			st.writeMu.Lock()
			err := st.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			st.writeMu.Unlock()
			if err != nil {
				st.log.Warn("ping failed", zap.Error(err))
			}
		}
	}
}

// Next reads until a data frame arrives. Subscribe acknowledgements are skipped.
func (st *stream) Next(ctx context.Context) (model.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return model.Record{}, err
		}
		_, data, err := st.conn.ReadMessage()
		if err != nil {
			return model.Record{}, fmt.Errorf("binance: read: %w", err)
		}
		rec, ok := decode(data, time.Now())
		if !ok {
			st.log.Debug("control frame skipped", zap.ByteString("frame", data))
			continue
		}
		return rec, nil
	}
}

func (st *stream) Close() error {
	var err error
	st.closeOnce.Do(func() {
		close(st.done)
		st.writeMu.Lock()
		_ = st.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		st.writeMu.Unlock()
		err = st.conn.Close()
	})
	return err
}

// ---- decoding ----

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type eventMeta struct {
	Event  string `json:"e"`
	Symbol string `json:"s"`
}

// decode classifies a frame by its "e" field. Combined-stream frames
// ({"stream":..,"data":{..}}) are unwrapped. Frames without an event type
// (subscribe acks, errors) report ok=false.
func decode(frame []byte, now time.Time) (model.Record, bool) {
	payload := frame
	var env envelope
	if err := json.Unmarshal(frame, &env); err == nil && len(env.Data) > 0 {
		payload = env.Data
	}

	var meta eventMeta
	if err := json.Unmarshal(payload, &meta); err != nil || meta.Event == "" {
		return model.Record{}, false
	}
	return model.Record{
		Provider:   Provider,
		SourceKind: meta.Event,
		Symbol:     strings.ToLower(meta.Symbol),
		Payload:    append(json.RawMessage(nil), payload...),
		ReceivedAt: now,
	}, true
}
