package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
)

// Проверяем applyDefaults и validate на разных комбинациях.
func TestConfigDefaultsAndValidate(t *testing.T) {
	cases := []struct {
		name     string
		input    Config
		wantErr  bool
		wantRead time.Duration
		wantSub  time.Duration
	}{
		{"empty", Config{}, true, 30 * time.Second, 5 * time.Second},
		{"noStreams", Config{URL: "ws://foo"}, true, 30 * time.Second, 5 * time.Second},
		{"ok", Config{URL: "ws://foo", Streams: []string{"s"}}, false, 30 * time.Second, 5 * time.Second},
		{"custom", Config{
			URL: "u", Streams: []string{"s"},
			ReadTimeout: 7 * time.Second, SubscribeTimeout: 3 * time.Second,
		}, false, 7 * time.Second, 3 * time.Second},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := c.input
			cfg.applyDefaults()
			if got := cfg.ReadTimeout; got != c.wantRead {
				t.Errorf("ReadTimeout = %v; want %v", got, c.wantRead)
			}
			if got := cfg.SubscribeTimeout; got != c.wantSub {
				t.Errorf("SubscribeTimeout = %v; want %v", got, c.wantSub)
			}
			err := cfg.validate()
			if (err != nil) != c.wantErr {
				t.Errorf("validate() error = %v; wantErr %v", err, c.wantErr)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name     string
		frame    string
		wantOK   bool
		wantKind string
		wantSym  string
	}{
		{"trade", `{"e":"trade","s":"BTCUSDT","p":"1.0"}`, true, "trade", "btcusdt"},
		{"combined", `{"stream":"ethusdt@depth","data":{"e":"depthUpdate","s":"ETHUSDT"}}`, true, "depthUpdate", "ethusdt"},
		{"ack", `{"result":null,"id":1}`, false, "", ""},
		{"garbage", `not json`, false, "", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec, ok := decode([]byte(c.frame), now)
			assert.Equal(t, c.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, Provider, rec.Provider)
			assert.Equal(t, c.wantKind, rec.SourceKind)
			assert.Equal(t, c.wantSym, rec.Symbol)
			assert.Equal(t, now, rec.ReceivedAt)
		})
	}
}

// Интеграционный тест Connect/Next c реальным WebSocket-сервером.
func TestSource_ConnectAndRead(t *testing.T) {
	upg := websocket.Upgrader{}
	subscribed := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upg.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// ждём запрос SUBSCRIBE
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscribed <- string(msg)

		_ = conn.WriteJSON(map[string]interface{}{"result": nil, "id": 1})
		_ = conn.WriteJSON(map[string]interface{}{
			"data": map[string]interface{}{"e": "testEvent", "s": "BTCUSDT", "foo": 123},
		})
		// и сразу закрываем
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	src, err := New(Config{URL: wsURL, Streams: []string{"btcusdt@trade"}}, logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, Provider, src.Name())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	st, err := src.Connect(ctx)
	require.NoError(t, err)
	defer st.Close()

	select {
	case msg := <-subscribed:
		assert.Contains(t, msg, `"method":"SUBSCRIBE"`)
		assert.Contains(t, msg, `btcusdt@trade`)
	case <-ctx.Done():
		t.Fatal("no SUBSCRIBE received")
	}

	rec, err := st.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "testEvent", rec.SourceKind)
	assert.Equal(t, "btcusdt", rec.Symbol)
	assert.Contains(t, string(rec.Payload), `"foo":123`)

	// normal close ends the stream
	_, err = st.Next(ctx)
	assert.Error(t, err)

	_ = st.Close()
	assert.NoError(t, st.Close(), "second Close is a no-op")
}

func TestSource_DialFailure(t *testing.T) {
	src, err := New(Config{URL: "ws://127.0.0.1:1", Streams: []string{"s"}}, logger.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = src.Connect(ctx)
	assert.Error(t, err)
}
