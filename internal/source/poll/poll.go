// internal/source/poll/poll.go
package poll

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/ingestor/internal/model"
	"github.com/YaganovValera/analytics-system/ingestor/internal/subscription"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
)

// Config описывает HTTP-эндпоинт, опрашиваемый с фиксированным интервалом.
type Config struct {
	Name        string            `mapstructure:"name"`
	URL         string            `mapstructure:"url"`
	Provider    string            `mapstructure:"provider"`
	SourceKind  string            `mapstructure:"source_kind"`
	SymbolField string            `mapstructure:"symbol_field"` // поле JSON с символом, по умолчанию "symbol"
	Interval    time.Duration     `mapstructure:"interval"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	Headers     map[string]string `mapstructure:"headers"`
}

func (c *Config) applyDefaults() {
	if c.SymbolField == "" {
		c.SymbolField = "symbol"
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Name == "" {
		c.Name = c.Provider + "-" + c.SourceKind
	}
}

func (c Config) validate() error {
	var errs []string
	if c.URL == "" {
		errs = append(errs, "url is required")
	}
	if c.Provider == "" {
		errs = append(errs, "provider is required")
	}
	if c.SourceKind == "" {
		errs = append(errs, "source_kind is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("poll: invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Source polls an HTTP endpoint that returns a JSON object or array.
type Source struct {
	cfg    Config
	client *http.Client
	log    *logger.Logger
}

var _ subscription.Source = (*Source)(nil)

// New validates cfg. A nil client uses one with cfg.Timeout.
func New(cfg Config, client *http.Client, log *logger.Logger) (*Source, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Source{cfg: cfg, client: client, log: log.Named("poll").With(zap.String("url", cfg.URL))}, nil
}

func (s *Source) Name() string { return s.cfg.Name }

// Connect performs the first request; its failure is a connect failure.
func (s *Source) Connect(ctx context.Context) (subscription.Stream, error) {
	recs, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	return &stream{src: s, pending: recs, closed: make(chan struct{})}, nil
}

func (s *Source) fetch(ctx context.Context) ([]model.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("poll: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("poll: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}
	return s.decode(body, time.Now())
}

// decode turns an array into one record per element and an object into one record.
func (s *Source) decode(body []byte, now time.Time) ([]model.Record, error) {
	body = bytes.TrimSpace(body)
	var items []json.RawMessage
	switch {
	case len(body) == 0:
		return nil, nil
	case body[0] == '[':
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("poll: decode array: %w", err)
		}
	case body[0] == '{':
		items = []json.RawMessage{body}
	default:
		return nil, fmt.Errorf("poll: unexpected payload %q", truncate(body, 32))
	}

	out := make([]model.Record, 0, len(items))
	for _, it := range items {
		out = append(out, model.Record{
			Provider:   s.cfg.Provider,
			SourceKind: s.cfg.SourceKind,
			Symbol:     s.symbol(it),
			Payload:    append(json.RawMessage(nil), it...),
			ReceivedAt: now,
		})
	}
	return out, nil
}

func (s *Source) symbol(item json.RawMessage) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(item, &fields); err != nil {
		return ""
	}
	raw, ok := fields[s.cfg.SymbolField]
	if !ok {
		return ""
	}
	var sym string
	if err := json.Unmarshal(raw, &sym); err != nil {
		return ""
	}
	return strings.ToLower(sym)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// stream returns the records of the last response and then waits for
// the next poll tick.
type stream struct {
	src     *Source
	pending []model.Record

	closeOnce sync.Once
	closed    chan struct{}
}

func (st *stream) Next(ctx context.Context) (model.Record, error) {
	for len(st.pending) == 0 {
		t := time.NewTimer(st.src.cfg.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return model.Record{}, ctx.Err()
		case <-st.closed:
			t.Stop()
			return model.Record{}, io.EOF
		case <-t.C:
		}
		recs, err := st.src.fetch(ctx)
		if err != nil {
			return model.Record{}, err
		}
		st.pending = recs
	}
	r := st.pending[0]
	st.pending = st.pending[1:]
	return r, nil
}

func (st *stream) Close() error {
	st.closeOnce.Do(func() { close(st.closed) })
	return nil
}
