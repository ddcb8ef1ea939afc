// internal/sink/chsink/clickhouse.go
package chsink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/ingestor/internal/model"
	"github.com/YaganovValera/analytics-system/ingestor/internal/sink"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
)

var tracer = otel.Tracer("internal/sink/chsink")

// Config — адрес ClickHouse и параметры вставки.
type Config struct {
	Addr            []string      `mapstructure:"addr"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	InsertChunkSize int           `mapstructure:"insert_chunk_size"`
	CreateTables    bool          `mapstructure:"create_tables"`
}

func (c *Config) applyDefaults() {
	if c.Database == "" {
		c.Database = "default"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.InsertChunkSize <= 0 {
		c.InsertChunkSize = 10000
	}
}

func (c Config) validate() error {
	if len(c.Addr) == 0 {
		return fmt.Errorf("clickhouse sink: addr is required")
	}
	return nil
}

// Conn is the subset of driver.Conn used by the sink.
type Conn interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Exec(ctx context.Context, query string, args ...any) error
	Ping(ctx context.Context) error
	Close() error
}

// Sink appends records to ClickHouse tables with native batches.
type Sink struct {
	conn      Conn
	router    *sink.Router
	chunkSize int
	log       *logger.Logger
	mu        sync.Mutex
}

var (
	_ sink.Sink   = (*Sink)(nil)
	_ sink.Pinger = (*Sink)(nil)
)

// New opens a native-protocol connection.
func New(ctx context.Context, cfg Config, router *sink.Router, log *logger.Logger) (*Sink, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse sink: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse sink: ping: %w", err)
	}

	s := NewWithConn(conn, router, cfg.InsertChunkSize, log)
	if cfg.CreateTables {
		if err := s.CreateTables(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	s.log.Info("connected", zap.Strings("addr", cfg.Addr), zap.String("database", cfg.Database))
	return s, nil
}

// NewWithConn wraps an existing connection.
func NewWithConn(conn Conn, router *sink.Router, chunkSize int, log *logger.Logger) *Sink {
	if chunkSize <= 0 {
		chunkSize = 10000
	}
	return &Sink{conn: conn, router: router, chunkSize: chunkSize, log: log.Named("clickhouse-sink")}
}

// CreateTables creates a MergeTree table for every routed table name.
func (s *Sink) CreateTables(ctx context.Context) error {
	seen := make(map[string]bool)
	for _, d := range s.router.Destinations() {
		if d.Table == "" || seen[d.Table] {
			continue
		}
		seen[d.Table] = true
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    received_at DateTime64(3, 'UTC'),
    provider    LowCardinality(String),
    source_kind LowCardinality(String),
    symbol      String,
    payload     String
) ENGINE = MergeTree
ORDER BY (provider, source_kind, symbol, received_at)`, quoteIdent(d.Table))
		if err := s.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("clickhouse sink: create %s: %w", d.Table, err)
		}
	}
	return nil
}

func (s *Sink) Name() string { return "clickhouse" }

// Deliver sends one native batch per chunk. A failed chunk aborts the rest.
func (s *Sink) Deliver(ctx context.Context, b model.Batch) model.Confirmation {
	ctx, span := tracer.Start(ctx, "Insert", trace.WithAttributes(
		attribute.String("batch.id", b.ID),
		attribute.Int("batch.size", b.Len()),
	))
	defer span.End()

	groups, skipped := s.router.Partition(b, func(d sink.Destination) bool { return d.Table != "" })
	if len(skipped) > 0 {
		s.log.WithContext(ctx).Warn("unroutable records skipped",
			zap.String("batch_id", b.ID),
			zap.Int("count", len(skipped)),
			zap.Strings("keys", sink.SkippedKeys(skipped)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	committed := 0
	for gi, g := range groups {
		for start := 0; start < len(g.Records); start += s.chunkSize {
			end := min(start+s.chunkSize, len(g.Records))
			if err := s.sendChunk(ctx, g.Dest.Table, g.Records[start:end]); err != nil {
				span.RecordError(err)
				pending := append([]model.Record(nil), g.Records[start:]...)
				for _, rest := range groups[gi+1:] {
					pending = append(pending, rest.Records...)
				}
				s.log.WithContext(ctx).Error("batch send failed",
					zap.String("batch_id", b.ID),
					zap.String("table", g.Dest.Table),
					zap.Int("committed", committed),
					zap.Int("pending", len(pending)),
					zap.Error(err))
				return model.Partial(b, s.Name(), committed, len(skipped), pending, err)
			}
			committed += end - start
		}
	}
	return model.Accepted(b, s.Name(), committed, len(skipped))
}

func (s *Sink) sendChunk(ctx context.Context, table string, recs []model.Record) error {
	batch, err := s.conn.PrepareBatch(ctx,
		"INSERT INTO "+quoteIdent(table)+" (received_at, provider, source_kind, symbol, payload)")
	if err != nil {
		return fmt.Errorf("%w: prepare batch: %v", sink.ErrUnreachable, err)
	}
	for _, r := range recs {
		if err := batch.Append(r.ReceivedAt, r.Provider, r.SourceKind, r.Symbol, string(r.Payload)); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("%w: send batch: %v", sink.ErrNotConfirmed, err)
	}
	return nil
}

// Ping проверяет доступность сервера.
func (s *Sink) Ping(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", sink.ErrUnreachable, err)
	}
	return nil
}

func (s *Sink) Close() error {
	s.log.Info("clickhouse sink closed")
	return s.conn.Close()
}

// quoteIdent quotes db.table with backticks.
func quoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = "`" + strings.ReplaceAll(p, "`", "``") + "`"
	}
	return strings.Join(parts, ".")
}
