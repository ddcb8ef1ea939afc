// internal/sink/timescaledb/timescale.go
package timescaledb

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/ingestor/internal/model"
	"github.com/YaganovValera/analytics-system/ingestor/internal/sink"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

var tracer = otel.Tracer("internal/sink/timescaledb")

// columns of every event table, in insert order
var columns = []string{"received_at", "provider", "source_kind", "symbol", "payload"}

// Postgres limits a statement to 65535 bind parameters.
const maxChunk = 65535 / 5

// Config — подключение и параметры вставки.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InsertChunkSize int           `mapstructure:"insert_chunk_size"`
	SkipMigrations  bool          `mapstructure:"skip_migrations"`
}

func (c *Config) applyDefaults() {
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.InsertChunkSize <= 0 {
		c.InsertChunkSize = 500
	}
	if c.InsertChunkSize > maxChunk {
		c.InsertChunkSize = maxChunk
	}
}

func (c Config) validate() error {
	if c.DSN == "" {
		return fmt.Errorf("timescaledb sink: dsn is required")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("timescaledb sink: min_conns must be ≤ max_conns")
	}
	return nil
}

// DB is the subset of *pgxpool.Pool used by the sink.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// Sink writes batches into event tables with multi-row parameterized INSERTs.
type Sink struct {
	db        DB
	router    *sink.Router
	chunkSize int
	log       *logger.Logger
	mu        sync.Mutex
}

var (
	_ sink.Sink   = (*Sink)(nil)
	_ sink.Pinger = (*Sink)(nil)
)

// New применяет миграции, создаёт пул соединений и проверяет связь.
func New(ctx context.Context, cfg Config, router *sink.Router, log *logger.Logger) (*Sink, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("timescaledb-sink")

	if !cfg.SkipMigrations {
		if err := Migrate(ctx, cfg.DSN); err != nil {
			return nil, err
		}
		log.Info("migrations applied")
	}

	pgxCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("timescaledb sink: parse DSN: %w", err)
	}
	pgxCfg.MaxConns = int32(cfg.MaxConns)
	pgxCfg.MinConns = int32(cfg.MinConns)
	pgxCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, fmt.Errorf("timescaledb sink: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("timescaledb sink: ping: %w", err)
	}
	log.Info("connected",
		zap.String("host", pgxCfg.ConnConfig.Host),
		zap.String("database", pgxCfg.ConnConfig.Database))

	return NewWithDB(pool, router, cfg.InsertChunkSize, log), nil
}

// NewWithDB wraps an existing pool.
func NewWithDB(db DB, router *sink.Router, chunkSize int, log *logger.Logger) *Sink {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	if chunkSize > maxChunk {
		chunkSize = maxChunk
	}
	return &Sink{db: db, router: router, chunkSize: chunkSize, log: log}
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, dsn string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("timescaledb migrate: open DB: %w", err)
	}
	defer sqlDB.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("timescaledb migrate: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
		return fmt.Errorf("timescaledb migrate: up: %w", err)
	}
	return nil
}

func (s *Sink) Name() string { return "timescaledb" }

// Deliver inserts records grouped by table, one statement per chunk. A
// failed chunk aborts the remaining ones; earlier chunks stay committed.
func (s *Sink) Deliver(ctx context.Context, b model.Batch) model.Confirmation {
	ctx, span := tracer.Start(ctx, "Insert", trace.WithAttributes(
		attribute.String("batch.id", b.ID),
		attribute.Int("batch.size", b.Len()),
	))
	defer span.End()

	groups, skipped := s.router.Partition(b, func(d sink.Destination) bool { return d.Table != "" })
	skippedN := len(skipped)
	if skippedN > 0 {
		s.log.WithContext(ctx).Warn("unroutable records skipped",
			zap.String("batch_id", b.ID),
			zap.Int("count", skippedN),
			zap.Strings("keys", sink.SkippedKeys(skipped)))
	}

	// per-record validation: jsonb rejects the whole statement on bad payload
	type chunk struct {
		table string
		recs  []model.Record
	}
	var chunks []chunk
	for _, g := range groups {
		valid := g.Records[:0:0]
		for _, rec := range g.Records {
			if !json.Valid(rec.Payload) {
				skippedN++
				s.log.WithContext(ctx).Warn("malformed payload skipped",
					zap.String("batch_id", b.ID),
					zap.String("key", rec.Key().String()),
					zap.String("symbol", rec.Symbol))
				continue
			}
			valid = append(valid, rec)
		}
		for start := 0; start < len(valid); start += s.chunkSize {
			end := min(start+s.chunkSize, len(valid))
			chunks = append(chunks, chunk{table: g.Dest.Table, recs: valid[start:end]})
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	committed := 0
	for i, ch := range chunks {
		if err := s.insertChunk(ctx, ch.table, ch.recs); err != nil {
			span.RecordError(err)
			var pending []model.Record
			for _, rest := range chunks[i:] {
				pending = append(pending, rest.recs...)
			}
			s.log.WithContext(ctx).Error("insert chunk failed",
				zap.String("batch_id", b.ID),
				zap.String("table", ch.table),
				zap.Int("committed", committed),
				zap.Int("pending", len(pending)),
				zap.Error(err))
			return model.Partial(b, s.Name(), committed, skippedN, pending, err)
		}
		committed += len(ch.recs)
	}
	return model.Accepted(b, s.Name(), committed, skippedN)
}

func (s *Sink) insertChunk(ctx context.Context, table string, recs []model.Record) error {
	ctx, span := tracer.Start(ctx, "InsertChunk", trace.WithAttributes(
		attribute.String("table", table),
		attribute.Int("rows", len(recs)),
	))
	defer span.End()

	query, args := buildInsert(table, recs)
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	if n := tag.RowsAffected(); n != int64(len(recs)) {
		return fmt.Errorf("insert into %s: %w: %d of %d rows", table, sink.ErrNotConfirmed, n, len(recs))
	}
	return nil
}

// buildInsert renders one multi-row INSERT with positional parameters.
func buildInsert(table string, recs []model.Record) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(pgx.Identifier(strings.Split(table, ".")).Sanitize())
	sb.WriteString(" (")
	sb.WriteString(strings.Join(columns, ", "))
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(recs)*len(columns))
	for i, r := range recs {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * len(columns)
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5)
		args = append(args, r.ReceivedAt, r.Provider, r.SourceKind, r.Symbol, string(r.Payload))
	}
	return sb.String(), args
}

// Ping проверяет доступность БД.
func (s *Sink) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", sink.ErrUnreachable, err)
	}
	return nil
}

// Close закрывает пул соединений.
func (s *Sink) Close() error {
	s.db.Close()
	s.log.Info("timescaledb sink closed")
	return nil
}
