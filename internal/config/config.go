// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/YaganovValera/analytics-system/ingestor/internal/control"
	"github.com/YaganovValera/analytics-system/ingestor/internal/pipeline"
	"github.com/YaganovValera/analytics-system/ingestor/internal/sink"
	"github.com/YaganovValera/analytics-system/ingestor/internal/sink/amqpsink"
	"github.com/YaganovValera/analytics-system/ingestor/internal/sink/chsink"
	"github.com/YaganovValera/analytics-system/ingestor/internal/sink/kafkasink"
	"github.com/YaganovValera/analytics-system/ingestor/internal/sink/redissink"
	"github.com/YaganovValera/analytics-system/ingestor/internal/sink/timescaledb"
	"github.com/YaganovValera/analytics-system/ingestor/internal/source/binance"
	"github.com/YaganovValera/analytics-system/ingestor/internal/source/poll"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/httpserver"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
	"github.com/YaganovValera/analytics-system/ingestor/pkg/telemetry"
)

// EnvPrefix — префикс переменных окружения (INGESTOR_HTTP_ADDR и т.д.).
const EnvPrefix = "INGESTOR"

/*
   --------------------------------------------------------------------------
   СТРУКТУРЫ
   --------------------------------------------------------------------------
*/

// Config — все настройки сервиса.
type Config struct {
	ServiceName    string              `mapstructure:"service_name"`
	ServiceVersion string              `mapstructure:"service_version"`
	Logging        logger.Config       `mapstructure:"logging"`
	Telemetry      telemetry.Config    `mapstructure:"telemetry"`
	HTTP           httpserver.Config   `mapstructure:"http"`
	Pipeline       pipeline.Config     `mapstructure:"pipeline"`
	Delivery       sink.DeliveryConfig `mapstructure:"delivery"`
	Sources        SourcesConfig       `mapstructure:"sources"`
	Routes         []sink.Route        `mapstructure:"routes"`
	Sinks          SinksConfig         `mapstructure:"sinks"`
	Control        ControlConfig       `mapstructure:"control"`
}

// SourcesConfig — внешние источники данных.
type SourcesConfig struct {
	Binance []binance.Config `mapstructure:"binance"`
	Poll    []poll.Config    `mapstructure:"poll"`
}

// Count returns the number of configured sources.
func (s SourcesConfig) Count() int { return len(s.Binance) + len(s.Poll) }

// SinksConfig — целевые системы доставки. Каждая включается флагом enabled.
type SinksConfig struct {
	AMQP        AMQPSink        `mapstructure:"amqp"`
	Kafka       KafkaSink       `mapstructure:"kafka"`
	TimescaleDB TimescaleDBSink `mapstructure:"timescaledb"`
	ClickHouse  ClickHouseSink  `mapstructure:"clickhouse"`
	Redis       RedisSink       `mapstructure:"redis"`
}

type AMQPSink struct {
	Enabled         bool `mapstructure:"enabled"`
	amqpsink.Config `mapstructure:",squash"`
}

type KafkaSink struct {
	Enabled          bool `mapstructure:"enabled"`
	kafkasink.Config `mapstructure:",squash"`
}

type TimescaleDBSink struct {
	Enabled            bool `mapstructure:"enabled"`
	timescaledb.Config `mapstructure:",squash"`
}

type ClickHouseSink struct {
	Enabled       bool `mapstructure:"enabled"`
	chsink.Config `mapstructure:",squash"`
}

type RedisSink struct {
	Enabled          bool `mapstructure:"enabled"`
	redissink.Config `mapstructure:",squash"`
}

// Enabled lists the names of enabled sinks.
func (s SinksConfig) Enabled() []string {
	var out []string
	if s.AMQP.Enabled {
		out = append(out, "amqp")
	}
	if s.Kafka.Enabled {
		out = append(out, "kafka")
	}
	if s.TimescaleDB.Enabled {
		out = append(out, "timescaledb")
	}
	if s.ClickHouse.Enabled {
		out = append(out, "clickhouse")
	}
	if s.Redis.Enabled {
		out = append(out, "redis")
	}
	return out
}

// ControlConfig — каналы управления конвейером.
type ControlConfig struct {
	// AutoStart starts the pipeline at boot; otherwise it waits for a command.
	AutoStart bool                `mapstructure:"auto_start"`
	Kafka     control.KafkaConfig `mapstructure:"kafka"`
}

/*
   --------------------------------------------------------------------------
   LOADER
   --------------------------------------------------------------------------
*/

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "ingestor")
	v.SetDefault("service_version", "v1.0.0")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev_mode", false)

	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.sampler_ratio", 1.0)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.metrics_path", "/metrics")
	v.SetDefault("http.healthz_path", "/healthz")
	v.SetDefault("http.readyz_path", "/readyz")

	v.SetDefault("pipeline.subscription.backoff.base", "1s")
	v.SetDefault("pipeline.subscription.backoff.cap", "60s")
	v.SetDefault("pipeline.subscription.backoff.jitter_fraction", 0.2)
	v.SetDefault("pipeline.subscription.backoff.max_attempts", 0)
	v.SetDefault("pipeline.subscription.connect_timeout", "10s")
	v.SetDefault("pipeline.buffer.batch_size", 500)
	v.SetDefault("pipeline.buffer.flush_interval", "1s")
	v.SetDefault("pipeline.buffer.max_len", 0)
	v.SetDefault("pipeline.buffer.overflow", "block")
	v.SetDefault("pipeline.workers.workers", 4)
	v.SetDefault("pipeline.workers.queue_size", 8)
	v.SetDefault("pipeline.stop_timeout", "30s")

	v.SetDefault("delivery.delivery_timeout", "30s")
	v.SetDefault("delivery.retry.base", "500ms")
	v.SetDefault("delivery.retry.cap", "10s")
	v.SetDefault("delivery.retry.jitter_fraction", 0.2)
	v.SetDefault("delivery.retry.max_attempts", 5)

	// Sinks: enabled flags and endpoints are declared so that ENV can override them.
	v.SetDefault("sinks.amqp.enabled", false)
	v.SetDefault("sinks.amqp.url", "")
	v.SetDefault("sinks.amqp.confirm_timeout", "10s")
	v.SetDefault("sinks.kafka.enabled", false)
	v.SetDefault("sinks.kafka.brokers", []string{})
	v.SetDefault("sinks.kafka.required_acks", "all")
	v.SetDefault("sinks.kafka.compression", "none")
	v.SetDefault("sinks.timescaledb.enabled", false)
	v.SetDefault("sinks.timescaledb.dsn", "")
	v.SetDefault("sinks.timescaledb.insert_chunk_size", 500)
	v.SetDefault("sinks.clickhouse.enabled", false)
	v.SetDefault("sinks.clickhouse.addr", []string{})
	v.SetDefault("sinks.clickhouse.database", "default")
	v.SetDefault("sinks.clickhouse.username", "")
	v.SetDefault("sinks.clickhouse.password", "")
	v.SetDefault("sinks.redis.enabled", false)
	v.SetDefault("sinks.redis.url", "")
	v.SetDefault("sinks.redis.ttl", "10m")

	v.SetDefault("control.auto_start", true)
	v.SetDefault("control.kafka.brokers", []string{})
	v.SetDefault("control.kafka.topic", "")
	v.SetDefault("control.kafka.group_id", "ingestor-control")
}

// Load загружает и валидирует конфиг. Если path пустой, читаются только ENV и defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	// ---------- 1) Defaults ----------
	setDefaults(v)

	// ---------- 2) ENV ----------
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ---------- 3) Optional file ----------
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	// ---------- 4) Decode ----------
	var cfg Config
	if err := decode(v.AllSettings(), &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// ---------- 5) Validation ----------
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func decode(input map[string]interface{}, target interface{}) error {
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToBoolHook,
	)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           target,
		DecodeHook:       hook,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}
	return dec.Decode(input)
}

// stringToBoolHook разбирает true/false, иначе отдает исходные данные.
func stringToBoolHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

/*
   --------------------------------------------------------------------------
   VALIDATION
   --------------------------------------------------------------------------
*/

// Validate checks cross-section invariants. Section-specific checks run
// again in each component constructor.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version is required")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}

	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}

	if c.Sources.Count() == 0 {
		return fmt.Errorf("sources: at least one binance or poll source is required")
	}
	names := make(map[string]bool)
	for _, b := range c.Sources.Binance {
		if b.URL == "" || len(b.Streams) == 0 {
			return fmt.Errorf("sources.binance: url and streams are required")
		}
		name := b.Name
		if name == "" {
			name = binance.Provider
		}
		if names[name] {
			return fmt.Errorf("sources: duplicate source name %q", name)
		}
		names[name] = true
	}
	for _, p := range c.Sources.Poll {
		if p.URL == "" || p.Provider == "" || p.SourceKind == "" {
			return fmt.Errorf("sources.poll: url, provider and source_kind are required")
		}
		name := p.Name
		if name == "" {
			name = p.Provider + "-" + p.SourceKind
		}
		if names[name] {
			return fmt.Errorf("sources: duplicate source name %q", name)
		}
		names[name] = true
	}

	if len(c.Sinks.Enabled()) == 0 {
		return fmt.Errorf("sinks: at least one sink must be enabled")
	}
	if _, err := sink.NewRouter(c.Routes); err != nil {
		return fmt.Errorf("routes: %w", err)
	}
	// the redis snapshot sink is the only one that works without routes
	routed := len(c.Sinks.Enabled())
	if c.Sinks.Redis.Enabled {
		routed--
	}
	if routed > 0 && len(c.Routes) == 0 {
		return fmt.Errorf("routes: at least one route is required for routed sinks")
	}

	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := c.Delivery.Retry.Validate(); err != nil {
		return fmt.Errorf("delivery.retry: %w", err)
	}

	tel := c.Telemetry
	tel.ServiceName, tel.ServiceVersion = c.ServiceName, c.ServiceVersion
	if err := tel.Validate(); err != nil {
		return err
	}

	if c.Control.Kafka.Enabled() && len(c.Control.Kafka.Brokers) == 0 {
		return fmt.Errorf("control.kafka.brokers is required when control.kafka.topic is set")
	}
	return nil
}

// Print выводит конфиг в читаемом виде, скрывая секреты.
func (c Config) Print(w io.Writer) {
	cp := c
	cp.Sinks.AMQP.URL = redact(cp.Sinks.AMQP.URL)
	cp.Sinks.TimescaleDB.DSN = redact(cp.Sinks.TimescaleDB.DSN)
	cp.Sinks.ClickHouse.Password = redact(cp.Sinks.ClickHouse.Password)
	cp.Sinks.Redis.URL = redact(cp.Sinks.Redis.URL)
	b, _ := json.MarshalIndent(cp, "", "  ")
	fmt.Fprintln(w, "Loaded configuration:")
	fmt.Fprintln(w, string(b))
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
