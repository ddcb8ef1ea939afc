package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
)

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"noService", Config{Endpoint: "otel:4317"}, true},
		{"noVersion", Config{Endpoint: "otel:4317", ServiceName: "ingestor"}, true},
		{"badRatio", Config{Endpoint: "otel:4317", ServiceName: "ingestor", ServiceVersion: "v1", SamplerRatio: 2}, true},
		{"ok", Config{Endpoint: "otel:4317", ServiceName: "ingestor", ServiceVersion: "v1"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := c.cfg
			cfg.applyDefaults()
			err := cfg.Validate()
			if (err != nil) != c.wantErr {
				t.Errorf("Validate() error = %v; wantErr=%v", err, c.wantErr)
			}
		})
	}
}

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), Config{}, logger.NewNop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewResource(t *testing.T) {
	res, err := newResource(Config{ServiceName: "ingestor", ServiceVersion: "v1"})
	require.NoError(t, err)
	assert.Contains(t, res.String(), "service.name=ingestor")
}
