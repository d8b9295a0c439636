package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envFrom(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestYAMLOverlayThenEnv(t *testing.T) {
	cfg := Default()
	err := cfg.LoadYAML([]byte(`
server:
  addr: ":9000"
audit:
  hash_algorithm: blake3
approvals:
  window: 48h
  matrix:
    DATE_REACHED: [LANDLORD]
kafka:
  brokers: ["k1:9092"]
`))
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "blake3", cfg.Audit.HashAlgorithm)
	assert.Equal(t, 48*time.Hour, cfg.Approvals.Window)
	assert.Equal(t, []string{"LANDLORD"}, cfg.Approvals.Matrix["DATE_REACHED"])
	// untouched sections keep defaults
	assert.Equal(t, time.Minute, cfg.Approvals.SweepInterval)

	err = cfg.applyEnv(envFrom(map[string]string{
		"NEST_ADDR":            ":7000",
		"KAFKA_BROKERS":        "a:1, b:2,",
		"NEST_APPROVAL_WINDOW": "72h",
		"DATABASE_MAX_CONNS":   "5",
	}))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Kafka.Brokers)
	assert.Equal(t, 72*time.Hour, cfg.Approvals.Window)
	assert.Equal(t, 5, cfg.Database.MaxConns)
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.applyEnv(envFrom(map[string]string{"NEST_SWEEP_INTERVAL": "soon"})))
	assert.Error(t, cfg.applyEnv(envFrom(map[string]string{"DATABASE_MAX_CONNS": "many"})))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown hash", func(c *Config) { c.Audit.HashAlgorithm = "md5" }},
		{"zero window", func(c *Config) { c.Approvals.Window = 0 }},
		{"zero sweep", func(c *Config) { c.Approvals.SweepInterval = 0 }},
		{"missing jwt key", func(c *Config) { c.Security.JWTSigningKey = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadYAMLInvalid(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.LoadYAML([]byte("server: [")))
}
