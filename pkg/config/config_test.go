package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/magicrune/pkg/config"
	"github.com/Mindburn-Labs/magicrune/pkg/quarantine"
)

var allVars = []string{
	"MAGICRUNE_CONFIG", "MAGICRUNE_POLICY_DIR", "MAGICRUNE_STRICT", "MAGICRUNE_LEDGER",
	"DATABASE_URL", "MAGICRUNE_SQLITE_PATH", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"MAGICRUNE_LEASE", "MAGICRUNE_LEDGER_DONE_TTL", "NATS_URL", "NATS_STREAM", "NATS_REQ_SUBJ",
	"NATS_DURABLE", "NATS_DUP_WINDOW", "NATS_ACK_WAIT", "NATS_MAX_DELIVER",
	"MAGICRUNE_FORCE_WASM", "MAGICRUNE_WASM_DIR", "MAGICRUNE_WASM_SHELL",
	"MAGICRUNE_CGROUP_PARENT", "MAGICRUNE_BWRAP", "MAGICRUNE_WORK_DIR",
	"MAGICRUNE_CONCURRENCY", "MAGICRUNE_RATE", "MAGICRUNE_REPORT_INTERVAL",
	"LOG_LEVEL", "LOG_JSON", "HTTP_ADDR", "OTEL_EXPORTER_OTLP_ENDPOINT",
	"QUARANTINE_STORAGE_TYPE", "QUARANTINE_DIR",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range allVars {
		t.Setenv(v, "")
	}
}

// The process boots with an in-memory ledger and local defaults.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.LedgerMemory, cfg.Ledger.Backend)
	assert.Equal(t, 30*time.Second, cfg.Ledger.Lease)
	assert.Equal(t, 2*time.Minute, cfg.NATS.DupWindow)
	assert.Equal(t, "run.req.default", cfg.NATS.RequestSubject)
	assert.Equal(t, "RUN", cfg.NATS.Stream)
	assert.Equal(t, 16, cfg.Gateway.Concurrency)
	assert.Equal(t, "INFO", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.False(t, cfg.Sandbox.ForceWASM)
	assert.Equal(t, quarantine.StoreTypeFS, cfg.Quarantine.Type)
	assert.Empty(t, cfg.OTLPEndpoint)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAGICRUNE_LEDGER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://db:5432/magicrune")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("NATS_URL", "nats://broker:4222")
	t.Setenv("NATS_REQ_SUBJ", "run.req.strict")
	t.Setenv("NATS_DUP_WINDOW", "90")
	t.Setenv("NATS_ACK_WAIT", "45s")
	t.Setenv("MAGICRUNE_FORCE_WASM", "yes")
	t.Setenv("MAGICRUNE_CGROUP_PARENT", "/sys/fs/cgroup/magicrune")
	t.Setenv("MAGICRUNE_CONCURRENCY", "4")
	t.Setenv("MAGICRUNE_RATE", "2.5")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOG_JSON", "true")
	t.Setenv("QUARANTINE_STORAGE_TYPE", "s3")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.LedgerPostgres, cfg.Ledger.Backend)
	assert.Equal(t, "postgres://db:5432/magicrune", cfg.Ledger.DatabaseURL)
	assert.Equal(t, 3, cfg.Ledger.RedisDB)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, "run.req.strict", cfg.NATS.RequestSubject)
	assert.Equal(t, 90*time.Second, cfg.NATS.DupWindow)
	assert.Equal(t, 45*time.Second, cfg.NATS.AckWait)
	assert.True(t, cfg.Sandbox.ForceWASM)
	assert.Equal(t, "/sys/fs/cgroup/magicrune", cfg.Sandbox.CgroupParent)
	assert.Equal(t, 4, cfg.Gateway.Concurrency)
	assert.InDelta(t, 2.5, cfg.Gateway.Rate, 1e-9)
	assert.Equal(t, "DEBUG", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, quarantine.StoreTypeS3, cfg.Quarantine.Type)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"bad int", "MAGICRUNE_CONCURRENCY", "many"},
		{"zero concurrency", "MAGICRUNE_CONCURRENCY", "0"},
		{"bad duration", "NATS_DUP_WINDOW", "soon"},
		{"bad bool", "MAGICRUNE_FORCE_WASM", "perhaps"},
		{"unknown ledger", "MAGICRUNE_LEDGER", "etcd"},
		{"postgres without url", "MAGICRUNE_LEDGER", "postgres"},
		{"subject outside run.req", "NATS_REQ_SUBJ", "jobs.default"},
		{"negative rate", "MAGICRUNE_RATE", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "magicrune.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
policy_dir: /etc/magicrune/policies
ledger:
  backend: redis
  redis_addr: redis:6379
  done_ttl: 24h
nats:
  dup_window: 5m
gateway:
  concurrency: 8
log:
  level: WARN
`), 0o600))
	t.Setenv("MAGICRUNE_CONFIG", path)
	t.Setenv("MAGICRUNE_CONCURRENCY", "2")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "/etc/magicrune/policies", cfg.PolicyDir)
	assert.Equal(t, config.LedgerRedis, cfg.Ledger.Backend)
	assert.Equal(t, "redis:6379", cfg.Ledger.RedisAddr)
	assert.Equal(t, 24*time.Hour, cfg.Ledger.DoneTTL)
	assert.Equal(t, 5*time.Minute, cfg.NATS.DupWindow)
	assert.Equal(t, "WARN", cfg.Log.Level)
	assert.Equal(t, 2, cfg.Gateway.Concurrency, "environment wins over the file")
	assert.Equal(t, 30*time.Second, cfg.Ledger.Lease, "keys absent from the file keep defaults")
}

func TestLoadFile_RejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ledger:\n  backend: memory\n  shards: 4\n"), 0o600))

	err := config.LoadFile(path, config.Default())
	assert.Error(t, err)

	err = config.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), config.Default())
	assert.Error(t, err)
}
