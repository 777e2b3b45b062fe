// Package config loads process configuration from an optional YAML file and
// environment variables. Environment variables win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/magicrune/pkg/quarantine"
)

// Ledger backends.
const (
	LedgerMemory   = "memory"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
)

// Config holds the configuration of the gate, its backends and its surfaces.
type Config struct {
	PolicyDir string `yaml:"policy_dir"`
	// Strict requires every request field to be present.
	Strict bool `yaml:"strict"`

	Ledger  LedgerConfig  `yaml:"ledger"`
	NATS    NATSConfig    `yaml:"nats"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Gateway GatewayConfig `yaml:"gateway"`
	Log     LogConfig     `yaml:"log"`

	HTTPAddr     string `yaml:"http_addr"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Quarantine is read from QUARANTINE_* variables only.
	Quarantine quarantine.StoreConfig `yaml:"-"`
}

type LedgerConfig struct {
	Backend       string        `yaml:"backend"`
	DatabaseURL   string        `yaml:"database_url"`
	SQLitePath    string        `yaml:"sqlite_path"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	Lease         time.Duration `yaml:"lease"`
	// DoneTTL expires completed Redis entries. Zero keeps them forever.
	DoneTTL time.Duration `yaml:"done_ttl"`
}

type NATSConfig struct {
	URL            string        `yaml:"url"`
	Stream         string        `yaml:"stream"`
	RequestSubject string        `yaml:"request_subject"`
	Durable        string        `yaml:"durable"`
	DupWindow      time.Duration `yaml:"dup_window"`
	AckWait        time.Duration `yaml:"ack_wait"`
	MaxDeliver     int           `yaml:"max_deliver"`
}

type SandboxConfig struct {
	// ForceWASM skips native isolation.
	ForceWASM    bool   `yaml:"force_wasm"`
	WASMDir      string `yaml:"wasm_dir"`
	WASMShell    string `yaml:"wasm_shell"`
	CgroupParent string `yaml:"cgroup_parent"`
	BwrapPath    string `yaml:"bwrap_path"`
	WorkDir      string `yaml:"work_dir"`
}

type GatewayConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	Rate           float64       `yaml:"rate"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Ledger: LedgerConfig{
			Backend:    LedgerMemory,
			SQLitePath: "magicrune-ledger.db",
			RedisAddr:  "localhost:6379",
			Lease:      30 * time.Second,
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			Stream:         "RUN",
			RequestSubject: "run.req.default",
			Durable:        "magicrune",
			DupWindow:      2 * time.Minute,
			AckWait:        30 * time.Second,
			MaxDeliver:     5,
		},
		Gateway: GatewayConfig{
			Concurrency:    16,
			ReportInterval: time.Minute,
		},
		Log:      LogConfig{Level: "INFO"},
		HTTPAddr: ":8080",
	}
}

// Load reads MAGICRUNE_CONFIG (if set) and then the environment.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("MAGICRUNE_CONFIG"); path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Quarantine = quarantine.ConfigFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	var errs []error
	switch c.Ledger.Backend {
	case LedgerMemory, LedgerSQLite, LedgerRedis:
	case LedgerPostgres:
		if c.Ledger.DatabaseURL == "" {
			errs = append(errs, errors.New("config: DATABASE_URL is required for the postgres ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown ledger backend %q", c.Ledger.Backend))
	}
	if c.Ledger.Lease <= 0 {
		errs = append(errs, errors.New("config: ledger lease must be positive"))
	}
	if c.NATS.DupWindow <= 0 {
		errs = append(errs, errors.New("config: NATS_DUP_WINDOW must be positive"))
	}
	if !strings.HasPrefix(c.NATS.RequestSubject, "run.req.") {
		errs = append(errs, fmt.Errorf("config: request subject %q must be under run.req", c.NATS.RequestSubject))
	}
	if c.Gateway.Concurrency < 1 {
		errs = append(errs, errors.New("config: MAGICRUNE_CONCURRENCY must be at least 1"))
	}
	if c.Gateway.Rate < 0 {
		errs = append(errs, errors.New("config: MAGICRUNE_RATE must not be negative"))
	}
	return errors.Join(errs...)
}

// env binds one variable to a field.
type env struct {
	name string
	set  func(string) error
}

func applyEnv(cfg *Config) error {
	vars := []env{
		{"MAGICRUNE_POLICY_DIR", str(&cfg.PolicyDir)},
		{"MAGICRUNE_STRICT", boolean(&cfg.Strict)},
		{"MAGICRUNE_LEDGER", str(&cfg.Ledger.Backend)},
		{"DATABASE_URL", str(&cfg.Ledger.DatabaseURL)},
		{"MAGICRUNE_SQLITE_PATH", str(&cfg.Ledger.SQLitePath)},
		{"REDIS_ADDR", str(&cfg.Ledger.RedisAddr)},
		{"REDIS_PASSWORD", str(&cfg.Ledger.RedisPassword)},
		{"REDIS_DB", integer(&cfg.Ledger.RedisDB)},
		{"MAGICRUNE_LEASE", duration(&cfg.Ledger.Lease)},
		{"MAGICRUNE_LEDGER_DONE_TTL", duration(&cfg.Ledger.DoneTTL)},
		{"NATS_URL", str(&cfg.NATS.URL)},
		{"NATS_STREAM", str(&cfg.NATS.Stream)},
		{"NATS_REQ_SUBJ", str(&cfg.NATS.RequestSubject)},
		{"NATS_DURABLE", str(&cfg.NATS.Durable)},
		{"NATS_DUP_WINDOW", duration(&cfg.NATS.DupWindow)},
		{"NATS_ACK_WAIT", duration(&cfg.NATS.AckWait)},
		{"NATS_MAX_DELIVER", integer(&cfg.NATS.MaxDeliver)},
		{"MAGICRUNE_FORCE_WASM", boolean(&cfg.Sandbox.ForceWASM)},
		{"MAGICRUNE_WASM_DIR", str(&cfg.Sandbox.WASMDir)},
		{"MAGICRUNE_WASM_SHELL", str(&cfg.Sandbox.WASMShell)},
		{"MAGICRUNE_CGROUP_PARENT", str(&cfg.Sandbox.CgroupParent)},
		{"MAGICRUNE_BWRAP", str(&cfg.Sandbox.BwrapPath)},
		{"MAGICRUNE_WORK_DIR", str(&cfg.Sandbox.WorkDir)},
		{"MAGICRUNE_CONCURRENCY", integer(&cfg.Gateway.Concurrency)},
		{"MAGICRUNE_RATE", float(&cfg.Gateway.Rate)},
		{"MAGICRUNE_REPORT_INTERVAL", duration(&cfg.Gateway.ReportInterval)},
		{"LOG_LEVEL", str(&cfg.Log.Level)},
		{"LOG_JSON", boolean(&cfg.Log.JSON)},
		{"HTTP_ADDR", str(&cfg.HTTPAddr)},
		{"OTEL_EXPORTER_OTLP_ENDPOINT", str(&cfg.OTLPEndpoint)},
	}
	var errs []error
	for _, v := range vars {
		raw, ok := os.LookupEnv(v.name)
		if !ok || raw == "" {
			continue
		}
		if err := v.set(raw); err != nil {
			errs = append(errs, fmt.Errorf("config: %s=%q: %w", v.name, raw, err))
		}
	}
	return errors.Join(errs...)
}

func str(dst *string) func(string) error {
	return func(s string) error {
		*dst = s
		return nil
	}
}

// boolean accepts strconv forms plus yes/no and on/off.
func boolean(dst *bool) func(string) error {
	return func(s string) error {
		switch strings.ToLower(s) {
		case "yes", "on":
			*dst = true
			return nil
		case "no", "off":
			*dst = false
			return nil
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func integer(dst *int) func(string) error {
	return func(s string) error {
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func float(dst *float64) func(string) error {
	return func(s string) error {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*dst = f
		return nil
	}
}

// duration accepts Go durations or a bare number of seconds.
func duration(dst *time.Duration) func(string) error {
	return func(s string) error {
		if n, err := strconv.Atoi(s); err == nil {
			*dst = time.Duration(n) * time.Second
			return nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}
