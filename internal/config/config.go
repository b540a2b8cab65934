// Package config loads the RPC HTTP front-end's configuration from an
// optional YAML file, environment variable overrides, and finally
// built-in defaults, in that precedence order.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// =============================================================================
// Embedded RPC HTTP front-end — configuration
// =============================================================================

type Config struct {
	RPC     RPCConfig     `yaml:"rpc"`
	Admin   AdminConfig   `yaml:"admin"`
	Redis   RedisConfig   `yaml:"redis"`
	Audit   AuditConfig   `yaml:"audit"`
	Logging LoggingConfig `yaml:"logging"`
}

// RPCConfig mirrors the bitcoind-style -rpc* command-line options.
type RPCConfig struct {
	Port                int      `yaml:"port"`
	Bind                []string `yaml:"bind"`
	AllowIP             []string `yaml:"allow_ip"`
	Threads             int      `yaml:"threads"`
	WorkQueueDepth      int      `yaml:"work_queue_depth"`
	ServerTimeoutSec    int      `yaml:"server_timeout_sec"`
	ExcessiveBlockSize  int64    `yaml:"excessive_block_size"`
	TraceEnabled        bool     `yaml:"trace_enabled"`
}

// AdminConfig controls the loopback-only diagnostics surface.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Token   string `yaml:"token"`
}

// RedisConfig backs the optional ACL hot-reload channel.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuditConfig backs the optional admission-decision audit sink.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// =============================================================================
// Singleton pattern with environment overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton config instance.
func Get() *Config {
	once.Do(func() {
		if err := godotenv.Load(); err != nil {
			slog.Debug("config: no .env file found")
		}
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file without touching the singleton.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides, then defaults.
func (c *Config) applyEnvOverrides() {
	if v := getEnvInt("RPC_PORT", 0); v > 0 {
		c.RPC.Port = v
	}
	if binds := getEnv("RPC_BIND", ""); binds != "" {
		c.RPC.Bind = splitCSV(binds)
	}
	if allow := getEnv("RPC_ALLOWIP", ""); allow != "" {
		c.RPC.AllowIP = splitCSV(allow)
	}
	if v := getEnvInt("RPC_THREADS", 0); v > 0 {
		c.RPC.Threads = v
	}
	if v := getEnvInt("RPC_WORKQUEUE", 0); v > 0 {
		c.RPC.WorkQueueDepth = v
	}
	if v := getEnvInt("RPC_SERVERTIMEOUT", 0); v > 0 {
		c.RPC.ServerTimeoutSec = v
	}
	if v := getEnvInt("RPC_EXCESSIVE_BLOCK_SIZE", 0); v > 0 {
		c.RPC.ExcessiveBlockSize = int64(v)
	}
	c.RPC.TraceEnabled = getEnvBool("RPC_TRACE", c.RPC.TraceEnabled)

	c.Admin.Enabled = getEnvBool("ADMIN_ENABLED", c.Admin.Enabled)
	c.Admin.Addr = getEnv("ADMIN_ADDR", c.Admin.Addr)
	c.Admin.Token = getEnv("ADMIN_TOKEN", c.Admin.Token)

	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if v := getEnvInt("REDIS_DB", -1); v >= 0 {
		c.Redis.DB = v
	}

	c.Audit.Enabled = getEnvBool("AUDIT_ENABLED", c.Audit.Enabled)
	c.Audit.DSN = getEnv("AUDIT_DSN", c.Audit.DSN)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued fields, matching
// the implementation defaults spec.md §6 documents for each -rpc* option.
func (c *Config) applyDefaults() {
	if c.RPC.Threads <= 0 {
		c.RPC.Threads = 4
	}
	if c.RPC.WorkQueueDepth <= 0 {
		c.RPC.WorkQueueDepth = 16
	}
	if c.RPC.ServerTimeoutSec <= 0 {
		c.RPC.ServerTimeoutSec = 30
	}
	if c.RPC.ExcessiveBlockSize <= 0 {
		c.RPC.ExcessiveBlockSize = 16 << 20 // 16 MiB, doubled against MIN_SUPPORTED_BODY_SIZE
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = "127.0.0.1:8081"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// =============================================================================
// Helper functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// MaxBodySize returns the maximum accepted HTTP body size:
// MIN_SUPPORTED_BODY_SIZE + 2*ExcessiveBlockSize, per spec.md §4.F.
func (c *Config) MaxBodySize() int64 {
	const minSupportedBodySize = 32 << 20 // 32 MiB
	return minSupportedBodySize + 2*c.RPC.ExcessiveBlockSize
}
