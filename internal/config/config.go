// Package config provides the worker pool's immutable configuration
// (DEFAULTS ◁ preset ◁ overrides) and the ambient service configuration
// (HTTP transport, session store, elicitation store, audit sink) that
// wraps it for the server and CLI binaries.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServiceConfig holds everything cmd/enclave-server and cmd/poolctl
// need beyond the pool's own Config.
type ServiceConfig struct {
	Server       ServerConfig       `mapstructure:"server"`
	Pool         PoolSection        `mapstructure:"pool"`
	Auth         AuthConfig         `mapstructure:"auth"`
	SessionStore SessionStoreConfig `mapstructure:"session_store"`
	Elicitation  ElicitationConfig  `mapstructure:"elicitation"`
	Audit        AuditConfig        `mapstructure:"audit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// PoolSection selects the named preset and its overrides for the
// worker pool's own Config (see presets.go).
type PoolSection struct {
	Preset                  string        `mapstructure:"preset"`
	MinWorkers              int           `mapstructure:"min_workers"`
	MaxWorkers              int           `mapstructure:"max_workers"`
	MemoryLimitPerWorkerMB  int64         `mapstructure:"memory_limit_per_worker_mb"`
	MaxExecutionsPerWorker  int           `mapstructure:"max_executions_per_worker"`
	QueueTimeout            time.Duration `mapstructure:"queue_timeout"`
	MaxQueueSize            int           `mapstructure:"max_queue_size"`
	WarmOnInit              bool          `mapstructure:"warm_on_init"`
}

// AuthConfig holds caller-identity validation configuration.
type AuthConfig struct {
	StaticToken    string `mapstructure:"static_token"`
	UserServiceURL string `mapstructure:"user_service_url"`
}

// SessionStoreConfig holds Redis connection configuration for session
// context propagation.
type SessionStoreConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ElicitationConfig holds MongoDB connection configuration for the
// elicitation store.
type ElicitationConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// AuditConfig holds Postgres connection configuration for the
// execution audit sink. An empty DSN disables auditing (a NoopSink is
// used instead).
type AuditConfig struct {
	DSN string `mapstructure:"dsn"`
}

// Load reads service configuration from file, then environment
// variables prefixed ENCLAVE_, applying sensible defaults for anything
// unset. The pool's own Config is derived afterward via ToPoolConfig.
func Load(configPath string) (*ServiceConfig, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("pool.preset", "standard")
	v.SetDefault("pool.warm_on_init", true)

	v.SetDefault("auth.static_token", "")
	v.SetDefault("auth.user_service_url", "")

	v.SetDefault("session_store.addr", "localhost:6379")
	v.SetDefault("session_store.password", "")
	v.SetDefault("session_store.db", 0)

	v.SetDefault("elicitation.uri", "mongodb://localhost:27017")
	v.SetDefault("elicitation.database", "enclave")

	v.SetDefault("audit.dsn", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("enclave")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/enclave")
	}

	v.SetEnvPrefix("ENCLAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg ServiceConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ToPoolConfig derives the pool's own immutable Config from the
// service config's preset name and overrides.
func (s *ServiceConfig) ToPoolConfig() (Config, error) {
	var overrides []Override
	if s.Pool.MinWorkers > 0 {
		overrides = append(overrides, WithMinWorkers(s.Pool.MinWorkers))
	}
	if s.Pool.MaxWorkers > 0 {
		overrides = append(overrides, WithMaxWorkers(s.Pool.MaxWorkers))
	}
	if s.Pool.MemoryLimitPerWorkerMB > 0 {
		overrides = append(overrides, WithMemoryLimitPerWorker(s.Pool.MemoryLimitPerWorkerMB*1024*1024))
	}
	if s.Pool.MaxQueueSize > 0 {
		overrides = append(overrides, WithMaxQueueSize(s.Pool.MaxQueueSize))
	}
	if s.Pool.QueueTimeout > 0 {
		overrides = append(overrides, WithQueueTimeout(s.Pool.QueueTimeout))
	}
	overrides = append(overrides, WithWarmOnInit(s.Pool.WarmOnInit))

	return New(Preset(s.Pool.Preset), overrides...)
}
