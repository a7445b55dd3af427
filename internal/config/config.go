package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"ezoutreach/internal/provider/verifier"
	"ezoutreach/internal/service/completion"
	"ezoutreach/internal/service/orchestrator"
	"ezoutreach/internal/service/registry"
	"ezoutreach/internal/service/reply"
	"ezoutreach/internal/service/scheduler"
	"ezoutreach/internal/service/verification"
	"ezoutreach/pkg/config"
)

type RateLimitConfig struct {
	// sender type -> 每个邮箱的最大并发
	Caps    map[string]int `yaml:"caps"`
	Default int            `yaml:"default"`
}

type ClientCacheConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	MaxRetries int           `yaml:"max_retries"`
	BatchSize  int           `yaml:"batch_size"`
}

type DedupConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Config is shared by the scheduler, worker and ingest binaries; each reads
// only the sections it needs.
type Config struct {
	DB     config.DBConfig     `yaml:"db"`
	MQ     config.MQConfig     `yaml:"mq"`
	Redis  config.RedisConfig  `yaml:"redis"`
	Server config.ServerConfig `yaml:"server"`
	Log    LogConfig           `yaml:"log"`

	// 启动时执行 migrations/
	AutoMigrate bool `yaml:"auto_migrate"`

	Registry     registry.Config     `yaml:"registry"`
	Scheduler    scheduler.Config    `yaml:"scheduler"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Completion   completion.Config   `yaml:"completion"`
	Verification verification.Config `yaml:"verification"`
	Verifier     verifier.Config     `yaml:"verifier"`
	Reply        reply.Config        `yaml:"reply"`

	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	ClientCache ClientCacheConfig `yaml:"client_cache"`
	Outbox      OutboxConfig      `yaml:"outbox"`
	Dedup       DedupConfig       `yaml:"dedup"`
}

// LoadFrom reads base.yaml plus <env>.yaml from dir, then applies
// environment overrides.
func LoadFrom(env, dir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(env, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var cfg Config
	if err := config.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideServerFromEnv(&cfg.Server)
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if key := os.Getenv("VERIFIER_API_KEY"); key != "" {
		cfg.Verifier.APIKey = key
	}
	if mode := os.Getenv("DELIVERY_MODE"); mode != "" {
		cfg.Orchestrator.DeliveryMode = orchestrator.DeliveryMode(mode)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load uses CONFIG_ENV and CONFIG_DIR and exits on failure.
func Load() *Config {
	env := config.GetConfigEnv()
	dir := config.GetEnv("CONFIG_DIR", "config")

	cfg, err := LoadFrom(env, dir)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// OpsPort returns the ops HTTP port, falling back to def.
func (c *Config) OpsPort(def int) int {
	if c.Server.Port == "" {
		return def
	}
	p, err := strconv.Atoi(c.Server.Port)
	if err != nil || p <= 0 {
		return def
	}
	return p
}

func (c *Config) validate() error {
	switch c.Orchestrator.DeliveryMode {
	case "", orchestrator.DeliveryInline, orchestrator.DeliveryQueue:
	default:
		return fmt.Errorf("invalid orchestrator.delivery_mode %q", c.Orchestrator.DeliveryMode)
	}
	if c.Server.Port != "" {
		if _, err := strconv.Atoi(c.Server.Port); err != nil {
			return fmt.Errorf("invalid server.port %q: %w", c.Server.Port, err)
		}
	}
	for kind, n := range c.RateLimit.Caps {
		if n <= 0 {
			return fmt.Errorf("rate_limit.caps.%s must be > 0", kind)
		}
	}
	return nil
}
