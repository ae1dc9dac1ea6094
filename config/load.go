package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"portfolio-sync/infrastructure/logger"
	"portfolio-sync/infrastructure/monitor"
)

// 敏感字段的环境变量覆盖
const (
	EnvSessionCookie = "PSYNC_SESSION_COOKIE"
	EnvBaseURL       = "PSYNC_BASE_URL"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env     string         `yaml:"env" default:"dev" validate:"required"`
	Remote  RemoteConfig   `yaml:"remote"`
	Sync    SyncConfig     `yaml:"sync"`
	Server  ServerConfig   `yaml:"server"`
	Alert   AlertConfig    `yaml:"alert"`
	Reload  ReloadConfig   `yaml:"reload"`
	Logger  logger.Config  `yaml:"logger"`
	Monitor monitor.Config `yaml:"monitor"`
}

// RemoteConfig 远端投资组合服务
type RemoteConfig struct {
	BaseURL       string        `yaml:"base_url" validate:"required,url"`
	SessionCookie string        `yaml:"session_cookie" validate:"required"`
	Timeout       time.Duration `yaml:"timeout" default:"30s"`
	Rate          float64       `yaml:"rate" default:"5" validate:"gt=0"`
	Burst         int           `yaml:"burst" default:"5" validate:"gte=1"`
}

// SyncConfig 同步协调器参数
type SyncConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval" default:"60s"`
	InitialPortfolio string        `yaml:"initial_portfolio"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr" default:":8080" validate:"required"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" default:"5s"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" default:"5s"`
}

type AlertConfig struct {
	ThrottleInterval time.Duration `yaml:"throttle_interval" default:"30s"`
}

// ReloadConfig 配置文件热更新
type ReloadConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Cooldown time.Duration `yaml:"cooldown" default:"2s"`
}

// Load reads YAML config from path, fills defaults and validates.
func Load(path string) (AppConfig, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	return cfg, Validate(cfg)
}

func read(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := defaults.Set(&cfg); err != nil {
		return cfg, fmt.Errorf("apply defaults: %w", err)
	}
	if len(cfg.Logger.Outputs) == 0 {
		cfg.Logger.Outputs = []string{"stdout"}
	}
	return cfg, nil
}

func applyEnv(cfg *AppConfig) {
	if v := os.Getenv(EnvSessionCookie); v != "" {
		cfg.Remote.SessionCookie = v
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		cfg.Remote.BaseURL = v
	}
}
