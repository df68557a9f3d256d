package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Shop      ShopConfig      `yaml:"shop"`
	Pool      PoolConfig      `yaml:"pool"`
	Limits    LimitsConfig    `yaml:"limits"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Retry     RetryConfig     `yaml:"retry"`
	Challenge ChallengeConfig `yaml:"challenge"`
	Notify    NotifyConfig    `yaml:"notify"`
	Session   SessionConfig   `yaml:"session"`
}

type ServerConfig struct {
	Addr string     `yaml:"addr"`
	Cors CorsConfig `yaml:"cors"`
}

type CorsConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlitePath"`
}

type ShopConfig struct {
	BaseURL   string `yaml:"baseURL"`
	TimeoutMs int    `yaml:"timeoutMs"`
	UserAgent string `yaml:"userAgent"`
}

func (c ShopConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// PoolConfig 代理池。Groups 的 key 是分组名，value 是代理 URL 列表。
type PoolConfig struct {
	Groups           map[string][]string `yaml:"groups"`
	FailureThreshold int                 `yaml:"failureThreshold"`
	// GroupIsolation 开启后任务只能从自己声明的分组拿代理，
	// 避免不相关的任务共用出口 IP。
	GroupIsolation bool `yaml:"groupIsolation"`
}

func (c PoolConfig) Threshold() int {
	if c.FailureThreshold <= 0 {
		return 3
	}
	return c.FailureThreshold
}

type LimitsConfig struct {
	GlobalQPS   float64 `yaml:"globalQPS"`
	GlobalBurst int     `yaml:"globalBurst"`
	// LaunchStaggerMs 按优先级启动任务时的间隔，高优先级先拿到资源。
	LaunchStaggerMs int `yaml:"launchStaggerMs"`
	// StopGraceMs 全局取消后等待任务收尾的时间，超时即强制返回。
	StopGraceMs int `yaml:"stopGraceMs"`
}

func (c LimitsConfig) LaunchStagger() time.Duration {
	if c.LaunchStaggerMs <= 0 {
		return 25 * time.Millisecond
	}
	return time.Duration(c.LaunchStaggerMs) * time.Millisecond
}

func (c LimitsConfig) StopGrace() time.Duration {
	if c.StopGraceMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.StopGraceMs) * time.Millisecond
}

type MonitorConfig struct {
	IntervalMs int `yaml:"intervalMs"`
	// JitterPct 轮询间隔的随机抖动比例（0~1），防止多任务同步打点。
	JitterPct float64 `yaml:"jitterPct"`
}

func (c MonitorConfig) Interval() time.Duration {
	if c.IntervalMs <= 0 {
		return 300 * time.Millisecond
	}
	return time.Duration(c.IntervalMs) * time.Millisecond
}

func (c MonitorConfig) Jitter() float64 {
	if c.JitterPct <= 0 || c.JitterPct > 1 {
		return 0.25
	}
	return c.JitterPct
}

type RetryConfig struct {
	MaxAttempts   int `yaml:"maxAttempts"`
	BackoffBaseMs int `yaml:"backoffBaseMs"`
	BackoffCapMs  int `yaml:"backoffCapMs"`
}

func (c RetryConfig) Attempts() int {
	if c.MaxAttempts <= 0 {
		return 3
	}
	return c.MaxAttempts
}

func (c RetryConfig) BackoffBase() time.Duration {
	if c.BackoffBaseMs <= 0 {
		return time.Second
	}
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

func (c RetryConfig) BackoffCap() time.Duration {
	if c.BackoffCapMs <= 0 {
		return 8 * time.Second
	}
	return time.Duration(c.BackoffCapMs) * time.Millisecond
}

type ChallengeConfig struct {
	TimeoutMs int `yaml:"timeoutMs"`
}

func (c ChallengeConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

type NotifyConfig struct {
	WebhookURL string      `yaml:"webhookURL"`
	Email      EmailConfig `yaml:"email"`
}

type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	SMTPHost string `yaml:"smtpHost"`
	SMTPPort int    `yaml:"smtpPort"`
	Address  string `yaml:"address"`
	AuthCode string `yaml:"authCode"`
}

type SessionConfig struct {
	CookiesPath string `yaml:"cookiesPath"`
	RefreshPath string `yaml:"refreshPath"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./data/porter.db"
	}
	if c.Shop.UserAgent == "" {
		c.Shop.UserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1"
	}
	if c.Limits.GlobalQPS <= 0 {
		c.Limits.GlobalQPS = 10
	}
	if c.Limits.GlobalBurst <= 0 {
		c.Limits.GlobalBurst = 20
	}
	if c.Session.CookiesPath == "" {
		c.Session.CookiesPath = "./data/cookies.json"
	}
	if c.Session.RefreshPath == "" {
		c.Session.RefreshPath = "/api/auth/refresh"
	}
}

func (c Config) validate() error {
	if c.Shop.BaseURL == "" {
		return errors.New("shop.baseURL is required")
	}
	if c.Monitor.JitterPct < 0 || c.Monitor.JitterPct > 1 {
		return fmt.Errorf("monitor.jitterPct must be within [0,1], got %v", c.Monitor.JitterPct)
	}
	return nil
}
