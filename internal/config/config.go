package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// StorageType 账号池持久化后端
type StorageType string

const (
	StorageTypeFile   StorageType = "file"
	StorageTypeSQLite StorageType = "sqlite"
	StorageTypeMySQL  StorageType = "mysql"
	StorageTypeBolt   StorageType = "bolt"
)

// SQLiteConfig SQLite 数据库配置
type SQLiteConfig struct {
	Path string `yaml:"path" json:"path" env:"SQLITE_PATH"`
}

// MySQLConfig MySQL 数据库配置
type MySQLConfig struct {
	Host     string `yaml:"host" json:"host" env:"MYSQL_HOST"`
	Port     int    `yaml:"port" json:"port" env:"MYSQL_PORT" validate:"omitempty,min=1,max=65535"`
	User     string `yaml:"user" json:"user" env:"MYSQL_USER"`
	Password string `yaml:"password" json:"password" env:"MYSQL_PASSWORD"`
	Database string `yaml:"database" json:"database" env:"MYSQL_DATABASE"`
	Charset  string `yaml:"charset" json:"charset" env:"MYSQL_CHARSET"`
}

// StorageConfig 快照存储配置
type StorageConfig struct {
	Type     StorageType  `yaml:"type" json:"type" env:"STORAGE_TYPE" validate:"oneof=file sqlite mysql bolt"`
	File     string       `yaml:"file" json:"file" env:"POOL_FILE"`
	BoltPath string       `yaml:"bolt_path" json:"bolt_path" env:"BOLT_PATH"`
	SQLite   SQLiteConfig `yaml:"sqlite" json:"sqlite"`
	MySQL    MySQLConfig  `yaml:"mysql" json:"mysql"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host          string   `yaml:"host" json:"host" env:"POOL_HOST"`
	Port          int      `yaml:"port" json:"port" env:"POOL_PORT" validate:"min=1,max=65535"`
	AdminPassword string   `yaml:"admin_password" json:"admin_password" env:"ADMIN_PASSWORD"`
	APIKeys       []string `yaml:"api_keys" json:"api_keys" env:"API_KEYS" envSeparator:","`
	// 每个客户端 IP 每分钟允许的对话请求数，0 表示不限制
	RateLimitPerMin int `yaml:"rate_limit_per_min" json:"rate_limit_per_min" env:"RATE_LIMIT_PER_MIN" validate:"min=0"`
}

// UpstreamConfig 上游对话服务配置
type UpstreamConfig struct {
	BaseURL       string        `yaml:"base_url" json:"base_url" env:"UPSTREAM_BASE_URL" validate:"required,url"`
	UserAgent     string        `yaml:"user_agent" json:"user_agent" env:"UPSTREAM_USER_AGENT"`
	HTTPProxy     string        `yaml:"http_proxy" json:"http_proxy" env:"HTTP_PROXY_URL"`
	Proxies       []string      `yaml:"proxies" json:"proxies" env:"UPSTREAM_PROXIES" envSeparator:","`
	ProxyStrategy string        `yaml:"proxy_strategy" json:"proxy_strategy" env:"UPSTREAM_PROXY_STRATEGY" validate:"omitempty,oneof=round_robin random account"`
	ChatTimeout   time.Duration `yaml:"chat_timeout" json:"chat_timeout" env:"CHAT_TIMEOUT" validate:"gt=0"`
	LoginTimeout  time.Duration `yaml:"login_timeout" json:"login_timeout" env:"LOGIN_TIMEOUT" validate:"gt=0"`
	// 登录/探活在网络错误时的重试次数
	Retries uint64 `yaml:"retries" json:"retries" env:"UPSTREAM_RETRIES"`
}

// PoolConfig 账号池调度配置
type PoolConfig struct {
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors" json:"max_consecutive_errors" env:"MAX_CONSECUTIVE_ERRORS" validate:"min=1"`
	HealthCheckInterval  time.Duration `yaml:"health_check_interval" json:"health_check_interval" env:"HEALTH_CHECK_INTERVAL" validate:"gt=0"`
	Concurrency          int           `yaml:"concurrency" json:"concurrency" env:"POOL_CONCURRENCY" validate:"min=1"`
	LoginDelay           time.Duration `yaml:"login_delay" json:"login_delay" env:"POOL_LOGIN_DELAY" validate:"min=0"`
	HealthCheckDelay     time.Duration `yaml:"health_check_delay" json:"health_check_delay" env:"POOL_HEALTH_CHECK_DELAY" validate:"min=0"`
	DefaultModel         string        `yaml:"default_model" json:"default_model" env:"DEFAULT_MODEL" validate:"required"`
}

// RegisterConfig 批量注册配置
type RegisterConfig struct {
	EmailDomain    string        `yaml:"email_domain" json:"email_domain" env:"REGISTER_EMAIL_DOMAIN" validate:"required,hostname"`
	PasswordLength int           `yaml:"password_length" json:"password_length" env:"REGISTER_PASSWORD_LENGTH" validate:"min=8,max=64"`
	Concurrency    int           `yaml:"concurrency" json:"concurrency" env:"REGISTER_CONCURRENCY" validate:"min=1"`
	Delay          time.Duration `yaml:"delay" json:"delay" env:"REGISTER_DELAY" validate:"min=0"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout" env:"REGISTER_TIMEOUT" validate:"gt=0"`
}

// Config 应用配置
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Upstream UpstreamConfig `yaml:"upstream" json:"upstream"`
	Pool     PoolConfig     `yaml:"pool" json:"pool"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Register RegisterConfig `yaml:"register" json:"register"`

	LogDir string `yaml:"log_dir" json:"log_dir" env:"LOG_DIR"`
	Debug  bool   `yaml:"debug" json:"debug" env:"DEBUG"`
}

// Load 返回默认配置
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Upstream: UpstreamConfig{
			BaseURL:       "https://openclaude.me",
			UserAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			ProxyStrategy: "account",
			ChatTimeout:   120 * time.Second,
			LoginTimeout:  30 * time.Second,
			Retries:       2,
		},
		Pool: PoolConfig{
			MaxConsecutiveErrors: 3,
			HealthCheckInterval:  300 * time.Second,
			Concurrency:          5,
			LoginDelay:           300 * time.Millisecond,
			HealthCheckDelay:     300 * time.Millisecond,
			DefaultModel:         "claude-sonnet-4-5",
		},
		Storage: StorageConfig{
			Type:     StorageTypeFile,
			File:     "account_pool.json",
			BoltPath: "account_pool.db",
			SQLite: SQLiteConfig{
				Path: "account_pool.sqlite3",
			},
			MySQL: MySQLConfig{
				Host:     "localhost",
				Port:     3306,
				User:     "root",
				Database: "claude_pool",
				Charset:  "utf8mb4",
			},
		},
		Register: RegisterConfig{
			EmailDomain:    "gmail.com",
			PasswordLength: 16,
			Concurrency:    5,
			Delay:          500 * time.Millisecond,
			Timeout:        30 * time.Second,
		},
		LogDir: "logs",
	}
}

// LoadFromYAML 在默认配置上叠加 YAML 文件中出现的字段
func LoadFromYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Load()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析 %s 失败: %w", path, err)
	}
	return cfg, nil
}

// LoadFromJSON 兼容 JSON 格式的配置文件
func LoadFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Load()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析 %s 失败: %w", path, err)
	}
	return cfg, nil
}

// LoadConfig 加载配置：指定文件 > config.yaml > config.yml > config.json > 默认值，
// 之后叠加环境变量并校验
func LoadConfig(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	if path != "" {
		if filepath.Ext(path) == ".json" {
			return LoadFromJSON(path)
		}
		return LoadFromYAML(path)
	}
	for _, name := range []string{"config.yaml", "config.yml"} {
		if _, err := os.Stat(name); err == nil {
			return LoadFromYAML(name)
		}
	}
	if _, err := os.Stat("config.json"); err == nil {
		return LoadFromJSON("config.json")
	}
	return Load(), nil
}

// ApplyEnv 用环境变量覆盖配置，未设置的变量保持原值
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("解析环境变量失败: %w", err)
	}
	return nil
}

var validate = validator.New()

// Validate 校验配置取值
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	return nil
}

// Addr 返回监听地址
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
