package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
}

type ServerConfig struct {
	Port            int      `mapstructure:"port"`
	WorkerID        int64    `mapstructure:"worker_id"` // 雪花节点ID，多实例部署时各不相同
	SubmitRateLimit float64  `mapstructure:"submit_rate_limit"` // 每个用户每秒允许的提交次数
	SubmitBurst     int      `mapstructure:"submit_burst"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql | postgres | sqlite
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"` // sqlite 时为文件路径或 DSN
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	GenerationEvents string `mapstructure:"generation_events"`
}

type AdminConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Role      string `mapstructure:"role"`
}

type LedgerConfig struct {
	MaxAttempts   uint          `mapstructure:"max_attempts"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	WelcomeGrant  int64         `mapstructure:"welcome_grant"`
}

type ReconcileConfig struct {
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	HardCeiling    time.Duration `mapstructure:"hard_ceiling"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
}

type AuditConfig struct {
	Tolerance      int64         `mapstructure:"tolerance"`
	Interval       time.Duration `mapstructure:"interval"` // 0 表示只允许运维手动触发
	StuckThreshold time.Duration `mapstructure:"stuck_threshold"`
}

type OutboxConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	BatchSize  int           `mapstructure:"batch_size"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type ProviderConfig struct {
	Default       string                    `mapstructure:"default"`
	SubmitTimeout time.Duration             `mapstructure:"submit_timeout"`
	StatusTimeout time.Duration             `mapstructure:"status_timeout"`
	Retry         RetryConfig               `mapstructure:"retry"`
	Endpoints     map[string]EndpointConfig `mapstructure:"endpoints"`
}

type RetryConfig struct {
	MaxAttempts     uint          `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

type EndpointConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	CallbackURL   string `mapstructure:"callback_url"`
}

type PricingConfig struct {
	Modes  map[string]int64 `mapstructure:"modes"`
	AddOns map[string]int64 `mapstructure:"add_ons"`
}

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("server.submit_rate_limit", 1.0)
	v.SetDefault("server.submit_burst", 5)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.ssl_mode", "disable")

	v.SetDefault("kafka.topic.generation_events", "generation_events")

	v.SetDefault("admin.role", "admin")

	v.SetDefault("ledger.max_attempts", 5)
	v.SetDefault("ledger.retry_interval", 10*time.Millisecond)
	v.SetDefault("ledger.welcome_grant", 10)

	v.SetDefault("reconcile.stale_threshold", time.Hour)
	v.SetDefault("reconcile.hard_ceiling", 24*time.Hour)
	v.SetDefault("reconcile.sweep_interval", 10*time.Minute)
	v.SetDefault("reconcile.batch_size", 100)
	v.SetDefault("reconcile.lock_ttl", 5*time.Minute)

	v.SetDefault("audit.tolerance", 0)
	v.SetDefault("audit.interval", 0)
	v.SetDefault("audit.stuck_threshold", time.Hour)

	v.SetDefault("outbox.interval", 500*time.Millisecond)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_retries", 5)

	v.SetDefault("provider.default", "tripo")
	v.SetDefault("provider.submit_timeout", 30*time.Second)
	v.SetDefault("provider.status_timeout", 15*time.Second)
	v.SetDefault("provider.retry.max_attempts", 3)
	v.SetDefault("provider.retry.initial_interval", 500*time.Millisecond)
	v.SetDefault("provider.retry.max_interval", 5*time.Second)
}

// Load 读取配置文件，环境变量（前缀 GENLEDGER_）优先级高于文件
func Load(configPath string) (*Config, error) {
	// .env 只是本地开发的便利，不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("GENLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	GlobalConfig = cfg
	return cfg, nil
}

// Validate 检查会导致资金悬空的配置组合
func (c *Config) Validate() error {
	if c.Reconcile.HardCeiling < c.Reconcile.StaleThreshold {
		return fmt.Errorf("reconcile.hard_ceiling (%s) 不能小于 reconcile.stale_threshold (%s)",
			c.Reconcile.HardCeiling, c.Reconcile.StaleThreshold)
	}
	if c.Provider.SubmitTimeout <= 0 {
		return fmt.Errorf("provider.submit_timeout 必须大于0")
	}
	// 巡检会把超过 stale 阈值的 PENDING 任务判为丢失，阈值必须长于一次提交调用
	if c.Reconcile.StaleThreshold <= c.Provider.SubmitTimeout {
		return fmt.Errorf("reconcile.stale_threshold (%s) 必须大于 provider.submit_timeout (%s)",
			c.Reconcile.StaleThreshold, c.Provider.SubmitTimeout)
	}
	if c.Ledger.MaxAttempts == 0 {
		return fmt.Errorf("ledger.max_attempts 至少为1")
	}
	return nil
}
