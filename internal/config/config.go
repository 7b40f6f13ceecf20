package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Business BusinessConfig `mapstructure:"business"`
	Rules    []RuleConfig   `mapstructure:"rules"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`
	AdminKey string `mapstructure:"admin_key"`
	WorkerID int64  `mapstructure:"worker_id"` // 雪花算法机器号，多实例部署时各不相同
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"`
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
	LedgerEvents  string `mapstructure:"ledger_events"`
	SessionEvents string `mapstructure:"session_events"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type LogConfig struct {
	Mode string `mapstructure:"mode"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// BusinessConfig 业务参数：账本锁、重试、会话超时、后台任务
type BusinessConfig struct {
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
	LockRetryInterval  time.Duration `mapstructure:"lock_retry_interval"`
	LockMaxRetries     int           `mapstructure:"lock_max_retries"`
	StoreRetryAttempts int           `mapstructure:"store_retry_attempts"`
	StoreRetryInitial  time.Duration `mapstructure:"store_retry_initial"`
	StoreRetryMax      time.Duration `mapstructure:"store_retry_max"`
	SessionPendingTTL  time.Duration `mapstructure:"session_pending_ttl"`
	SessionMaxActive   time.Duration `mapstructure:"session_max_active"`
	SessionJobInterval time.Duration `mapstructure:"session_job_interval"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`
	ReconcileParallel  int           `mapstructure:"reconcile_parallel"`
	OutboxInterval     time.Duration `mapstructure:"outbox_interval"`
	OutboxMaxRetry     int           `mapstructure:"outbox_max_retry"`
}

// RuleConfig 启动时写入规则目录的一条积分规则
type RuleConfig struct {
	Name              string `mapstructure:"name"`
	Type              string `mapstructure:"type"`
	CreditAmount      int64  `mapstructure:"credit_amount"`
	Trigger           string `mapstructure:"trigger"`
	MinIntervalHours  *int   `mapstructure:"min_interval_hours"`
	MaxUsesPerAccount *int   `mapstructure:"max_uses_per_account"`
	ValidFrom         string `mapstructure:"valid_from"`
	ValidUntil        string `mapstructure:"valid_until"`
	Active            bool   `mapstructure:"active"`
	Description       string `mapstructure:"description"`
}

// Window 解析规则有效期（RFC3339），valid_from 为空表示立即生效，valid_until 为空表示长期有效
func (r RuleConfig) Window() (time.Time, *time.Time, error) {
	var from time.Time
	if r.ValidFrom != "" {
		t, err := time.Parse(time.RFC3339, r.ValidFrom)
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("rule %s valid_from: %w", r.Name, err)
		}
		from = t.UTC()
	}
	if r.ValidUntil == "" {
		return from, nil, nil
	}
	t, err := time.Parse(time.RFC3339, r.ValidUntil)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("rule %s valid_until: %w", r.Name, err)
	}
	until := t.UTC()
	return from, &until, nil
}

// DSNFor 根据驱动拼接连接串，显式配置的 dsn 优先
func (c DatabaseConfig) DSNFor() string {
	if c.DSN != "" {
		return c.DSN
	}
	switch c.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
			c.Host, c.Port, c.User, c.Password, c.Database)
	case "sqlite":
		return c.Database
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			c.User, c.Password, c.Host, c.Port, c.Database)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("kafka.topic.ledger_events", "credit-ledger-events")
	v.SetDefault("kafka.topic.session_events", "interview-session-events")
	v.SetDefault("auth.issuer", "creditsystem")
	v.SetDefault("log.mode", "prod")
	v.SetDefault("tracing.service_name", "creditsystem")
	v.SetDefault("tracing.sample_ratio", 0.1)
	v.SetDefault("business.lock_ttl", 30*time.Second)
	v.SetDefault("business.lock_retry_interval", 50*time.Millisecond)
	v.SetDefault("business.lock_max_retries", 60)
	v.SetDefault("business.store_retry_attempts", 3)
	v.SetDefault("business.store_retry_initial", 50*time.Millisecond)
	v.SetDefault("business.store_retry_max", time.Second)
	v.SetDefault("business.session_pending_ttl", 24*time.Hour)
	v.SetDefault("business.session_max_active", 3*time.Hour)
	v.SetDefault("business.session_job_interval", time.Minute)
	v.SetDefault("business.reconcile_interval", 10*time.Minute)
	v.SetDefault("business.reconcile_parallel", 4)
	v.SetDefault("business.outbox_interval", 200*time.Millisecond)
	v.SetDefault("business.outbox_max_retry", 5)
}

// LoadConfig 加载配置文件
//
// 环境变量 CREDITSYSTEM_* 覆盖文件中的值，例如 CREDITSYSTEM_DATABASE_PASSWORD
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CREDITSYSTEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败 %s: %w", configPath, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验启动必需的配置项
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("不支持的数据库驱动 %q", c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret 不能为空")
	}
	for i, r := range c.Rules {
		if r.Name == "" || r.Trigger == "" {
			return fmt.Errorf("rules[%d]: name 和 trigger 不能为空", i)
		}
		if r.CreditAmount <= 0 {
			return fmt.Errorf("rules[%d] %s: credit_amount 必须大于0", i, r.Name)
		}
		if _, _, err := r.Window(); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
	}
	return nil
}
