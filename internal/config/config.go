package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config river-workorder 服务配置
// 加载顺序：默认值 → CONFIG_FILE（YAML，可选）→ 环境变量
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Push      PushConfig      `yaml:"push"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Addr            string  `yaml:"addr"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"` // 每个 IP 每秒请求数，<=0 关闭限流
	RateBurst       int     `yaml:"rate_burst"`
}

// StoreConfig 存储选择
type StoreConfig struct {
	Driver string `yaml:"driver"` // memory | postgres
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
	MaxIdle  int    `yaml:"max_idle"`
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis 配置（工单编号序列 + 通知流）
type RedisConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Addr               string `yaml:"addr"`
	Password           string `yaml:"password"`
	DB                 int    `yaml:"db"`
	NotificationStream string `yaml:"notification_stream"`
}

// MQTTConfig MQTT 配置（按用户 topic 推送到巡河终端）
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"` // 实际 topic: <prefix>/<user_id>
	QoS         byte   `yaml:"qos"`
}

// PushConfig 推送配置
type PushConfig struct {
	JPushEnabled      bool          `yaml:"jpush_enabled"`
	JPushBaseURL      string        `yaml:"jpush_base_url"`
	JPushAppKey       string        `yaml:"jpush_app_key"`
	JPushMasterSecret string        `yaml:"jpush_master_secret"`
	JPushProduction   bool          `yaml:"jpush_production"`
	WebPushEnabled    bool          `yaml:"webpush_enabled"`
	VAPIDPublicKey    string        `yaml:"vapid_public_key"`
	VAPIDPrivateKey   string        `yaml:"vapid_private_key"`
	VAPIDSubject      string        `yaml:"vapid_subject"`
	TTL               int           `yaml:"ttl"`
	Timeout           time.Duration `yaml:"timeout"`
}

// OutboxConfig 通知投递配置
type OutboxConfig struct {
	Workers      int           `yaml:"workers"`
	BatchSize    int           `yaml:"batch_size"`
	MaxAttempts  int           `yaml:"max_attempts"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Lease        time.Duration `yaml:"lease"`
}

// WorkflowConfig 工单流程参数
type WorkflowConfig struct {
	SLAUrgent            time.Duration `yaml:"sla_urgent"`
	SLAImportant         time.Duration `yaml:"sla_important"`
	SLANormal            time.Duration `yaml:"sla_normal"`
	ConfirmTimeout       time.Duration `yaml:"confirm_timeout"` // 上报人确认超时，超时后区域主管可介入
	AreaCacheTTL         time.Duration `yaml:"area_cache_ttl"`
	MaxTransitionRetries int           `yaml:"max_transition_retries"`
	StoreRetryElapsed    time.Duration `yaml:"store_retry_elapsed"`
	AuditBufferSize      int           `yaml:"audit_buffer_size"`
}

// TelemetryConfig OpenTelemetry 配置
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Stdout      bool   `yaml:"stdout"`
	ServiceName string `yaml:"service_name"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.HTTP.Addr = ":8080"
	cfg.HTTP.RateLimitPerSec = 20
	cfg.HTTP.RateBurst = 40

	cfg.Store.Driver = "memory"

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "river"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 20
	cfg.Database.MaxIdle = 5

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.NotificationStream = "river:notifications"

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "river-workorder"
	cfg.MQTT.TopicPrefix = "river/notify"
	cfg.MQTT.QoS = 1

	cfg.Push.JPushBaseURL = "https://api.jpush.cn"
	cfg.Push.VAPIDSubject = "mailto:ops@example.com"
	cfg.Push.TTL = 3600
	cfg.Push.Timeout = 10 * time.Second

	cfg.Outbox.Workers = 4
	cfg.Outbox.BatchSize = 50
	cfg.Outbox.MaxAttempts = 5
	cfg.Outbox.PollInterval = 2 * time.Second
	cfg.Outbox.Lease = 30 * time.Second

	cfg.Workflow.SLAUrgent = 4 * time.Hour
	cfg.Workflow.SLAImportant = 12 * time.Hour
	cfg.Workflow.SLANormal = 24 * time.Hour
	cfg.Workflow.ConfirmTimeout = 24 * time.Hour
	cfg.Workflow.AreaCacheTTL = 5 * time.Minute
	cfg.Workflow.MaxTransitionRetries = 3
	cfg.Workflow.StoreRetryElapsed = 2 * time.Second
	cfg.Workflow.AuditBufferSize = 10000

	cfg.Telemetry.ServiceName = "river-workorder"

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.RateLimitPerSec = parseFloat(os.Getenv("HTTP_RATE_LIMIT"), cfg.HTTP.RateLimitPerSec)
	cfg.HTTP.RateBurst = parseInt(os.Getenv("HTTP_RATE_BURST"), cfg.HTTP.RateBurst)

	cfg.Store.Driver = getEnv("STORE_DRIVER", cfg.Store.Driver)

	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = parseInt(os.Getenv("DB_PORT"), cfg.Database.Port)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnv("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)
	cfg.Database.MaxConns = parseInt(os.Getenv("DB_MAX_CONNS"), cfg.Database.MaxConns)
	cfg.Database.MaxIdle = parseInt(os.Getenv("DB_MAX_IDLE"), cfg.Database.MaxIdle)

	cfg.Redis.Enabled = parseBool(os.Getenv("REDIS_ENABLED"), cfg.Redis.Enabled)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = parseInt(os.Getenv("REDIS_DB"), cfg.Redis.DB)
	cfg.Redis.NotificationStream = getEnv("REDIS_NOTIFICATION_STREAM", cfg.Redis.NotificationStream)

	cfg.MQTT.Enabled = parseBool(os.Getenv("MQTT_ENABLED"), cfg.MQTT.Enabled)
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", cfg.MQTT.ClientID)
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.MQTT.TopicPrefix = getEnv("MQTT_TOPIC_PREFIX", cfg.MQTT.TopicPrefix)

	cfg.Push.JPushEnabled = parseBool(os.Getenv("JPUSH_ENABLED"), cfg.Push.JPushEnabled)
	cfg.Push.JPushBaseURL = getEnv("JPUSH_BASE_URL", cfg.Push.JPushBaseURL)
	cfg.Push.JPushAppKey = getEnv("JPUSH_APP_KEY", cfg.Push.JPushAppKey)
	cfg.Push.JPushMasterSecret = getEnv("JPUSH_MASTER_SECRET", cfg.Push.JPushMasterSecret)
	cfg.Push.JPushProduction = parseBool(os.Getenv("JPUSH_PRODUCTION"), cfg.Push.JPushProduction)
	cfg.Push.WebPushEnabled = parseBool(os.Getenv("WEBPUSH_ENABLED"), cfg.Push.WebPushEnabled)
	cfg.Push.VAPIDPublicKey = getEnv("VAPID_PUBLIC_KEY", cfg.Push.VAPIDPublicKey)
	cfg.Push.VAPIDPrivateKey = getEnv("VAPID_PRIVATE_KEY", cfg.Push.VAPIDPrivateKey)
	cfg.Push.VAPIDSubject = getEnv("VAPID_SUBJECT", cfg.Push.VAPIDSubject)

	cfg.Outbox.Workers = parseInt(os.Getenv("OUTBOX_WORKERS"), cfg.Outbox.Workers)
	cfg.Outbox.BatchSize = parseInt(os.Getenv("OUTBOX_BATCH_SIZE"), cfg.Outbox.BatchSize)
	cfg.Outbox.MaxAttempts = parseInt(os.Getenv("OUTBOX_MAX_ATTEMPTS"), cfg.Outbox.MaxAttempts)
	cfg.Outbox.PollInterval = parseDuration(os.Getenv("OUTBOX_POLL_INTERVAL"), cfg.Outbox.PollInterval)

	cfg.Workflow.SLAUrgent = parseDuration(os.Getenv("SLA_URGENT"), cfg.Workflow.SLAUrgent)
	cfg.Workflow.SLAImportant = parseDuration(os.Getenv("SLA_IMPORTANT"), cfg.Workflow.SLAImportant)
	cfg.Workflow.SLANormal = parseDuration(os.Getenv("SLA_NORMAL"), cfg.Workflow.SLANormal)
	cfg.Workflow.ConfirmTimeout = parseDuration(os.Getenv("CONFIRM_TIMEOUT"), cfg.Workflow.ConfirmTimeout)
	cfg.Workflow.AreaCacheTTL = parseDuration(os.Getenv("AREA_CACHE_TTL"), cfg.Workflow.AreaCacheTTL)
	cfg.Workflow.MaxTransitionRetries = parseInt(os.Getenv("MAX_TRANSITION_RETRIES"), cfg.Workflow.MaxTransitionRetries)

	cfg.Telemetry.Enabled = parseBool(os.Getenv("OTEL_ENABLED"), cfg.Telemetry.Enabled)
	cfg.Telemetry.Stdout = parseBool(os.Getenv("OTEL_STDOUT"), cfg.Telemetry.Stdout)
	cfg.Telemetry.ServiceName = getEnv("OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("store.driver must be memory or postgres, got %q", c.Store.Driver)
	}
	if c.Outbox.Workers <= 0 {
		return fmt.Errorf("outbox.workers must be positive")
	}
	if c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("outbox.max_attempts must be positive")
	}
	if c.Workflow.MaxTransitionRetries <= 0 {
		return fmt.Errorf("workflow.max_transition_retries must be positive")
	}
	if c.Push.WebPushEnabled && (c.Push.VAPIDPublicKey == "" || c.Push.VAPIDPrivateKey == "") {
		return fmt.Errorf("webpush enabled but VAPID keys are missing")
	}
	if c.Push.JPushEnabled && (c.Push.JPushAppKey == "" || c.Push.JPushMasterSecret == "") {
		return fmt.Errorf("jpush enabled but app key / master secret are missing")
	}
	return nil
}

// SLAFor returns the SLA window for a priority value.
func (w *WorkflowConfig) SLAFor(priority string) time.Duration {
	switch priority {
	case "urgent":
		return w.SLAUrgent
	case "important":
		return w.SLAImportant
	default:
		return w.SLANormal
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseFloat(s string, def float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}

func parseBool(s string, def bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
