package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// MailboxConfig 定义邮箱生命周期的核心业务配置
type MailboxConfig struct {
	Domain             string        // 唯一允许的邮箱域名
	DefaultTTL         time.Duration // 未显式指定时的默认生存时间
	MinTTL             time.Duration // 允许的最短生存时间
	MaxTTL             time.Duration // 允许的最长生存时间
	LocalPartLength    int           // 随机生成的本地部分长度
	MaxAddressAttempts int           // 地址冲突时的最大重试次数
}

// BackendConfig 定义邮件后端（目录管理 + 会话发现）配置
type BackendConfig struct {
	BaseURL       string        // 会话发现基础 URL（well-known 会话文档所在）
	AdminURL      string        // 目录管理 API 基础 URL
	AdminUser     string        // 管理 API 用户名
	AdminPassword string        // 管理 API 密码
	Timeout       time.Duration // HTTP 客户端超时，默认 10s
}

// ExpiryConfig 定义过期引擎配置
type ExpiryConfig struct {
	SweepInterval      time.Duration // 周期扫描间隔，默认 5m
	SweepBatch         int           // 单轮处理的过期邮箱上限，默认 50
	RetryBatch         int           // 单轮重试的清理失败邮箱上限，默认 10
	MaxCleanupAttempts int           // 清理重试上限，达到后标记死信，默认 5
}

// WebhookConfig 定义 Webhook 投递引擎配置
type WebhookConfig struct {
	Timeout        time.Duration // 单次投递尝试超时，默认 5s
	MaxAttempts    int           // 单个事件的最大尝试次数，默认 3
	RetryBaseDelay time.Duration // 重试等待步长（第 n 次重试前等待 (n-1) 倍步长），默认 5s
	PauseThreshold int           // 连续失败多少轮后熔断，默认 3
}

// IngestConfig 定义入站事件接收配置
type IngestConfig struct {
	Secret string // 后端事件批次的 HMAC 签名密钥
}

// CryptoConfig 定义本地加密配置
type CryptoConfig struct {
	Key []byte // AES-256-GCM 密钥（32 字节），用于加密邮箱凭证与 Webhook 密钥
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql" 或 "postgres"，为空使用内存存储
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 缓存服务配置
type RedisConfig struct {
	Address  string // Redis 服务地址，留空表示不启用
	Password string // Redis 认证密码
	DB       int    // Redis 数据库编号
}

// RateLimitConfig 定义按调用方限流配置
type RateLimitConfig struct {
	RequestsPerSecond float64 // 每秒允许的请求数，默认 10
	Burst             int     // 突发容量，默认 20
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server    ServerConfig
	Mailbox   MailboxConfig
	Backend   BackendConfig
	Expiry    ExpiryConfig
	Webhook   WebhookConfig
	Ingest    IngestConfig
	Crypto    CryptoConfig
	CORS      CORSConfig
	Log       LogConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: RELAY_
// 例如: RELAY_BACKEND_BASE_URL, RELAY_CRYPTO_KEY
func Load() (*Config, error) {
	// 尝试加载 .env 文件（静默失败，因为 .env 文件是可选的）
	loadEnvFile()

	viper.SetEnvPrefix("relay")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("mailbox.domain", "prim.sh")
	viper.SetDefault("mailbox.default_ttl", "24h")
	viper.SetDefault("mailbox.min_ttl", "1h")
	viper.SetDefault("mailbox.max_ttl", "720h")
	viper.SetDefault("mailbox.local_part_length", 12)
	viper.SetDefault("mailbox.max_address_attempts", 5)
	viper.SetDefault("backend.base_url", "")
	viper.SetDefault("backend.admin_url", "")
	viper.SetDefault("backend.admin_user", "admin")
	viper.SetDefault("backend.admin_password", "")
	viper.SetDefault("backend.timeout", "10s")
	viper.SetDefault("expiry.sweep_interval", "5m")
	viper.SetDefault("expiry.sweep_batch", 50)
	viper.SetDefault("expiry.retry_batch", 10)
	viper.SetDefault("expiry.max_cleanup_attempts", 5)
	viper.SetDefault("webhook.timeout", "5s")
	viper.SetDefault("webhook.max_attempts", 3)
	viper.SetDefault("webhook.retry_base_delay", "5s")
	viper.SetDefault("webhook.pause_threshold", 3)
	viper.SetDefault("ingest.secret", "")
	viper.SetDefault("crypto.key", "")
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.address", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("ratelimit.requests_per_second", 10.0)
	viper.SetDefault("ratelimit.burst", 20)

	defaultTTL, err := parseDuration("mailbox.default_ttl")
	if err != nil {
		return nil, err
	}
	minTTL, err := parseDuration("mailbox.min_ttl")
	if err != nil {
		return nil, err
	}
	maxTTL, err := parseDuration("mailbox.max_ttl")
	if err != nil {
		return nil, err
	}
	if minTTL > maxTTL {
		return nil, fmt.Errorf("mailbox.min_ttl must not exceed mailbox.max_ttl")
	}
	if defaultTTL < minTTL || defaultTTL > maxTTL {
		return nil, fmt.Errorf("mailbox.default_ttl must be within [min_ttl, max_ttl]")
	}

	mailDomain := strings.ToLower(strings.TrimSpace(viper.GetString("mailbox.domain")))
	if mailDomain == "" {
		return nil, fmt.Errorf("mailbox.domain must not be empty")
	}

	backendTimeout, err := parseDuration("backend.timeout")
	if err != nil {
		return nil, err
	}
	sweepInterval, err := parseDuration("expiry.sweep_interval")
	if err != nil {
		return nil, err
	}
	webhookTimeout, err := parseDuration("webhook.timeout")
	if err != nil {
		return nil, err
	}
	webhookRetryDelay, err := parseDuration("webhook.retry_base_delay")
	if err != nil {
		return nil, err
	}

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	cryptoKey, err := parseCryptoKey(viper.GetString("crypto.key"))
	if err != nil {
		return nil, err
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		Mailbox: MailboxConfig{
			Domain:             mailDomain,
			DefaultTTL:         defaultTTL,
			MinTTL:             minTTL,
			MaxTTL:             maxTTL,
			LocalPartLength:    viper.GetInt("mailbox.local_part_length"),
			MaxAddressAttempts: viper.GetInt("mailbox.max_address_attempts"),
		},
		Backend: BackendConfig{
			BaseURL:       strings.TrimRight(viper.GetString("backend.base_url"), "/"),
			AdminURL:      strings.TrimRight(viper.GetString("backend.admin_url"), "/"),
			AdminUser:     viper.GetString("backend.admin_user"),
			AdminPassword: viper.GetString("backend.admin_password"),
			Timeout:       backendTimeout,
		},
		Expiry: ExpiryConfig{
			SweepInterval:      sweepInterval,
			SweepBatch:         viper.GetInt("expiry.sweep_batch"),
			RetryBatch:         viper.GetInt("expiry.retry_batch"),
			MaxCleanupAttempts: viper.GetInt("expiry.max_cleanup_attempts"),
		},
		Webhook: WebhookConfig{
			Timeout:        webhookTimeout,
			MaxAttempts:    viper.GetInt("webhook.max_attempts"),
			RetryBaseDelay: webhookRetryDelay,
			PauseThreshold: viper.GetInt("webhook.pause_threshold"),
		},
		Ingest: IngestConfig{
			Secret: viper.GetString("ingest.secret"),
		},
		Crypto: CryptoConfig{
			Key: cryptoKey,
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: viper.GetFloat64("ratelimit.requests_per_second"),
			Burst:             viper.GetInt("ratelimit.burst"),
		},
	}

	return cfg, nil
}

// parseDuration 解析指定配置项为 time.Duration。
func parseDuration(key string) (time.Duration, error) {
	d, err := time.ParseDuration(viper.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// parseCryptoKey 解析十六进制加密密钥。
//
// 留空时返回 nil（仅限开发/测试场景），非空时必须解码出 32 字节。
func parseCryptoKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid crypto.key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto.key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：当前目录的 .env，其次父目录的 .env。
// 文件不存在时静默失败；已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
