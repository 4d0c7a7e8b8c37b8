// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
// 服务端 (cmd/server) 与终端客户端 (cmd/chat) 共用同一份文件。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Log      LogConfig      `mapstructure:"log"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Usage    UsageConfig    `mapstructure:"usage"`
	Client   ClientConfig   `mapstructure:"client"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。Brokers 为空时不启用用量事件总线。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// MinIOConfig 存储 MinIO 对象存储的配置，用于消息附件。
type MinIOConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	UseSSL          bool          `mapstructure:"use_ssl"`
	BucketName      string        `mapstructure:"bucket_name"`
	PresignExpiry   time.Duration `mapstructure:"presign_expiry"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// UsageConfig 配置每个渠道的每日用量配额（按字符计）。
type UsageConfig struct {
	DefaultQuota  int64            `mapstructure:"default_quota"`
	ChannelQuotas map[string]int64 `mapstructure:"channel_quotas"`
}

// QuotaFor 返回渠道配额，未单独配置时使用默认值。
func (u UsageConfig) QuotaFor(channel string) int64 {
	if q, ok := u.ChannelQuotas[channel]; ok && q > 0 {
		return q
	}
	return u.DefaultQuota
}

// ClientConfig 存储终端聊天客户端的配置。
type ClientConfig struct {
	ServerURL        string        `mapstructure:"server_url"`
	WebsocketURL     string        `mapstructure:"websocket_url"`
	Token            string        `mapstructure:"token"`
	Channel          string        `mapstructure:"channel"`
	SessionID        string        `mapstructure:"session_id"`
	LocalStore       string        `mapstructure:"local_store"` // redis 或 memory
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	UsageInterval    time.Duration `mapstructure:"usage_interval"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8081")
	v.SetDefault("server.mode", "release")
	v.SetDefault("jwt.access_token_expire_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("kafka.topic", "chat-usage")
	v.SetDefault("kafka.group_id", "pai-smart-chat-usage")
	v.SetDefault("minio.bucket_name", "chat-attachments")
	v.SetDefault("minio.presign_expiry", time.Hour)
	v.SetDefault("usage.default_quota", 200000)
	v.SetDefault("client.server_url", "http://localhost:8081")
	v.SetDefault("client.websocket_url", "ws://localhost:8081")
	// 环境变量只对已知键生效，因此这里显式注册空默认值
	v.SetDefault("client.token", "")
	v.SetDefault("client.session_id", "")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("client.channel", "default")
	v.SetDefault("client.local_store", "memory")
	v.SetDefault("client.idle_timeout", 5*time.Second)
	v.SetDefault("client.handshake_timeout", 10*time.Second)
	v.SetDefault("client.usage_interval", 30*time.Second)
	v.SetDefault("client.request_timeout", 15*time.Second)
}

// Load 从指定路径读取 YAML 配置，环境变量 PAI_* 可覆盖文件中的值（如 PAI_CLIENT_TOKEN）。
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("pai")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return cfg, nil
}

// Init 加载配置到全局变量 Conf，失败时直接 panic。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
