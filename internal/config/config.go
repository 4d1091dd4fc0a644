package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Business  BusinessConfig  `mapstructure:"business"`
	Replicate ReplicateConfig `mapstructure:"replicate"`
	Creem     CreemConfig     `mapstructure:"creem"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Products  ProductsConfig  `mapstructure:"products"`
}

type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	AdminToken string `mapstructure:"admin_token"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Env    string `mapstructure:"env"`
}

type MySQLConfig struct {
	Driver       string `mapstructure:"driver"` // mysql / sqlite
	SQLitePath   string `mapstructure:"sqlite_path"`
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
	LedgerEvent string `mapstructure:"ledger_event"`
}

type BusinessConfig struct {
	OutboxMaxRetry         int `mapstructure:"outbox_max_retry"`
	UpstreamTimeoutSeconds int `mapstructure:"upstream_timeout_seconds"`
	StaleTaskMinutes       int `mapstructure:"stale_task_minutes"`
	CheckinRewardPoints    int `mapstructure:"checkin_reward_points"`
	LockTTLSeconds         int `mapstructure:"lock_ttl_seconds"`
}

func (b BusinessConfig) UpstreamTimeout() time.Duration {
	return time.Duration(b.UpstreamTimeoutSeconds) * time.Second
}

func (b BusinessConfig) LockTTL() time.Duration {
	return time.Duration(b.LockTTLSeconds) * time.Second
}

type ReplicateConfig struct {
	APIToken string `mapstructure:"api_token"`
	BaseURL  string `mapstructure:"base_url"`
}

type CreemConfig struct {
	APIKey        string `mapstructure:"api_key"`
	Endpoint      string `mapstructure:"endpoint"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	SuccessURL    string `mapstructure:"success_url"`
}

type StorageConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PublicBaseURL   string `mapstructure:"public_base_url"`
	Prefix          string `mapstructure:"prefix"`
}

// ProductConfig 一个可售商品：积分包或订阅计划
type ProductConfig struct {
	ProductID string `mapstructure:"product_id"`
	Name      string `mapstructure:"name"`
	Points    int64  `mapstructure:"points"`
	Price     string `mapstructure:"price"`
	Type      string `mapstructure:"type"`     // 订阅等级 basic/ultimate
	Interval  string `mapstructure:"interval"` // 订阅周期 monthly/yearly
}

type ProductsConfig struct {
	Credits       []ProductConfig `mapstructure:"credits"`
	Subscriptions []ProductConfig `mapstructure:"subscriptions"`
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
// 环境变量优先级更高：POINTSYSTEM_MYSQL_PASSWORD 覆盖 mysql.password
func LoadConfig(configPath string) (*Config, error) {
	// .env 不存在时忽略
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("读取 .env 失败: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("POINTSYSTEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	GlobalConfig = config
	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("mysql.driver", "mysql")
	v.SetDefault("mysql.sqlite_path", "pointsystem.db")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.log_level", "warn")
	v.SetDefault("kafka.topic.ledger_event", "points.ledger.event")
	v.SetDefault("business.outbox_max_retry", 5)
	v.SetDefault("business.upstream_timeout_seconds", 30)
	v.SetDefault("business.stale_task_minutes", 30)
	v.SetDefault("business.checkin_reward_points", 2)
	v.SetDefault("business.lock_ttl_seconds", 10)
	v.SetDefault("replicate.base_url", "https://api.replicate.com")
	v.SetDefault("creem.endpoint", "https://api.creem.io")
	v.SetDefault("storage.prefix", "generator/record")
}
