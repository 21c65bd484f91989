package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, overridable by STOREFRONT_CONFIG.
var ConfigPath = "config.yaml"

const (
	defaultPort              = "8080"
	defaultLowStockThreshold = 3
	defaultGraceSeconds      = 5
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	DatabaseURL string `yaml:"databaseURL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	SeedPath       string `yaml:"seedPath"`
	SeedObjectKey  string `yaml:"seedObjectKey"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`

	JWTSecret string `yaml:"jwtSecret"`
	JWTIssuer string `yaml:"jwtIssuer"`

	PurchaseRateLimitPerMinute int `yaml:"purchaseRateLimitPerMinute"`
	LowStockThreshold          int `yaml:"lowStockThreshold"`
	SubscriptionGraceSeconds   int `yaml:"subscriptionGraceSeconds"`
}

// Load reads config from path (defaults to ConfigPath). A missing file is
// not an error: defaults plus environment overrides still apply.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
		if v := os.Getenv("STOREFRONT_CONFIG"); v != "" {
			path = v
		}
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(os.Getenv(k)); v != "" {
				*dst = v
				return
			}
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setString(&cfg.Port, "STOREFRONT_PORT", "PORT")
	setString(&cfg.LogLevel, "STOREFRONT_LOG_LEVEL")
	setString(&cfg.DatabaseURL, "STOREFRONT_DATABASE_URL", "DATABASE_URL")
	setString(&cfg.RedisAddr, "STOREFRONT_REDIS_ADDR", "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.SeedPath, "STOREFRONT_SEED_PATH")
	setString(&cfg.SeedObjectKey, "STOREFRONT_SEED_OBJECT_KEY")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	setString(&cfg.AMQPURL, "STOREFRONT_AMQP_URL", "AMQP_URL")
	setString(&cfg.AMQPExchange, "STOREFRONT_AMQP_EXCHANGE")
	setString(&cfg.JWTSecret, "STOREFRONT_JWT_SECRET")
	setString(&cfg.JWTIssuer, "STOREFRONT_JWT_ISSUER")
	setInt(&cfg.PurchaseRateLimitPerMinute, "STOREFRONT_PURCHASE_RATE_LIMIT")
	setInt(&cfg.LowStockThreshold, "STOREFRONT_LOW_STOCK_THRESHOLD")
	setInt(&cfg.SubscriptionGraceSeconds, "STOREFRONT_SUBSCRIPTION_GRACE_SECONDS")
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LowStockThreshold == 0 {
		cfg.LowStockThreshold = defaultLowStockThreshold
	}
	if cfg.SubscriptionGraceSeconds == 0 {
		cfg.SubscriptionGraceSeconds = defaultGraceSeconds
	}
}

func validateConfig(cfg FileConfig) error {
	if _, err := strconv.Atoi(cfg.Port); err != nil {
		return fmt.Errorf("config: port must be numeric, got %q", cfg.Port)
	}
	if cfg.LowStockThreshold < 0 {
		return errors.New("config: lowStockThreshold must not be negative")
	}
	if cfg.SubscriptionGraceSeconds < 0 {
		return errors.New("config: subscriptionGraceSeconds must not be negative")
	}
	if cfg.SeedObjectKey != "" && (cfg.MinioEndpoint == "" || cfg.MinioBucket == "") {
		return errors.New("config: seedObjectKey requires minioEndpoint and minioBucket")
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "") {
		return errors.New("config: minioAccessKey and minioSecretKey are required with minioEndpoint")
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or STOREFRONT_JWT_SECRET)")
	}
	return nil
}
