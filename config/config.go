package config

import (
	"encoding/json"
	"fmt"
	"os"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Kafka    KafkaConfig    `json:"kafka"`
	Auth     AuthConfig     `json:"auth"`
	Push     PushConfig     `json:"push"`
}

type ServerConfig struct {
	Addr           string   `json:"addr"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type DatabaseConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type KafkaConfig struct {
	Enabled     bool     `json:"enabled"`
	Brokers     []string `json:"brokers"`
	EventsTopic string   `json:"events_topic"`
	PushTopic   string   `json:"push_topic"`
	GroupID     string   `json:"group_id"`
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Mechanism   string   `json:"mechanism"` // plain, scram-sha-256, scram-sha-512
	UseTLS      bool     `json:"use_tls"`
	CertFile    string   `json:"cert_file"`
	KeyFile     string   `json:"key_file"`
	CAFile      string   `json:"ca_file"`
}

type AuthConfig struct {
	JWTSecret       string `json:"jwt_secret"`
	TokenExpiry     int    `json:"token_expiry"`     // hours
	RefreshExpiry   int    `json:"refresh_expiry"`   // hours
	AnonymousExpiry int    `json:"anonymous_expiry"` // hours
	OTPLength       int    `json:"otp_length"`
	OTPTTL          int    `json:"otp_ttl"` // minutes
}

type PushConfig struct {
	VAPIDPublicKey  string `json:"vapid_public_key"`
	VAPIDPrivateKey string `json:"vapid_private_key"`
	Subject         string `json:"subject"` // mailto: contact for the push service
}

func LoadConfig(path string) (Config, error) {
	var config Config
	file, err := os.Open(path)
	if err != nil {
		return config, err
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&config); err != nil {
		return config, fmt.Errorf("decode config: %w", err)
	}
	config.applyDefaults()
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Auth.TokenExpiry == 0 {
		c.Auth.TokenExpiry = 24
	}
	if c.Auth.RefreshExpiry == 0 {
		c.Auth.RefreshExpiry = 24 * 30
	}
	if c.Auth.AnonymousExpiry == 0 {
		c.Auth.AnonymousExpiry = 24 * 365
	}
	if c.Auth.OTPLength == 0 {
		c.Auth.OTPLength = 4
	}
	if c.Auth.OTPTTL == 0 {
		c.Auth.OTPTTL = 5
	}
	if c.Kafka.EventsTopic == "" {
		c.Kafka.EventsTopic = "chat-events"
	}
	if c.Kafka.PushTopic == "" {
		c.Kafka.PushTopic = "push-jobs"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "aso-push-worker"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
}
