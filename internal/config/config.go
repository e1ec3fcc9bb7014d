package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/perkstack/loyalty-core/libs/config"
)

const minSecretLength = 32

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type KafkaConfig struct {
	Brokers     []string
	AlertsTopic string
}

type RateLimitConfig struct {
	ScanMaxAttempts int
	ScanWindow      time.Duration
	ScanBlock       time.Duration
	ScanDailyMax    int
	GlobalIPMax     int
	GlobalIPWindow  time.Duration
	GlobalIPDaily   int
	SuspicionBlock  time.Duration
	MaxRecords      int
	CleanupEvery    time.Duration
}

type QRConfig struct {
	SecretKey     string
	EncryptionKey string
	MaxTTL        time.Duration
	NonceTTL      time.Duration
}

type Config struct {
	App       base.AppConfig
	QR        QRConfig
	JWTSecret string
	DB        DBConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	RateLimit RateLimitConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("LOYALTY_CONFIG"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App: *appCfg,
		QR: QRConfig{
			SecretKey:     envString("LOYALTY_QR_SECRET_KEY", ""),
			EncryptionKey: envString("LOYALTY_QR_ENCRYPTION_KEY", ""),
			MaxTTL:        envDuration("LOYALTY_QR_MAX_TTL", 24*time.Hour),
			NonceTTL:      envDuration("LOYALTY_QR_NONCE_TTL", 24*time.Hour),
		},
		JWTSecret: envString("LOYALTY_JWT_SECRET", ""),
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "loyalty_core"),
			User:     envString("POSTGRES_USER", "loyalty"),
			Password: envString("POSTGRES_PASSWORD", "loyalty"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     envString("LOYALTY_REDIS_ADDR", ""),
			Password: envString("LOYALTY_REDIS_PASSWORD", ""),
			DB:       envInt("LOYALTY_REDIS_DB", 0),
			Prefix:   envString("LOYALTY_REDIS_PREFIX", "loyalty:"),
		},
		Kafka: KafkaConfig{
			Brokers:     envList("LOYALTY_KAFKA_BROKERS"),
			AlertsTopic: envString("LOYALTY_KAFKA_ALERTS_TOPIC", "loyalty.security.alerts"),
		},
		RateLimit: RateLimitConfig{
			ScanMaxAttempts: envInt("LOYALTY_SCAN_RATE_LIMIT", 20),
			ScanWindow:      envDuration("LOYALTY_SCAN_RATE_WINDOW", time.Minute),
			ScanBlock:       envDuration("LOYALTY_SCAN_RATE_BLOCK", 5*time.Minute),
			ScanDailyMax:    envInt("LOYALTY_SCAN_DAILY_LIMIT", 500),
			GlobalIPMax:     envInt("LOYALTY_GLOBAL_IP_LIMIT", 50),
			GlobalIPWindow:  envDuration("LOYALTY_GLOBAL_IP_WINDOW", 5*time.Minute),
			GlobalIPDaily:   envInt("LOYALTY_GLOBAL_IP_DAILY_LIMIT", 1000),
			SuspicionBlock:  envDuration("LOYALTY_SUSPICION_BLOCK", 15*time.Minute),
			MaxRecords:      envInt("LOYALTY_RATE_LIMIT_MAX_RECORDS", 10000),
			CleanupEvery:    envDuration("LOYALTY_RATE_LIMIT_CLEANUP", 5*time.Minute),
		},
	}

	if err := cfg.validateSecrets(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateSecrets refuses to start outside dev/test without the QR and JWT
// secrets; absence in production is a startup-blocking condition.
func (c *Config) validateSecrets() error {
	if c.App.IsDevLike() {
		return nil
	}

	for _, s := range []struct {
		name  string
		value string
	}{
		{"LOYALTY_QR_SECRET_KEY", c.QR.SecretKey},
		{"LOYALTY_QR_ENCRYPTION_KEY", c.QR.EncryptionKey},
		{"LOYALTY_JWT_SECRET", c.JWTSecret},
	} {
		if s.value == "" {
			return fmt.Errorf("%s must be set", s.name)
		}
		if len(s.value) < minSecretLength {
			return fmt.Errorf("%s must be at least %d characters", s.name, minSecretLength)
		}
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
