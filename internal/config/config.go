package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	base "github.com/collatix/creditcore/libs/config"
)

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
}

type KafkaConfig struct {
	Brokers         []string
	Topic           string
	DeadLetterTopic string
}

type EngineConfig struct {
	Account          uuid.UUID
	AuthDomain       string
	SnapshotInterval time.Duration
}

type Config struct {
	App    base.AppConfig
	DB     DBConfig
	Redis  RedisConfig
	Kafka  KafkaConfig
	Engine EngineConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("CREDIT_CONFIG"))
	if err != nil {
		return nil, err
	}

	engineAccount, err := uuid.Parse(envString("CREDIT_ENGINE_ACCOUNT", "00000000-0000-0000-0000-000000000101"))
	if err != nil {
		return nil, fmt.Errorf("CREDIT_ENGINE_ACCOUNT must be a uuid: %w", err)
	}

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "creditcore"),
			User:     envString("POSTGRES_USER", "creditcore"),
			Password: envString("POSTGRES_PASSWORD", "creditcore"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", "localhost:6379"),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:         []string{envString("KAFKA_BROKERS", "localhost:9092")},
			Topic:           envString("KAFKA_INSTRUMENT_TOPIC", "credit.instruments"),
			DeadLetterTopic: envString("KAFKA_DEAD_LETTER_TOPIC", ""),
		},
		Engine: EngineConfig{
			Account:          engineAccount,
			AuthDomain:       envString("CREDIT_AUTH_DOMAIN", "creditcore/v1"),
			SnapshotInterval: envDuration("CREDIT_SNAPSHOT_INTERVAL", 30*time.Second),
		},
	}

	if cfg.App.HTTP.Port <= 0 {
		return nil, fmt.Errorf("http port must be positive")
	}
	if cfg.Engine.Account == uuid.Nil {
		return nil, fmt.Errorf("CREDIT_ENGINE_ACCOUNT must not be the nil uuid")
	}
	if cfg.Engine.SnapshotInterval <= 0 {
		return nil, fmt.Errorf("CREDIT_SNAPSHOT_INTERVAL must be positive")
	}

	return cfg, nil
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
