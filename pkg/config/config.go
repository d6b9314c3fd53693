package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Kafka    KafkaConfig
	Redis    RedisConfig
	Database DatabaseConfig
	Stats    StatsConfig
}

type ServerConfig struct {
	BindAddr          string
	InactivityTimeout time.Duration // 0 disables idle reaping
}

type KafkaConfig struct {
	Brokers       []string
	TopicAudit    string
	NumPartitions int

	// Producer settings
	BatchSize    int
	BatchTimeout time.Duration
	Compression  string
	MaxAttempts  int
	RequiredAcks int

	// AuditEnabled turns the audit event stream on
	AuditEnabled bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Enabled  bool
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type StatsConfig struct {
	Interval time.Duration
	RedisKey string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			BindAddr:          getEnv("BIND_ADDR", "127.0.0.1:7878"),
			InactivityTimeout: getEnvAsDuration("INACTIVITY_TIMEOUT", 2*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:       strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			TopicAudit:    getEnv("KAFKA_TOPIC_AUDIT", "commands.audit"),
			NumPartitions: getEnvAsInt("KAFKA_NUM_PARTITIONS", 10),

			BatchSize:    getEnvAsInt("KAFKA_BATCH_SIZE", 100),
			BatchTimeout: getEnvAsDuration("KAFKA_BATCH_TIMEOUT", 100*time.Millisecond),
			Compression:  getEnv("KAFKA_COMPRESSION", "snappy"),
			MaxAttempts:  getEnvAsInt("KAFKA_MAX_ATTEMPTS", 3),
			RequiredAcks: getEnvAsInt("KAFKA_REQUIRED_ACKS", 1),

			AuditEnabled: getEnvAsBool("AUDIT_ENABLED", false),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("STATS_REDIS_ENABLED", false),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "command_user"),
			Password: getEnv("DB_PASSWORD", "command_pass"),
			DBName:   getEnv("DB_NAME", "command_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Stats: StatsConfig{
			Interval: getEnvAsDuration("STATS_INTERVAL", 30*time.Second),
			RedisKey: getEnv("STATS_REDIS_KEY", "command-server:stats"),
		},
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
