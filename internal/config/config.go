package config

import (
	"os"
	"strconv"
)

type DispatcherConfig struct {
	MongoCfg       MongoConfig
	RabbitMQCfg    RabbitMQConfig
	RedisCfg       RedisConfig
	WorkQueue      string
	LockTTLSeconds int
	LockRetries    int
	PIDFile        string
	// AdvanceOnEmpty controls whether a policy's last_run still advances when
	// a due run publishes no work orders, for example because the locked
	// re-read returned no documents or nothing was dirty.
	AdvanceOnEmpty bool
}

type MongoConfig struct {
	URI      string
	Username string
	Password string
}

type RabbitMQConfig struct {
	Host     string
	Username string
	Password string
	Port     string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

func New() *DispatcherConfig {
	return &DispatcherConfig{
		MongoCfg: MongoConfig{
			URI:      getEnvOrDefault("MONGO_URI", "mongodb://localhost:27017"),
			Username: getEnvOrDefault("MONGO_USER", ""),
			Password: getEnvOrDefault("MONGO_PASSWORD", ""),
		},
		RabbitMQCfg: RabbitMQConfig{
			Host:     getEnvOrDefault("RABBITMQ_HOST", "rabbitmq"),
			Username: getEnvOrDefault("RABBITMQ_USER", "admin"),
			Password: getEnvOrDefault("RABBITMQ_PWD", "admin"),
			Port:     getEnvOrDefault("RABBITMQ_PORT", "5672"),
		},
		RedisCfg: RedisConfig{
			Host:     getEnvOrDefault("REDIS_HOST", "localhost"),
			Port:     getEnvOrDefault("REDIS_PORT", "6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getEnvIntOrDefault("REDIS_DB", 0),
		},
		WorkQueue:      getEnvOrDefault("WORK_QUEUE", "timeseries_work"),
		LockTTLSeconds: getEnvIntOrDefault("LOCK_TTL_SECONDS", 60),
		LockRetries:    getEnvIntOrDefault("LOCK_RETRIES", 10),
		PIDFile:        getEnvOrDefault("PID_FILE", ""),
		AdvanceOnEmpty: getEnvBoolOrDefault("ADVANCE_ON_EMPTY", true),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
