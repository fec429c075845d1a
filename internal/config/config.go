package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	AppEnv      string
	Port        string
	RedisURL    string
	DatabaseURL string
	AuthURL     string
	LogLevel    string
	LogFormat   string

	AllowAnonymous bool

	MaxConnections      int64
	MaxConnectionsPerIP int
	ConnectionRate      float64
	ConnectionBurst     int

	ReconcileInterval time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		RedisURL:    getEnv("REDIS_URL", ""),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		AuthURL:     getEnv("AUTH_URL", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "text"),
	}

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.AuthURL == "" {
		return nil, fmt.Errorf("AUTH_URL is required")
	}

	var err error
	if cfg.AllowAnonymous, err = getEnvBool("ALLOW_ANONYMOUS", true); err != nil {
		return nil, err
	}

	maxConns, err := getEnvInt("MAX_CONNECTIONS", 10000)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnections = int64(maxConns)

	if cfg.MaxConnectionsPerIP, err = getEnvInt("MAX_CONNECTIONS_PER_IP", 20); err != nil {
		return nil, err
	}
	if cfg.ConnectionRate, err = getEnvFloat("CONNECTION_RATE", 10.0); err != nil {
		return nil, err
	}
	if cfg.ConnectionBurst, err = getEnvInt("CONNECTION_BURST", 10); err != nil {
		return nil, err
	}

	reconcileSeconds, err := getEnvInt("RECONCILE_INTERVAL_SECONDS", 5)
	if err != nil {
		return nil, err
	}
	if reconcileSeconds <= 0 {
		return nil, fmt.Errorf("RECONCILE_INTERVAL_SECONDS must be positive")
	}
	cfg.ReconcileInterval = time.Duration(reconcileSeconds) * time.Second

	if cfg.MaxConnections <= 0 {
		return nil, fmt.Errorf("MAX_CONNECTIONS must be positive")
	}
	if cfg.MaxConnectionsPerIP <= 0 {
		return nil, fmt.Errorf("MAX_CONNECTIONS_PER_IP must be positive")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return parsed, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return parsed, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return parsed, nil
}
