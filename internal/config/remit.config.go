package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type AppConfig struct {
	HTTPAddr      string
	RedisAddr     string
	RedisPass     string
	KafkaBrokers  []string
	KafkaTopic    string
	JWTSecret     string
	ProviderToken string
	StepDelay     time.Duration
	ProviderDelay time.Duration
	RateCacheTTL  time.Duration

	// SeedCurrencies lists the currencies whose system liquidity
	// accounts are created at startup, with their opening balance.
	SeedCurrencies []string
	SeedBalance    decimal.Decimal
}

func Load(log *zap.Logger) AppConfig {
	if err := godotenv.Load(); err != nil {
		log.Info("no .env file, using process environment")
	}

	return AppConfig{
		HTTPAddr:       getEnv("HTTP_ADDR", ":8041"),
		RedisAddr:      getEnv("REDIS_ADDR", "redis:6379"),
		RedisPass:      getEnv("REDIS_PASS", ""),
		KafkaBrokers:   getEnvSlice("KAFKA_BROKERS", []string{"kafka:9092"}),
		KafkaTopic:     getEnv("KAFKA_TRANSFER_TOPIC", "remit.transfer.events"),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		ProviderToken:  getEnv("PROVIDER_WEBHOOK_TOKEN", ""),
		StepDelay:      getEnvDuration("TRANSFER_STEP_DELAY", 2*time.Second),
		ProviderDelay:  getEnvDuration("SANDBOX_PROVIDER_DELAY", 5*time.Second),
		RateCacheTTL:   getEnvDuration("RATE_CACHE_TTL", 5*time.Minute),
		SeedCurrencies: getEnvSlice("SEED_CURRENCIES", []string{"EUR", "USD", "GBP"}),
		SeedBalance:    getEnvDecimal("SEED_BALANCE", "1000000.00"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvSlice(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		return strings.Split(v, ",")
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func getEnvDecimal(key, fallback string) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(fallback)
}
