package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ConnectDB opens the postgres pool, retrying with backoff so the service
// survives the database coming up after it in a compose stack.
func ConnectDB(log *zap.Logger) (*pgxpool.Pool, error) {
	dbURL := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		os.Getenv("DB_HOST"),
		os.Getenv("DB_PORT"),
		os.Getenv("DB_NAME"),
	)

	poolConfig, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 10
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	maxRetries := 5
	delay := 2 * time.Second

	var pool *pgxpool.Pool
	for i := 1; i <= maxRetries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		pool, err = pgxpool.NewWithConfig(ctx, poolConfig)
		if err == nil {
			err = pool.Ping(ctx)
		}
		cancel()

		if err == nil {
			log.Info("database connected", zap.Int("attempt", i))
			return pool, nil
		}

		log.Warn("database connection failed",
			zap.Int("attempt", i),
			zap.Int("max_attempts", maxRetries),
			zap.Error(err),
		)
		if i < maxRetries {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return nil, fmt.Errorf("failed to connect to db after %d attempts: %w", maxRetries, err)
}
