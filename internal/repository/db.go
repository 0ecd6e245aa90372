package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/portfolio-risk/api/internal/config"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

const connectAttempts = 5

type DB struct {
	Pool *pgxpool.Pool
}

// NewDB opens the pool, retrying with linear backoff while Postgres starts.
func NewDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second
	if cfg.StatementTimeout > 0 {
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", cfg.StatementTimeout.Milliseconds())
	}

	var (
		pool    *pgxpool.Pool
		lastErr error
	)
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		pool, lastErr = connect(ctx, poolConfig)
		if lastErr == nil {
			break
		}
		logger.Warn("database connection failed",
			zap.Int("attempt", attempt),
			zap.String("host", cfg.Host),
			zap.Error(lastErr),
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect: %w", ctx.Err())
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("connect after %d attempts: %w", connectAttempts, lastErr)
	}

	logger.Info("database connected",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Name),
		zap.String("ssl_mode", cfg.SSLMode),
	)

	return &DB{Pool: pool}, nil
}

func connect(ctx context.Context, poolConfig *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

func (db *DB) HealthCheck(ctx context.Context) error {
	var ok int
	return db.Pool.QueryRow(ctx, "SELECT 1").Scan(&ok)
}
