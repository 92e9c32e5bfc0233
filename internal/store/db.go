package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/partypix/internal/config"
)

const (
	applicationName = "partypix"

	// minPoolConns leaves room for feed refetches while a change listener is
	// acquiring its connection.
	minPoolConns = 2

	idleConnTimeout   = time.Minute
	healthCheckPeriod = 30 * time.Second
)

// Connect opens the pool every store, feed and change listener in the
// process shares, and checks that the database answers.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

func poolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	maxConns := max(cfg.MaxOpenConns, minPoolConns)
	minConns := min(max(cfg.MaxIdleConns, 0), maxConns)
	poolCfg.MaxConns = int32(maxConns)
	poolCfg.MinConns = int32(minConns)
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolCfg.MaxConnIdleTime = idleConnTimeout
	poolCfg.HealthCheckPeriod = healthCheckPeriod

	// Listener sessions show up under this name in pg_stat_activity.
	if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	return poolCfg, nil
}
