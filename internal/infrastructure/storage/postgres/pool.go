// Package postgres provides PostgreSQL infrastructure components.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"txguard/pkg/logger"
)

// PoolConfig holds connection pool configuration. StatementTimeout bounds
// how long any single statement may run on a connection from this pool,
// so a runaway query can't hold a txcoord connection holder open forever.
type PoolConfig struct {
	DSN               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	StatementTimeout  time.Duration
	ApplicationName   string
}

// DefaultPoolConfig returns sensible defaults for production.
func DefaultPoolConfig(dsn string) PoolConfig {
	return PoolConfig{
		DSN:               dsn,
		MaxConns:          25,
		MinConns:          5,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
		StatementTimeout:  30 * time.Second,
		ApplicationName:   "txguard",
	}
}

// Pool wraps pgxpool.Pool to provide a clean interface.
type Pool struct {
	*pgxpool.Pool
	cfg PoolConfig
}

// Close closes all connections in the pool.
func (p *Pool) Close() {
	if p.Pool != nil {
		p.Pool.Close()
	}
}

// Unwrap returns the underlying pgxpool.Pool for cases where it's needed.
func (p *Pool) Unwrap() *pgxpool.Pool {
	return p.Pool
}

// NewPool creates a new connection pool with the given configuration.
func NewPool(ctx context.Context, cfg PoolConfig) (*Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod

	appName := cfg.ApplicationName
	if appName == "" {
		appName = "txguard"
	}

	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, fmt.Sprintf("SET application_name = '%s'", appName)); err != nil {
			return err
		}
		if cfg.StatementTimeout > 0 {
			stmt := fmt.Sprintf("SET statement_timeout = %d", cfg.StatementTimeout.Milliseconds())
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("set statement_timeout: %w", err)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Pool{Pool: pool, cfg: cfg}, nil
}

// Stats is a point-in-time snapshot of pool utilization, along with whether
// the pool is close enough to MaxConns that a txcoord caller might start
// blocking in Acquire.
type Stats struct {
	TotalConns      int32
	AcquiredConns   int32
	IdleConns       int32
	MaxConns        int32
	AcquireCount    int64
	AcquireDuration time.Duration
	NearExhaustion  bool
}

// poolExhaustionThreshold is the fraction of MaxConns above which Stats
// flags NearExhaustion: a txcoord caller blocked in Acquire past this point
// is a sign the coordinator is holding connections longer than callers
// expect (long-lived REQUIRES_NEW scopes, leaked holders).
const poolExhaustionThreshold = 0.9

// Stats extracts a utilization snapshot from the pool.
func (p *Pool) Stats() Stats {
	stat := p.Pool.Stat()
	s := Stats{
		TotalConns:      stat.TotalConns(),
		AcquiredConns:   stat.AcquiredConns(),
		IdleConns:       stat.IdleConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration(),
	}
	if s.MaxConns > 0 {
		s.NearExhaustion = float64(s.AcquiredConns)/float64(s.MaxConns) >= poolExhaustionThreshold
	}
	return s
}

// LogStats logs pool utilization, escalating to a warning once the pool
// crosses poolExhaustionThreshold.
func (p *Pool) LogStats(ctx context.Context) {
	stats := p.Stats()
	fields := []any{
		"total", stats.TotalConns,
		"acquired", stats.AcquiredConns,
		"idle", stats.IdleConns,
		"max", stats.MaxConns,
	}
	if stats.NearExhaustion {
		logger.Warn(ctx, "database pool near exhaustion", fields...)
		return
	}
	logger.Info(ctx, "database pool stats", fields...)
}

// WatchStats logs pool utilization on every tick until ctx is done. Intended
// to run as a background goroutine for the lifetime of the server process.
func (p *Pool) WatchStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.LogStats(ctx)
		}
	}
}
