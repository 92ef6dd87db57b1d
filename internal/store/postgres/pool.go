package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamforge/pipeline-controller/internal/resilience"
	"github.com/streamforge/pipeline-controller/pkg/metrics"
)

// Conn describes Pool's connection, query and transaction methods as an
// interface. Nothing in the package takes a Conn: Store holds a *Pool
// directly.
type Conn interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	Health(ctx context.Context) error
	Stats() PoolStats

	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row

	Begin(ctx context.Context) (pgx.Tx, error)
}

// Pool is a pgxpool-backed connection manager instrumented with the same
// metrics/health-check machinery regardless of which table it's serving;
// the descriptor store wraps it to add version-guarded transition queries.
type Pool struct {
	pool         *pgxpool.Pool
	config       *Config
	logger       *slog.Logger
	metrics      *PoolMetrics
	retryMetrics *metrics.RetryMetrics
	health       HealthChecker
	isClosed     atomic.Bool
	closeCh      chan struct{}
}

// NewPool constructs an unconnected Pool; call Connect before use.
// retryMetrics may be nil, in which case Connect's retry attempts aren't
// recorded but still happen.
func NewPool(config *Config, logger *slog.Logger, retryMetrics *metrics.RetryMetrics) *Pool {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		config:       config,
		logger:       logger,
		metrics:      NewPoolMetrics(),
		retryMetrics: retryMetrics,
		closeCh:      make(chan struct{}),
	}
	p.health = NewHealthChecker(p)
	return p
}

// Connect establishes the pgxpool and runs one ping to verify reachability.
func (p *Pool) Connect(ctx context.Context) error {
	if p.isClosed.Load() {
		return ErrConnectionClosed
	}

	if err := p.config.Validate(); err != nil {
		p.logger.Error("invalid database configuration", "error", err)
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	p.logger.Info("connecting to postgres",
		"host", p.config.Host,
		"port", p.config.Port,
		"database", p.config.Database,
		"max_conns", p.config.MaxConns,
		"min_conns", p.config.MinConns)

	poolConfig, err := pgxpool.ParseConfig(p.config.DSN())
	if err != nil {
		p.logger.Error("failed to parse database DSN", "error", err)
		p.metrics.RecordConnectionError()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	poolConfig.MaxConns = p.config.MaxConns
	poolConfig.MinConns = p.config.MinConns
	poolConfig.MaxConnLifetime = p.config.MaxConnLifetime
	poolConfig.MaxConnIdleTime = p.config.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = p.config.HealthCheckPeriod

	connectCtx, cancel := context.WithTimeout(ctx, p.config.ConnectTimeout)
	defer cancel()

	start := time.Now()
	var pool *pgxpool.Pool
	retryPolicy := &resilience.RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		Multiplier:    2.0,
		Jitter:        true,
		Logger:        p.logger,
		Metrics:       p.retryMetrics,
		OperationName: "postgres_connect",
	}
	err = resilience.WithRetry(connectCtx, retryPolicy, func() error {
		dialed, dialErr := pgxpool.NewWithConfig(connectCtx, poolConfig)
		if dialErr != nil {
			return dialErr
		}
		if pingErr := dialed.Ping(connectCtx); pingErr != nil {
			dialed.Close()
			return pingErr
		}
		pool = dialed
		return nil
	})
	if err != nil {
		p.logger.Error("failed to connect to postgres after retries", "error", err)
		p.metrics.RecordConnectionError()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	p.pool = pool
	connectionTime := time.Since(start)
	p.metrics.RecordConnectionWait(connectionTime)
	p.metrics.RecordSuccessfulConnection()

	p.logger.Info("connected to postgres", "connection_time", connectionTime)

	if healthChecker, ok := p.health.(*DefaultHealthChecker); ok {
		periodicChecker := NewPeriodicHealthChecker(healthChecker, p.config.HealthCheckPeriod)
		go periodicChecker.Start(ctx)
	}

	return nil
}

// Disconnect closes the pool. Safe to call once; idempotent on a nil pool.
func (p *Pool) Disconnect(ctx context.Context) error {
	if p.pool == nil {
		return nil
	}
	if p.isClosed.Load() {
		return ErrConnectionClosed
	}

	p.logger.Info("disconnecting from postgres")

	select {
	case p.closeCh <- struct{}{}:
	default:
	}

	p.pool.Close()
	p.isClosed.Store(true)
	return nil
}

func (p *Pool) IsConnected() bool {
	if p.isClosed.Load() || p.pool == nil {
		return false
	}
	return p.pool.Stat().TotalConns() > 0
}

func (p *Pool) Health(ctx context.Context) error {
	if p.isClosed.Load() {
		return ErrConnectionClosed
	}
	if p.pool == nil {
		return ErrNotConnected
	}
	return p.health.CheckHealth(ctx)
}

func (p *Pool) Stats() PoolStats {
	if p.pool == nil {
		return PoolStats{}
	}

	poolStats := p.pool.Stat()
	totalConns := int64(poolStats.TotalConns())
	acquireCount := int64(poolStats.AcquireCount())
	p.metrics.UpdateConnectionStats(int32(acquireCount), int32(totalConns-acquireCount), totalConns)

	return p.metrics.Snapshot()
}

func (p *Pool) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	if p.pool == nil {
		return pgconn.CommandTag{}, ErrNotConnected
	}

	start := time.Now()
	tag, err := p.pool.Exec(ctx, sql, args...)
	duration := time.Since(start)

	if err != nil {
		p.metrics.RecordQueryError()
		p.logger.Error("query failed", "sql", sql, "duration", duration, "error", err)
		return tag, err
	}

	p.metrics.RecordQueryExecution(duration)
	return tag, nil
}

func (p *Pool) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	if p.pool == nil {
		return nil, ErrNotConnected
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, sql, args...)
	duration := time.Since(start)

	if err != nil {
		p.metrics.RecordQueryError()
		p.logger.Error("query failed", "sql", sql, "duration", duration, "error", err)
		return nil, err
	}

	p.metrics.RecordQueryExecution(duration)
	return rows, nil
}

func (p *Pool) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	if p.pool == nil {
		return &errorRow{err: ErrNotConnected}
	}

	start := time.Now()
	row := p.pool.QueryRow(ctx, sql, args...)
	p.metrics.RecordQueryExecution(time.Since(start))
	return row
}

func (p *Pool) Begin(ctx context.Context) (pgx.Tx, error) {
	if p.pool == nil {
		return nil, ErrNotConnected
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		p.metrics.RecordQueryError()
		p.logger.Error("failed to begin transaction", "error", err)
		return nil, err
	}
	return tx, nil
}

func (p *Pool) Close() error {
	return p.Disconnect(context.Background())
}

func (p *Pool) Config() *Config {
	return p.config
}

func (p *Pool) Metrics() *PoolMetrics {
	return p.metrics
}

func (p *Pool) HealthChecker() HealthChecker {
	return p.health
}

// Raw returns the underlying pgxpool.Pool for operations the Conn interface
// doesn't expose (e.g. Acquire for advisory locks).
func (p *Pool) Raw() *pgxpool.Pool {
	return p.pool
}

type errorRow struct {
	err error
}

func (r *errorRow) Scan(dest ...interface{}) error {
	return r.err
}
