// Package postgres builds the shared pgx connection pool and instruments it
// with tracing, query logging and per-request query statistics.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions tunes the pool and its query logging.
type PoolOptions struct {
	// MaxConns caps open connections. Zero keeps the pgxpool default.
	MaxConns int32

	// SlowQuery is the minimum duration for a successful query to be logged.
	// Zero logs every query. Failed queries are always logged.
	SlowQuery time.Duration

	// LogArgs includes query argument values in the query log.
	LogArgs bool
}

// NewPool parses databaseURL, attaches the otelpgx tracer wrapped with query
// logging, and verifies connectivity.
func NewPool(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		pc.MaxConns = opts.MaxConns
	}
	pc.ConnConfig.Tracer = newQueryTracer(otelpgx.NewTracer(), opts.SlowQuery, opts.LogArgs)

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
