// Package postgres implements the persistence interfaces on PostgreSQL via
// sqlx. Every mutation is a single statement or a single transaction, so a
// crashed cycle never leaves partial state behind.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/autobotq/autobot/internal/persistence"
)

const defaultTimeout = 5 * time.Second

// Connect opens a pooled connection and verifies it with a ping.
func Connect(ctx context.Context, dsn string, maxConns int) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

// NewRepository wires all repos over one connection pool.
func NewRepository(db *sqlx.DB, timeout time.Duration) persistence.Repository {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return persistence.Repository{
		Templates:   NewTemplateRepo(db, timeout),
		Performance: NewStatsRepo(db, timeout),
		Events:      NewEventsRepo(db, timeout),
		Ping: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return db.PingContext(ctx)
		},
	}
}
