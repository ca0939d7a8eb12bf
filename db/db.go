package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const connectTimeout = 30 * time.Second

// DB wraps the database connection
type DB struct {
	conn   *sqlx.DB
	logger *zap.Logger
}

// NewDB opens a PostgreSQL connection, verifies it and initializes the schema
func NewDB(ctx context.Context, dsn string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := conn.PingContext(pingCtx); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w, and failed to close connection: %w", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, logger: logger}

	if err := db.initSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Health checks that the database still answers queries
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var result int
	if err := db.conn.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// initSchema creates the necessary tables if they don't exist
func (db *DB) initSchema(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS subscribers (
			id BIGSERIAL PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			listings_url TEXT NOT NULL DEFAULT '',
			last_checked_ad_id TEXT,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create subscribers table: %w", err)
	}

	// Billing columns, added in place on databases created before Stripe support
	for _, column := range []string{
		"stripe_customer_id TEXT",
		"stripe_subscription_id TEXT",
		"subscription_status TEXT",
	} {
		if _, err := db.conn.ExecContext(ctx, `ALTER TABLE subscribers ADD COLUMN IF NOT EXISTS `+column); err != nil {
			return fmt.Errorf("failed to add column %s: %w", column, err)
		}
	}

	_, err = db.conn.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS idx_subscribers_stripe_customer ON subscribers(stripe_customer_id)`)
	if err != nil {
		return fmt.Errorf("failed to create index on subscribers.stripe_customer_id: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_subscribers_active ON subscribers(active)`)
	if err != nil {
		db.logger.Warn("failed to create index on subscribers.active", zap.Error(err))
	}

	db.logger.Info("database schema initialized")
	return nil
}
