// Package store is the Postgres persistence layer: schema management, the
// single-round-trip lookups used on the hot path, and the bulk upserts the
// batch tier issues once per batch and table category.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // Postgres driver
)

// Store wraps the database handle. All methods are safe for concurrent use;
// the pool serializes access.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects and configures the pool.
func Open(url string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sqlx.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	slog.Info("Postgres connected", "max_open", maxOpen)
	return &Store{db: db, logger: slog.With("component", "store")}, nil
}

// NewFromDB wraps an existing handle. Used by tests.
func NewFromDB(db *sqlx.DB) *Store {
	return &Store{db: db, logger: slog.With("component", "store")}
}

// Migrate applies the schema. Statements are idempotent so repeated startup
// is safe.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
