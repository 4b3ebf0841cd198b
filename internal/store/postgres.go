// Package store provides storage backends for RelayPipe.
//
// This file implements a PostgreSQL-backed snapshot of the dedup record.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 4
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 4
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Backend.
var _ Backend = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Postgres ping successful")

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Load(ctx context.Context) (Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_key, last_message_id FROM dedup_marks`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dedup marks: %w", err)
	}
	defer rows.Close()

	r := Record{}
	for rows.Next() {
		var key string
		var mark int64
		if err := rows.Scan(&key, &mark); err != nil {
			return nil, fmt.Errorf("failed to scan dedup mark row: %w", err)
		}
		r[key] = mark
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dedup mark rows: %w", err)
	}
	return r, nil
}

// Save replaces the snapshot inside one transaction. The table lock keeps two
// writers from interleaving their delete/insert pairs.
func (s *PostgresStore) Save(ctx context.Context, r Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `LOCK TABLE dedup_marks IN EXCLUSIVE MODE`); err != nil {
		return fmt.Errorf("failed to lock dedup marks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dedup_marks`); err != nil {
		return fmt.Errorf("failed to clear dedup marks: %w", err)
	}
	now := time.Now()
	for key, mark := range r {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dedup_marks (channel_key, last_message_id, updated_at) VALUES ($1, $2, $3)`,
			key, mark, now,
		); err != nil {
			return fmt.Errorf("failed to insert dedup mark for %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	slog.Debug("PostgresStore Save succeeded", "keys", len(r))
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
