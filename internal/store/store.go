// Package store provides the durable high-water-mark store for RelayPipe.
//
// A Record maps every alias key of a source feed to the highest message id
// already accepted for forwarding. Backends persist the record as one snapshot
// (a JSON file by default, or SQLite, PostgreSQL or an embedded Pebble database).
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Record maps an alias key to the highest processed message sequence number.
type Record map[string]int64

// Clone returns a copy of the record that is safe to mutate.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Backend persists a Record as a whole snapshot.
type Backend interface {
	// Load reads the full snapshot. A missing snapshot is an empty record, not an error.
	Load(ctx context.Context) (Record, error)

	// Save replaces the full snapshot. Readers never observe a partial write.
	Save(ctx context.Context, r Record) error

	// Close releases backend resources.
	Close() error
}

// Kind names a backend implementation.
type Kind string

const (
	KindFile     Kind = "file"
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
	KindPebble   Kind = "pebble"
)

// Opts holds configuration options for store backends.
type Opts struct {
	Kind Kind   // backend kind; empty means detect from DSN or fall back to file
	DSN  string // file path, SQLite path, PostgreSQL DSN or Pebble directory
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithFilePath selects the JSON snapshot file backend at path.
func WithFilePath(path string) Option {
	return func(o *Opts) {
		o.Kind = KindFile
		o.DSN = path
	}
}

// WithSQLiteDSN selects the SQLite backend.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.Kind = KindSQLite
		o.DSN = dsn
	}
}

// WithPostgresDSN selects the PostgreSQL backend.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.Kind = KindPostgres
		o.DSN = dsn
	}
}

// WithPebbleDir selects the embedded Pebble backend rooted at dir.
func WithPebbleDir(dir string) Option {
	return func(o *Opts) {
		o.Kind = KindPebble
		o.DSN = dir
	}
}

// DetectDSNType reports "postgres" for PostgreSQL connection strings and "sqlite" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// NewBackend opens the backend selected by opts.
func NewBackend(opts ...Option) (Backend, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store DSN not set")
	}

	kind := cfg.Kind
	if kind == "" {
		if DetectDSNType(cfg.DSN) == "postgres" {
			kind = KindPostgres
		} else {
			kind = KindFile
		}
	}
	slog.Debug("store.NewBackend: opening backend", "kind", kind)

	switch kind {
	case KindFile:
		return NewFileBackend(cfg.DSN)
	case KindSQLite:
		return NewSQLiteStore(WithSQLiteDSN(cfg.DSN))
	case KindPostgres:
		return NewPostgresStore(WithPostgresDSN(cfg.DSN))
	case KindPebble:
		return NewPebbleStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
}
