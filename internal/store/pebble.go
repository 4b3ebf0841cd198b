package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/cockroachdb/pebble"
)

// Compile-time check that PebbleStore implements Backend.
var _ Backend = (*PebbleStore)(nil)

var (
	markPrefix   = []byte("mark/")
	markUpperKey = []byte("mark0") // '0' sorts right after '/'
)

// PebbleStore keeps the record in an embedded Pebble database, one key per alias
// ("mark/<alias>" → decimal id). Save is a single synced batch.
type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens (or creates) a Pebble database in dir.
func NewPebbleStore(dir string) (*PebbleStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("pebble directory not set")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		slog.Error("Failed to open Pebble database", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to open pebble database %s: %w", dir, err)
	}
	slog.Debug("Pebble database opened", "dir", dir)
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Load(ctx context.Context) (Record, error) {
	iter := s.db.NewIter(&pebble.IterOptions{
		LowerBound: markPrefix,
		UpperBound: markUpperKey,
	})

	r := Record{}
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key()[len(markPrefix):])
		mark, err := strconv.ParseInt(string(iter.Value()), 10, 64)
		if err != nil {
			iter.Close()
			return nil, fmt.Errorf("failed to parse mark for %s: %w", key, err)
		}
		r[key] = mark
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return nil, fmt.Errorf("failed to iterate marks: %w", err)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to close mark iterator: %w", err)
	}
	return r, nil
}

func (s *PebbleStore) Save(ctx context.Context, r Record) error {
	b := s.db.NewBatch()
	defer b.Close()

	if err := b.DeleteRange(markPrefix, markUpperKey, nil); err != nil {
		return fmt.Errorf("failed to clear marks: %w", err)
	}
	for key, mark := range r {
		k := append(append([]byte{}, markPrefix...), key...)
		if err := b.Set(k, []byte(strconv.FormatInt(mark, 10)), nil); err != nil {
			return fmt.Errorf("failed to stage mark for %s: %w", key, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit marks: %w", err)
	}
	return nil
}

func (s *PebbleStore) Close() error {
	slog.Debug("Closing Pebble database")
	return s.db.Close()
}
