package store

import (
	"context"
	"fmt"
	"log/slog"
)

// StorageError reports that the snapshot could not be written. While it persists
// the at-most-once guarantee cannot be trusted, so callers stop advancing marks.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("dedup store %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// DedupStore answers high-water-mark questions over a Backend.
// Every decision re-reads the snapshot because another path may have advanced it.
type DedupStore struct {
	backend Backend
}

// NewDedupStore wraps backend.
func NewDedupStore(backend Backend) *DedupStore {
	return &DedupStore{backend: backend}
}

// Load returns the current snapshot. Read or parse failures are logged and
// yield an empty record; they never reach the caller.
func (s *DedupStore) Load(ctx context.Context) Record {
	r, err := s.backend.Load(ctx)
	if err != nil {
		slog.Warn("DedupStore.Load: snapshot unreadable, treating as empty", "error", err)
		return Record{}
	}
	if r == nil {
		return Record{}
	}
	return r
}

// Save overwrites the snapshot.
func (s *DedupStore) Save(ctx context.Context, r Record) error {
	if err := s.backend.Save(ctx, r); err != nil {
		slog.Error("DedupStore.Save: snapshot write failed", "error", err, "keys", len(r))
		return &StorageError{Op: "save", Err: err}
	}
	return nil
}

// HighWaterMark returns the maximum mark recorded under any alias, or 0.
func (s *DedupStore) HighWaterMark(ctx context.Context, aliases []string) int64 {
	return maxMark(s.Load(ctx), aliases)
}

// MarkSeen sets every alias to seq and persists the snapshot.
func (s *DedupStore) MarkSeen(ctx context.Context, aliases []string, seq int64) error {
	r := s.Load(ctx)
	for _, a := range aliases {
		r[a] = seq
	}
	if err := s.Save(ctx, r); err != nil {
		return err
	}
	slog.Debug("DedupStore.MarkSeen: mark advanced", "aliases", aliases, "seq", seq)
	return nil
}

// Snapshot returns a copy of the current record for diagnostics.
func (s *DedupStore) Snapshot(ctx context.Context) Record {
	return s.Load(ctx).Clone()
}

// Close closes the underlying backend.
func (s *DedupStore) Close() error {
	return s.backend.Close()
}

func maxMark(r Record, aliases []string) int64 {
	var mark int64
	for _, a := range aliases {
		if v, ok := r[a]; ok && v > mark {
			mark = v
		}
	}
	return mark
}
