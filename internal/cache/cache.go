// Package cache implements a content-addressed cache: a hash -> decision
// store for categorization results with TTL, hit counting, and eviction,
// using raw SQL throughout (no ORM).
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Entry is a categorization decision keyed by fingerprint+stage.
type Entry struct {
	ID         int64
	Fingerprint string
	Stage      string
	AccountID  uuid.UUID
	Confidence int
	Reasoning  string
	HitCount   int
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// ErrMiss is returned by Lookup when no live entry matches.
var ErrMiss = errors.New("cache: miss")

// Store is the Content-Addressed Cache backed by Postgres.
type Store struct {
	db  *sql.DB
	ttl time.Duration
}

// New constructs a Store with the configured TTL (effective 30 days from
// last use).
func New(db *sql.DB, ttlDays int) *Store {
	return &Store{db: db, ttl: time.Duration(ttlDays) * 24 * time.Hour}
}

// Lookup performs a consistent read against the store of record. A hit
// also touches the entry (updates last-used, increments hit count) so the
// TTL sweep preserves hot keys.
func (s *Store) Lookup(ctx context.Context, fingerprint, stage string) (Entry, error) {
	query := `
		SELECT id, fingerprint, stage, account_id, confidence, reasoning, hit_count, created_at, last_used_at
		FROM categorization_cache
		WHERE fingerprint = $1 AND stage = $2 AND last_used_at > $3
	`

	row := s.db.QueryRowContext(ctx, query, fingerprint, stage, time.Now().Add(-s.ttl))

	var e Entry
	if err := row.Scan(&e.ID, &e.Fingerprint, &e.Stage, &e.AccountID, &e.Confidence, &e.Reasoning, &e.HitCount, &e.CreatedAt, &e.LastUsedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrMiss
		}

		return Entry{}, fmt.Errorf("looking up cache entry: %w", err)
	}

	if err := s.touch(ctx, e.ID); err != nil {
		// Cache writes are best-effort: log and never block the main path.
		slog.Error("cache touch failed", "error", err, "entry_id", e.ID)
	}

	return e, nil
}

// Insert writes a new decision to the cache. Concurrent parallel lookups
// may race to insert the same fingerprint; a unique-constraint collision on
// (fingerprint, stage) is treated as success.
func (s *Store) Insert(ctx context.Context, fingerprint, stage string, accountID uuid.UUID, confidence int, reasoning string) error {
	query := `
		INSERT INTO categorization_cache (fingerprint, stage, account_id, confidence, reasoning, hit_count, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, 0, now(), now())
		ON CONFLICT (fingerprint, stage) DO NOTHING
	`

	if _, err := s.db.ExecContext(ctx, query, fingerprint, stage, accountID, confidence, reasoning); err != nil {
		return fmt.Errorf("inserting cache entry: %w", err)
	}

	return nil
}

func (s *Store) touch(ctx context.Context, entryID int64) error {
	query := `
		UPDATE categorization_cache
		SET last_used_at = now(), hit_count = hit_count + 1
		WHERE id = $1
	`

	if _, err := s.db.ExecContext(ctx, query, entryID); err != nil {
		return fmt.Errorf("touching cache entry: %w", err)
	}

	return nil
}

// Sweep removes entries whose last-used timestamp has fallen outside the
// TTL window. Intended to run periodically as a named background job.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM categorization_cache WHERE last_used_at <= $1`, time.Now().Add(-s.ttl))
	if err != nil {
		return 0, fmt.Errorf("sweeping cache: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting sweep results: %w", err)
	}

	return n, nil
}

// InvalidateForVendor removes cache entries whose reasoning mentions a
// given vendor name, used after an affinity-altering correction invalidates
// stale decisions.
func (s *Store) InvalidateForVendor(ctx context.Context, vendorName string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM categorization_cache WHERE reasoning ILIKE '%' || $1 || '%'`, vendorName)
	if err != nil {
		return 0, fmt.Errorf("invalidating cache for vendor: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting invalidation results: %w", err)
	}

	return n, nil
}
