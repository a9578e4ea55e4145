// Package affinity maintains a per-vendor histogram over account
// assignments, recomputed from source of truth on every qualifying mutation
// rather than incrementally updated, to tolerate late edits.
package affinity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Row is one (vendor, account) histogram bucket.
type Row struct {
	VendorID    uuid.UUID
	AccountID   uuid.UUID
	Count       int
	VendorTotal int
}

// Ratio returns count/vendor_total, or 0 if vendor_total is 0.
func (r Row) Ratio() float64 {
	if r.VendorTotal == 0 {
		return 0
	}

	return float64(r.Count) / float64(r.VendorTotal)
}

// Index recomputes and serves vendor-account affinity.
type Index struct {
	db        *sql.DB
	minCount  int
	minRatio  float64
}

// New constructs an Index with the dominant-account thresholds from
// configuration (default count>=5, ratio>=0.90).
func New(db *sql.DB, minCount int, minRatio float64) *Index {
	return &Index{db: db, minCount: minCount, minRatio: minRatio}
}

// ErrNoDominantAccount is returned by Dominant when no account qualifies.
var ErrNoDominantAccount = errors.New("affinity: no dominant account")

// Dominant returns the account only if count >= minCount and ratio >=
// minRatio for that vendor-account pair. Reads never exceed a
// source-of-truth scan: no cached snapshot is consulted here, the
// histogram row itself is recomputed on write.
func (idx *Index) Dominant(ctx context.Context, vendorID uuid.UUID) (Row, error) {
	query := `
		SELECT vendor_id, account_id, count, vendor_total
		FROM vendor_account_affinity
		WHERE vendor_id = $1
		ORDER BY count DESC
		LIMIT 1
	`

	var row Row

	err := idx.db.QueryRowContext(ctx, query, vendorID).Scan(&row.VendorID, &row.AccountID, &row.Count, &row.VendorTotal)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Row{}, ErrNoDominantAccount
		}

		return Row{}, fmt.Errorf("reading affinity: %w", err)
	}

	if row.Count < idx.minCount || row.Ratio() < idx.minRatio {
		return Row{}, ErrNoDominantAccount
	}

	return row, nil
}

// Refresh recomputes the vendor's entire histogram from source (the
// expenses table) and upserts every (vendor, account) row. No partial
// updates: correctness beats speed because per-vendor volume is small.
func (idx *Index) Refresh(ctx context.Context, vendorID uuid.UUID) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning affinity refresh: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT account_id, COUNT(*)
		FROM expenses
		WHERE vendor_id = $1 AND account_id IS NOT NULL AND deleted_at IS NULL
		GROUP BY account_id
	`, vendorID)
	if err != nil {
		return fmt.Errorf("scanning vendor histogram: %w", err)
	}

	type bucket struct {
		accountID uuid.UUID
		count     int
	}

	var buckets []bucket

	vendorTotal := 0

	for rows.Next() {
		var b bucket
		if err := rows.Scan(&b.accountID, &b.count); err != nil {
			rows.Close()
			return fmt.Errorf("scanning histogram row: %w", err)
		}

		vendorTotal += b.count
		buckets = append(buckets, b)
	}

	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterating histogram rows: %w", err)
	}

	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM vendor_account_affinity WHERE vendor_id = $1`, vendorID); err != nil {
		return fmt.Errorf("clearing stale affinity rows: %w", err)
	}

	for _, b := range buckets {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vendor_account_affinity (vendor_id, account_id, count, vendor_total, updated_at)
			VALUES ($1, $2, $3, $4, now())
		`, vendorID, b.accountID, b.count, vendorTotal); err != nil {
			return fmt.Errorf("upserting affinity row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing affinity refresh: %w", err)
	}

	return nil
}
