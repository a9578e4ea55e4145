// Package masterdata implements the small reference-data collaborators
// that internal/categorization and internal/intake depend on as external
// systems: vendor identity resolution, the account catalog, and the
// recent-correction feed used as LLM prompt context. Grounded on the same
// raw-SQL, no-ORM convention every other store in this service follows.
package masterdata

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/categorization"
)

// Store resolves vendor names to ids, lists the account catalog, and
// records/reads recent manual categorization corrections.
type Store struct {
	db *sql.DB
}

// New constructs a Store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// ResolveVendor implements intake.VendorResolver: it upserts by
// (project_id, name) so the same vendor name always maps to the same id
// within a project.
func (s *Store) ResolveVendor(ctx context.Context, projectID uuid.UUID, name string) (uuid.UUID, error) {
	var id uuid.UUID

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO vendors (project_id, name)
		VALUES ($1, $2)
		ON CONFLICT (project_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, projectID, name).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolving vendor %q: %w", name, err)
	}

	return id, nil
}

// VendorName implements autoauth.VendorNameResolver, the reverse of
// ResolveVendor, used for fuzzy-matching a bill's recorded vendor text
// against the vendor a candidate expense is attributed to.
func (s *Store) VendorName(ctx context.Context, vendorID uuid.UUID) (string, error) {
	var name string

	err := s.db.QueryRowContext(ctx, `SELECT name FROM vendors WHERE id = $1`, vendorID).Scan(&name)
	if err != nil {
		return "", fmt.Errorf("finding vendor name: %w", err)
	}

	return name, nil
}

// AccountsForStage implements categorization.AccountCatalog.
func (s *Store) AccountsForStage(ctx context.Context, stage string) ([]categorization.AccountRef, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM accounts WHERE stage = $1 ORDER BY name`, stage)
	if err != nil {
		return nil, fmt.Errorf("querying accounts for stage %q: %w", stage, err)
	}
	defer rows.Close()

	var refs []categorization.AccountRef

	for rows.Next() {
		var ref categorization.AccountRef
		if err := rows.Scan(&ref.ID, &ref.Name); err != nil {
			return nil, fmt.Errorf("scanning account: %w", err)
		}

		refs = append(refs, ref)
	}

	return refs, rows.Err()
}

// AccountName implements categorization.AccountCatalog.
func (s *Store) AccountName(ctx context.Context, id uuid.UUID) (string, error) {
	var name string

	err := s.db.QueryRowContext(ctx, `SELECT name FROM accounts WHERE id = $1`, id).Scan(&name)
	if err != nil {
		return "", fmt.Errorf("finding account name: %w", err)
	}

	return name, nil
}

// RecordCorrection appends one manual account correction, for use as
// future RecentCorrections context. No caller wires this in yet: the
// categorization engine records confidence and source on the expense row
// itself rather than a dedicated correction event, so there is currently
// no call site that observes "the human picked a different account than
// the engine did." Kept as real, queryable infrastructure for that future
// wiring rather than removed as unused.
func (s *Store) RecordCorrection(ctx context.Context, projectID uuid.UUID, stage, description, accountName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_corrections (project_id, stage, description, account_name)
		VALUES ($1, $2, $3, $4)
	`, projectID, stage, description, accountName)
	if err != nil {
		return fmt.Errorf("recording account correction: %w", err)
	}

	return nil
}

// RecentCorrections implements categorization.CorrectionsSource.
func (s *Store) RecentCorrections(ctx context.Context, projectID uuid.UUID, stage string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT description, account_name
		FROM account_corrections
		WHERE project_id = $1 AND stage = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, projectID, stage, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent corrections: %w", err)
	}
	defer rows.Close()

	var out []string

	for rows.Next() {
		var description, accountName string
		if err := rows.Scan(&description, &accountName); err != nil {
			return nil, fmt.Errorf("scanning correction: %w", err)
		}

		out = append(out, fmt.Sprintf("%q -> %s", description, accountName))
	}

	return out, rows.Err()
}
