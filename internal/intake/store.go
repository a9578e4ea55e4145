package intake

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/ocr"
)

// Store is the raw-SQL repository backing receipt_intake rows. No ORM,
// following the same database/sql + pgx convention as internal/expense.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const selectIntakeColumns = `
	id, project_id, uploader_id, storage_key, file_hash, extracted_text, parsed_fields,
	status, created_expense_ids, batch_id, thumbnail_key, vault_file_ref, total_match_type,
	created_at, updated_at
`

type scanner interface {
	Scan(dest ...any) error
}

func scanIntake(s scanner) (Intake, error) {
	var in Intake

	var statusStr string

	var parsedFields []byte

	var expenseIDs string

	var matchType sql.NullString

	err := s.Scan(
		&in.ID, &in.ProjectID, &in.UploaderID, &in.StorageKey, &in.FileHash, &in.ExtractedText, &parsedFields,
		&statusStr, &expenseIDs, &in.BatchID, &in.ThumbnailKey, &in.VaultFileRef, &matchType,
		&in.CreatedAt, &in.UpdatedAt,
	)
	if err != nil {
		return Intake{}, err
	}

	in.Status = Status(statusStr)

	if len(parsedFields) > 0 {
		if err := json.Unmarshal(parsedFields, &in.ParsedFields); err != nil {
			return Intake{}, fmt.Errorf("parsing stored parsed_fields: %w", err)
		}
	}

	ids, err := parseUUIDArray(expenseIDs)
	if err != nil {
		return Intake{}, fmt.Errorf("parsing created_expense_ids: %w", err)
	}

	in.CreatedExpenseIDs = ids

	if matchType.Valid {
		mt := ocr.MatchType(matchType.String)
		in.TotalMatchType = &mt
	}

	return in, nil
}

// Create inserts a pending intake row.
func (s *Store) Create(ctx context.Context, in *Intake) error {
	query := `
		INSERT INTO receipt_intake (project_id, uploader_id, storage_key, file_hash, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`

	err := s.db.QueryRowContext(ctx, query, in.ProjectID, in.UploaderID, in.StorageKey, in.FileHash, in.Status).
		Scan(&in.ID, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating intake: %w", err)
	}

	return nil
}

// Get fetches one intake by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Intake, error) {
	query := `SELECT ` + selectIntakeColumns + ` FROM receipt_intake WHERE id = $1`

	in, err := scanIntake(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Intake{}, ErrNotFound
		}

		return Intake{}, fmt.Errorf("getting intake: %w", err)
	}

	return in, nil
}

// FindNonTerminalByHash looks for an existing non-terminal intake with the
// same file hash in the same project, used for upload-time dedup.
func (s *Store) FindNonTerminalByHash(ctx context.Context, projectID uuid.UUID, hash string) (Intake, bool, error) {
	query := `SELECT ` + selectIntakeColumns + ` FROM receipt_intake
		WHERE project_id = $1 AND file_hash = $2
		AND status NOT IN ('linked', 'rejected', 'duplicate', 'error')
		ORDER BY created_at DESC LIMIT 1`

	in, err := scanIntake(s.db.QueryRowContext(ctx, query, projectID, hash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Intake{}, false, nil
		}

		return Intake{}, false, fmt.Errorf("finding intake by hash: %w", err)
	}

	return in, true, nil
}

// ExpenseMatch describes a candidate expense for the (vendor, amount,
// date) dedup check.
type ExpenseMatch struct {
	VendorID *uuid.UUID
	Amount   string
	Date     time.Time
}

// FindRecentExpenseMatch reports whether any expense created from an
// intake within the last `since` window in this project matches vendor,
// amount, and date exactly.
func (s *Store) FindRecentExpenseMatch(ctx context.Context, projectID uuid.UUID, match ExpenseMatch, since time.Time) (bool, error) {
	query := `
		SELECT 1
		FROM receipt_intake ri
		JOIN expenses e ON e.id = ANY(ri.created_expense_ids)
		WHERE ri.project_id = $1 AND ri.created_at >= $2
			AND e.vendor_id IS NOT DISTINCT FROM $3
			AND e.amount = $4
			AND e.transaction_date = $5
			AND e.deleted_at IS NULL
		LIMIT 1
	`

	var dummy int

	err := s.db.QueryRowContext(ctx, query, projectID, since, match.VendorID, match.Amount, match.Date).Scan(&dummy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}

		return false, fmt.Errorf("finding recent expense match: %w", err)
	}

	return true, nil
}

// UpdateStatus sets an intake's status. It does not check the transition
// and leaves the extracted fields unchanged.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, newStatus Status) error {
	query := `UPDATE receipt_intake SET status = $1, updated_at = now() WHERE id = $2`

	res, err := s.db.ExecContext(ctx, query, newStatus, id)
	if err != nil {
		return fmt.Errorf("updating intake status: %w", err)
	}

	return checkRowsAffected(res)
}

// SetExtraction persists OCR output (extracted text, parsed fields, and
// match type) and moves the intake to ready or check_review.
func (s *Store) SetExtraction(ctx context.Context, id uuid.UUID, extractedText string, parsedFields map[string]any, matchType ocr.MatchType, newStatus Status) error {
	fieldsJSON, err := json.Marshal(parsedFields)
	if err != nil {
		return fmt.Errorf("marshaling parsed fields: %w", err)
	}

	query := `
		UPDATE receipt_intake
		SET extracted_text = $1, parsed_fields = $2, total_match_type = $3, status = $4, updated_at = now()
		WHERE id = $5
	`

	res, err := s.db.ExecContext(ctx, query, extractedText, fieldsJSON, matchType, newStatus, id)
	if err != nil {
		return fmt.Errorf("setting intake extraction: %w", err)
	}

	return checkRowsAffected(res)
}

// LinkExpenses records the ids of expenses actually created from this
// intake and transitions it to linked.
func (s *Store) LinkExpenses(ctx context.Context, id uuid.UUID, expenseIDs []uuid.UUID) error {
	query := `
		UPDATE receipt_intake
		SET created_expense_ids = $1, status = $2, updated_at = now()
		WHERE id = $3
	`

	res, err := s.db.ExecContext(ctx, query, encodeUUIDArray(expenseIDs), StatusLinked, id)
	if err != nil {
		return fmt.Errorf("linking intake expenses: %w", err)
	}

	return checkRowsAffected(res)
}

// Mark applies a manual status override (e.g. rejected), independent of
// the happy-path extraction flow.
func (s *Store) Mark(ctx context.Context, id uuid.UUID, newStatus Status) error {
	return s.UpdateStatus(ctx, id, newStatus)
}

// IsReceiptSufficient implements autoauth.ReceiptSufficiencySource: R3
// fires when a linked intake's created_expense_ids names this expense.
func (s *Store) IsReceiptSufficient(ctx context.Context, expenseID uuid.UUID) (bool, error) {
	var exists bool

	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM receipt_intake
			WHERE status = $1 AND $2 = ANY(created_expense_ids)
		)
	`, StatusLinked, expenseID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking receipt sufficiency for expense %s: %w", expenseID, err)
	}

	return exists, nil
}

// ReceiptHashForExpense implements autoauth.ReceiptHashSource, resolving
// the uploaded file hash of the intake this expense was created from, so
// R1's duplicate check can distinguish a genuinely re-scanned duplicate
// receipt from two separate invoices that happen to share vendor, amount,
// date, and description.
func (s *Store) ReceiptHashForExpense(ctx context.Context, expenseID uuid.UUID) (string, bool, error) {
	var hash string

	err := s.db.QueryRowContext(ctx, `
		SELECT file_hash FROM receipt_intake
		WHERE $1 = ANY(created_expense_ids)
		LIMIT 1
	`, expenseID).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}

		return "", false, fmt.Errorf("finding receipt hash for expense %s: %w", expenseID, err)
	}

	return hash, true, nil
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}

	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// encodeUUIDArray renders a Postgres array literal for a UUID column. No
// array-aware driver sits in front of database/sql here, so the literal
// format is built by hand rather than reaching for a type we'd have to
// bind through pgx's separate connection-pool API.
func encodeUUIDArray(ids []uuid.UUID) string {
	if len(ids) == 0 {
		return "{}"
	}

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}

	return "{" + strings.Join(parts, ",") + "}"
}

func parseUUIDArray(s string) ([]uuid.UUID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")

	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")

	ids := make([]uuid.UUID, 0, len(parts))

	for _, p := range parts {
		id, err := uuid.Parse(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("parsing array element %q: %w", p, err)
		}

		ids = append(ids, id)
	}

	return ids, nil
}
