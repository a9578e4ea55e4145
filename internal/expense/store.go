package expense

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/money"
)

// Store is the raw-SQL repository backing Expense rows and their audit
// trails. No ORM: every query is hand-written SQL against database/sql.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const selectExpenseColumns = `
	id, project_id, transaction_date, amount, vendor_id, account_id, description,
	payment_method_id, bill_id, upstream_id, status, authorizer_id, status_change_reason,
	updated_by, categorization_confidence, categorization_source, version_token,
	deleted_at, created_at, updated_at
`

type scanner interface {
	Scan(dest ...any) error
}

func scanExpense(s scanner) (Expense, error) {
	e, _, err := scanExpenseRow(s, false)
	return e, err
}

// scanExpenseRow scans the fixed expense column set, optionally followed by
// the internal `seq` cursor column used for pagination.
func scanExpenseRow(s scanner, withSeq bool) (Expense, int64, error) {
	var e Expense

	var amount string

	var statusStr string

	var categorizationSource sql.NullString

	var seq int64

	dest := []any{
		&e.ID, &e.ProjectID, &e.TransactionDate, &amount, &e.VendorID, &e.AccountID, &e.Description,
		&e.PaymentMethodID, &e.BillID, &e.UpstreamID, &statusStr, &e.AuthorizerID, &e.StatusChangeReason,
		&e.UpdatedBy, &e.CategorizationConfidence, &categorizationSource, &e.VersionToken,
		&e.DeletedAt, &e.CreatedAt, &e.UpdatedAt,
	}

	if withSeq {
		dest = append(dest, &seq)
	}

	if err := s.Scan(dest...); err != nil {
		return Expense{}, 0, err
	}

	a, err := money.Parse(amount)
	if err != nil {
		return Expense{}, 0, fmt.Errorf("parsing stored amount: %w", err)
	}

	e.Amount = a
	e.Status = Status(statusStr)

	if categorizationSource.Valid {
		src := Source(categorizationSource.String)
		e.CategorizationSource = &src
	}

	return e, seq, nil
}

// Create inserts one expense and fills in e's assigned id, version token,
// and timestamps.
func (s *Store) Create(ctx context.Context, e *Expense) error {
	return s.createTx(ctx, s.db, e)
}

func (s *Store) createTx(ctx context.Context, q querier, e *Expense) error {
	query := `
		INSERT INTO expenses (
			project_id, transaction_date, amount, vendor_id, account_id, description,
			payment_method_id, bill_id, upstream_id, status, updated_by,
			categorization_confidence, categorization_source
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, version_token, created_at, updated_at
	`

	err := q.QueryRowContext(ctx, query,
		e.ProjectID, e.TransactionDate, e.Amount.String(), e.VendorID, e.AccountID, e.Description,
		e.PaymentMethodID, e.BillID, e.UpstreamID, e.Status, e.UpdatedBy,
		e.CategorizationConfidence, e.CategorizationSource,
	).Scan(&e.ID, &e.VersionToken, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating expense: %w", err)
	}

	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateBatch inserts every expense inside one transaction: either all rows
// land or none do.
func (s *Store) CreateBatch(ctx context.Context, expenses []*Expense) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning batch create: %w", err)
	}
	defer tx.Rollback()

	for i, e := range expenses {
		if err := s.createTx(ctx, tx, e); err != nil {
			return fmt.Errorf("batch row %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch create: %w", err)
	}

	return nil
}

// Get fetches one non-deleted expense by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Expense, error) {
	query := `SELECT ` + selectExpenseColumns + ` FROM expenses WHERE id = $1 AND deleted_at IS NULL`

	e, err := scanExpense(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Expense{}, ErrNotFound
		}

		return Expense{}, fmt.Errorf("getting expense: %w", err)
	}

	return e, nil
}

// GetMany fetches every non-deleted expense in ids, in no particular
// order. Missing ids are simply absent from the result. Built as a
// dynamic IN-list rather than `= ANY($1)` since this module drives
// Postgres through plain database/sql, with no array-aware binding for
// []uuid.UUID (see internal/intake's encodeUUIDArray for the same
// constraint on a stored column).
func (s *Store) GetMany(ctx context.Context, ids []uuid.UUID) ([]Expense, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))

	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	query := `SELECT ` + selectExpenseColumns + ` FROM expenses WHERE id IN (` +
		strings.Join(placeholders, ",") + `) AND deleted_at IS NULL`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("getting expenses: %w", err)
	}
	defer rows.Close()

	var out []Expense

	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning expense: %w", err)
		}

		out = append(out, e)
	}

	return out, nil
}

// GetForUpdate fetches one non-deleted expense inside tx, locking the row.
func (s *Store) GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (Expense, error) {
	query := `SELECT ` + selectExpenseColumns + ` FROM expenses WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`

	e, err := scanExpense(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Expense{}, ErrNotFound
		}

		return Expense{}, fmt.Errorf("getting expense for update: %w", err)
	}

	return e, nil
}

// UpdateWithVersion overwrites the row identified by e.ID, requiring the
// stored version_token to equal expectedVersion (compare-and-set), then
// increments the version token. Returns ErrConflict on mismatch.
func (s *Store) UpdateWithVersion(ctx context.Context, tx *sql.Tx, e *Expense, expectedVersion int64) error {
	query := `
		UPDATE expenses
		SET transaction_date = $1, amount = $2, vendor_id = $3, account_id = $4, description = $5,
			payment_method_id = $6, bill_id = $7, upstream_id = $8, status = $9, authorizer_id = $10,
			status_change_reason = $11, updated_by = $12, categorization_confidence = $13,
			categorization_source = $14, version_token = version_token + 1, updated_at = now()
		WHERE id = $15 AND version_token = $16 AND deleted_at IS NULL
		RETURNING version_token, updated_at
	`

	err := tx.QueryRowContext(ctx, query,
		e.TransactionDate, e.Amount.String(), e.VendorID, e.AccountID, e.Description,
		e.PaymentMethodID, e.BillID, e.UpstreamID, e.Status, e.AuthorizerID,
		e.StatusChangeReason, e.UpdatedBy, e.CategorizationConfidence, e.CategorizationSource,
		e.ID, expectedVersion,
	).Scan(&e.VersionToken, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConflict
		}

		return fmt.Errorf("updating expense: %w", err)
	}

	return nil
}

// InsertChangeLog appends one field-level change-log row.
func (s *Store) InsertChangeLog(ctx context.Context, tx *sql.Tx, entry ChangeLogEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO expense_change_log (expense_id, field, old_value, new_value, actor_id, status_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, entry.ExpenseID, entry.Field, entry.OldValue, entry.NewValue, entry.ActorID, entry.StatusAt)
	if err != nil {
		return fmt.Errorf("inserting change log row: %w", err)
	}

	return nil
}

// InsertStatusLog appends one status-transition audit row.
func (s *Store) InsertStatusLog(ctx context.Context, tx *sql.Tx, entry StatusLogEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO expense_status_log (expense_id, old_status, new_status, reason, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, entry.ExpenseID, entry.OldStatus, entry.NewStatus, entry.Reason, entry.ActorID)
	if err != nil {
		return fmt.Errorf("inserting status log row: %w", err)
	}

	return nil
}

// updateTx is one open locked-row update, mirroring the teacher's
// begin/commit/rollback transaction-handle convention for multi-statement
// writes (see transaction.ImportTx).
type updateTx struct {
	store   *Store
	tx      *sql.Tx
	current Expense
}

// BeginUpdate locks the row for update inside a fresh transaction and
// returns a handle exposing Current, Apply, InsertChangeLog,
// InsertStatusLog, SoftDelete, Commit, and Rollback.
func (s *Store) BeginUpdate(ctx context.Context, id uuid.UUID) (UpdateTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning update: %w", err)
	}

	current, err := s.GetForUpdate(ctx, tx, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	return &updateTx{store: s, tx: tx, current: current}, nil
}

func (u *updateTx) Current() Expense { return u.current }

func (u *updateTx) Apply(ctx context.Context, updated Expense) (Expense, error) {
	if err := u.store.UpdateWithVersion(ctx, u.tx, &updated, u.current.VersionToken); err != nil {
		return Expense{}, err
	}

	return updated, nil
}

func (u *updateTx) InsertChangeLog(ctx context.Context, entry ChangeLogEntry) error {
	return u.store.InsertChangeLog(ctx, u.tx, entry)
}

func (u *updateTx) InsertStatusLog(ctx context.Context, entry StatusLogEntry) error {
	return u.store.InsertStatusLog(ctx, u.tx, entry)
}

func (u *updateTx) SoftDelete(ctx context.Context, id uuid.UUID) error {
	if _, err := u.tx.ExecContext(ctx, `UPDATE expenses SET deleted_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("soft-deleting expense: %w", err)
	}

	return nil
}

func (u *updateTx) Commit() error {
	if err := u.tx.Commit(); err != nil {
		return fmt.Errorf("committing update: %w", err)
	}

	return nil
}

func (u *updateTx) Rollback() error { return u.tx.Rollback() }

// List returns one page of expenses matching filter, ordered by the
// internal seq column so pagination is stable, along with a cursor for the
// next page.
func (s *Store) List(ctx context.Context, filter ListFilter, page Page) (PageResult, error) {
	if page.PageSize <= 0 {
		page.PageSize = 100
	}

	query, args := buildFilterQuery(selectExpenseColumns, filter)
	query += fmt.Sprintf(" AND seq > $%d ORDER BY seq ASC LIMIT $%d", len(args)+1, len(args)+2)
	args = append(args, page.Cursor, page.PageSize+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return PageResult{}, fmt.Errorf("listing expenses: %w", err)
	}
	defer rows.Close()

	var result PageResult

	var seqs []int64

	for rows.Next() {
		e, seq, err := scanExpenseRow(rows, true)
		if err != nil {
			return PageResult{}, fmt.Errorf("scanning expense: %w", err)
		}

		result.Expenses = append(result.Expenses, e)
		seqs = append(seqs, seq)
	}

	if len(result.Expenses) > page.PageSize {
		result.Expenses = result.Expenses[:page.PageSize]
		seqs = seqs[:page.PageSize]
		result.HasMore = true
	}

	if len(seqs) > 0 {
		result.NextCursor = seqs[len(seqs)-1]
	}

	return result, nil
}

// buildFilterQuery constructs the WHERE clause shared by List and
// full-scan aggregation, selecting columns plus the internal seq used for
// cursor pagination.
func buildFilterQuery(columns string, filter ListFilter) (string, []any) {
	query := `SELECT ` + columns + `, seq FROM expenses WHERE deleted_at IS NULL`

	var args []any

	argIdx := 1

	if filter.ProjectID != nil {
		query += fmt.Sprintf(" AND project_id = $%d", argIdx)
		args = append(args, *filter.ProjectID)
		argIdx++
	}

	if filter.VendorID != nil {
		query += fmt.Sprintf(" AND vendor_id = $%d", argIdx)
		args = append(args, *filter.VendorID)
		argIdx++
	}

	if filter.AccountID != nil {
		query += fmt.Sprintf(" AND account_id = $%d", argIdx)
		args = append(args, *filter.AccountID)
		argIdx++
	}

	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, *filter.Status)
		argIdx++
	}

	if filter.DateFrom != nil {
		query += fmt.Sprintf(" AND transaction_date >= $%d", argIdx)
		args = append(args, *filter.DateFrom)
		argIdx++
	}

	if filter.DateTo != nil {
		query += fmt.Sprintf(" AND transaction_date <= $%d", argIdx)
		args = append(args, *filter.DateTo)
		argIdx++
	}

	return query, args
}

// AllMatching fully paginates through every row matching filter, used by
// Summaries so aggregate counts never truncate at a single page.
func (s *Store) AllMatching(ctx context.Context, filter ListFilter) ([]Expense, error) {
	var all []Expense

	page := Page{PageSize: 500}

	for {
		result, err := s.List(ctx, filter, page)
		if err != nil {
			return nil, err
		}

		all = append(all, result.Expenses...)

		if !result.HasMore {
			break
		}

		page.Cursor = result.NextCursor
	}

	return all, nil
}
