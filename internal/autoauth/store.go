package autoauth

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/expense"
	"github.com/fieldledger/expensecore/internal/money"
)

// Store is the raw-SQL repository backing auth_reports/auth_decisions and
// the conditional-authorize mutation, following the same database/sql,
// no-ORM convention as internal/expense.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// PendingCandidates fetches every non-deleted pending expense in
// projectID, optionally narrowed to window.
func (s *Store) PendingCandidates(ctx context.Context, projectID uuid.UUID, window *TimeWindow) ([]expense.Expense, error) {
	query := `SELECT ` + selectExpenseColumnsForAuth() + ` FROM expenses
		WHERE project_id = $1 AND status = 'pending' AND deleted_at IS NULL`

	args := []any{projectID}

	if window != nil {
		query += " AND transaction_date >= $2 AND transaction_date <= $3"
		args = append(args, window.From, window.To)
	}

	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching pending candidates: %w", err)
	}
	defer rows.Close()

	var out []expense.Expense

	for rows.Next() {
		e, err := scanAuthExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}

		out = append(out, e)
	}

	return out, nil
}

// FindExactDuplicate reports the first other expense in the same project
// that shares identical vendor, amount, date, and description and is in
// status pending or authorized, so the engine can apply R1's split-
// invoice exception against the matched row's own bill reference.
func (s *Store) FindExactDuplicate(ctx context.Context, e expense.Expense) (expense.Expense, bool, error) {
	query := `
		SELECT ` + selectExpenseColumnsForAuth() + ` FROM expenses
		WHERE project_id = $1 AND id != $2
			AND vendor_id IS NOT DISTINCT FROM $3
			AND amount = $4
			AND transaction_date = $5
			AND lower(description) = lower($6)
			AND status IN ('pending', 'authorized')
			AND deleted_at IS NULL
		LIMIT 1
	`

	row := s.db.QueryRowContext(ctx, query, e.ProjectID, e.ID, e.VendorID, e.Amount.String(), e.TransactionDate, e.Description)

	match, err := scanAuthExpense(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return expense.Expense{}, false, nil
		}

		return expense.Expense{}, false, fmt.Errorf("checking exact duplicate: %w", err)
	}

	return match, true, nil
}

// ConditionalAuthorize sets status=authorized and authorizer_id=actorID
// only if the row is still pending, preventing a TOCTOU race against a
// concurrent human action. Returns applied=false, not an error, on a
// race.
func (s *Store) ConditionalAuthorize(ctx context.Context, expenseID uuid.UUID, actorID uuid.UUID) (bool, error) {
	query := `
		UPDATE expenses
		SET status = 'authorized', authorizer_id = $1, updated_by = $1,
			version_token = version_token + 1, updated_at = now()
		WHERE id = $2 AND status = 'pending' AND deleted_at IS NULL
	`

	res, err := s.db.ExecContext(ctx, query, actorID, expenseID)
	if err != nil {
		return false, fmt.Errorf("conditionally authorizing expense: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking conditional authorize result: %w", err)
	}

	if n == 1 {
		_, logErr := s.db.ExecContext(ctx, `
			INSERT INTO expense_status_log (expense_id, old_status, new_status, reason, actor_id, created_at)
			VALUES ($1, 'pending', 'authorized', 'auto-authorization engine', $2, now())
		`, expenseID, actorID)
		if logErr != nil {
			return true, fmt.Errorf("logging auto-authorization: %w", logErr)
		}
	}

	return n == 1, nil
}

// SaveReport persists one AuthReport and its decisions as one auth_reports
// row plus one auth_decisions row per decision.
func (s *Store) SaveReport(ctx context.Context, report *AuthReport) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning report save: %w", err)
	}
	defer tx.Rollback()

	decisionsJSON, err := json.Marshal(report.Decisions)
	if err != nil {
		return fmt.Errorf("marshaling decisions: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO auth_reports (project_id, run_id, decisions)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, report.ProjectID, report.RunID, decisionsJSON).Scan(&report.ID, &report.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting auth report: %w", err)
	}

	for _, d := range report.Decisions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO auth_decisions (report_id, expense_id, rule, decision, reason, amount, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
		`, report.ID, d.ExpenseID, d.Rule, d.Decision, d.Reason, d.Amount.String())
		if err != nil {
			return fmt.Errorf("inserting auth decision: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing report save: %w", err)
	}

	return nil
}

// ReportByID loads one run's full report, including its decision rows, for
// GET /reports/{id}.
func (s *Store) ReportByID(ctx context.Context, id uuid.UUID) (AuthReport, error) {
	var report AuthReport

	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, run_id, created_at FROM auth_reports WHERE id = $1
	`, id).Scan(&report.ID, &report.ProjectID, &report.RunID, &report.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return AuthReport{}, ErrNotFound
		}

		return AuthReport{}, fmt.Errorf("finding auth report: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT expense_id, rule, decision, reason, amount, created_at
		FROM auth_decisions
		WHERE report_id = $1
		ORDER BY created_at ASC
	`, id)
	if err != nil {
		return AuthReport{}, fmt.Errorf("querying report decisions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d DecisionRecord

		var decisionStr, amount string

		if err := rows.Scan(&d.ExpenseID, &d.Rule, &decisionStr, &d.Reason, &amount, &d.CreatedAt); err != nil {
			return AuthReport{}, fmt.Errorf("scanning report decision: %w", err)
		}

		d.Decision = Decision(decisionStr)

		a, err := money.Parse(amount)
		if err != nil {
			return AuthReport{}, fmt.Errorf("parsing decision amount: %w", err)
		}

		d.Amount = a
		report.Decisions = append(report.Decisions, d)
	}

	return report, rows.Err()
}

// LastDecisionForExpense returns the most recent decision the engine made
// about expenseID, used by the authorization agent's explain_decision.
func (s *Store) LastDecisionForExpense(ctx context.Context, expenseID uuid.UUID) (DecisionRecord, bool, error) {
	query := `
		SELECT rule, decision, reason, amount, created_at
		FROM auth_decisions
		WHERE expense_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	var d DecisionRecord

	var decisionStr string

	var amount string

	err := s.db.QueryRowContext(ctx, query, expenseID).Scan(&d.Rule, &decisionStr, &d.Reason, &amount, &d.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return DecisionRecord{}, false, nil
		}

		return DecisionRecord{}, false, fmt.Errorf("finding last decision: %w", err)
	}

	d.ExpenseID = expenseID
	d.Decision = Decision(decisionStr)

	a, err := money.Parse(amount)
	if err != nil {
		return DecisionRecord{}, false, fmt.Errorf("parsing decision amount: %w", err)
	}

	d.Amount = a

	return d, true, nil
}

// RecordOverride appends one auth_overrides row when a human changes the
// status of an expense the engine most recently acted on. Not invoked
// directly by Engine; orchestrator.Engine.SweepOverrides calls it for each
// status-log change HumanOverridesSince reports, since overrides are a
// side effect of expense mutation, not of a Run.
func (s *Store) RecordOverride(ctx context.Context, expenseID uuid.UUID, originalRule, originalStatus string, newStatus expense.Status, actorID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_overrides (expense_id, original_rule, original_status, new_status, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, expenseID, originalRule, originalStatus, newStatus, actorID)
	if err != nil {
		return fmt.Errorf("recording override: %w", err)
	}

	return nil
}

// DigestSummary counts decisions made for projectID since the given time,
// grouped by outcome, for the consolidated per-project chat digest.
func (s *Store) DigestSummary(ctx context.Context, projectID uuid.UUID, since time.Time) (map[Decision]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ad.decision, COUNT(*)
		FROM auth_decisions ad
		JOIN auth_reports ar ON ar.id = ad.report_id
		WHERE ar.project_id = $1 AND ad.created_at >= $2
		GROUP BY ad.decision
	`, projectID, since)
	if err != nil {
		return nil, fmt.Errorf("summarizing digest: %w", err)
	}
	defer rows.Close()

	out := map[Decision]int{}

	for rows.Next() {
		var decisionStr string

		var count int

		if err := rows.Scan(&decisionStr, &count); err != nil {
			return nil, fmt.Errorf("scanning digest row: %w", err)
		}

		out[Decision(decisionStr)] = count
	}

	return out, rows.Err()
}

// OverrideCandidate is one human-driven status change observed after the
// engine's most recent decision on the same expense.
type OverrideCandidate struct {
	ExpenseID  uuid.UUID
	ActorID    uuid.UUID
	NewStatus  expense.Status
	Rule       string
	Decision   Decision
	ChangedAt  time.Time
}

// HumanOverridesSince finds expense_status_log rows newer than the most
// recent auth_decisions row for their expense, written by someone other
// than systemActorID, within the last `since` window. Bounded by time
// rather than by page, consistent with every other correctness-sensitive
// aggregate in this service.
func (s *Store) HumanOverridesSince(ctx context.Context, since time.Time, systemActorID uuid.UUID) ([]OverrideCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sl.expense_id, sl.actor_id, sl.new_status, ad.rule, ad.decision, sl.created_at
		FROM expense_status_log sl
		JOIN LATERAL (
			SELECT rule, decision, created_at
			FROM auth_decisions
			WHERE expense_id = sl.expense_id
			ORDER BY created_at DESC
			LIMIT 1
		) ad ON true
		WHERE sl.actor_id != $1
			AND sl.created_at > ad.created_at
			AND sl.created_at >= $2
		ORDER BY sl.created_at ASC
	`, systemActorID, since)
	if err != nil {
		return nil, fmt.Errorf("finding human overrides: %w", err)
	}
	defer rows.Close()

	var out []OverrideCandidate

	for rows.Next() {
		var c OverrideCandidate

		var newStatus, decisionStr string

		if err := rows.Scan(&c.ExpenseID, &c.ActorID, &newStatus, &c.Rule, &decisionStr, &c.ChangedAt); err != nil {
			return nil, fmt.Errorf("scanning override candidate: %w", err)
		}

		c.NewStatus = expense.Status(newStatus)
		c.Decision = Decision(decisionStr)

		out = append(out, c)
	}

	return out, rows.Err()
}

func selectExpenseColumnsForAuth() string {
	return `
		id, project_id, transaction_date, amount, vendor_id, account_id, description,
		payment_method_id, bill_id, upstream_id, status, authorizer_id, status_change_reason,
		updated_by, categorization_confidence, categorization_source, version_token,
		deleted_at, created_at, updated_at
	`
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAuthExpense(s scanner) (expense.Expense, error) {
	var e expense.Expense

	var amount string

	var statusStr string

	var categorizationSource sql.NullString

	err := s.Scan(
		&e.ID, &e.ProjectID, &e.TransactionDate, &amount, &e.VendorID, &e.AccountID, &e.Description,
		&e.PaymentMethodID, &e.BillID, &e.UpstreamID, &statusStr, &e.AuthorizerID, &e.StatusChangeReason,
		&e.UpdatedBy, &e.CategorizationConfidence, &categorizationSource, &e.VersionToken,
		&e.DeletedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return expense.Expense{}, err
	}

	a, err := money.Parse(amount)
	if err != nil {
		return expense.Expense{}, fmt.Errorf("parsing stored amount: %w", err)
	}

	e.Amount = a
	e.Status = expense.Status(statusStr)

	if categorizationSource.Valid {
		src := expense.Source(categorizationSource.String)
		e.CategorizationSource = &src
	}

	return e, nil
}
