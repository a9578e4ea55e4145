// Package expense owns the canonical ledger record and its state machine:
// creation, capability-gated updates with change-log/status-log rows,
// validated status transitions, soft delete, and full-pagination listing
// and summaries.
package expense

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/money"
)

// Status is one of the three states an expense can occupy.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAuthorized Status = "authorized"
	StatusReview     Status = "review"
)

// Source records which categorization tier assigned the account.
type Source string

const (
	SourceCache    Source = "cache"
	SourceAffinity Source = "affinity"
	SourceML       Source = "ml"
	SourceLLMSmall Source = "llm_small"
	SourceLLMLarge Source = "llm_large"
	SourceManual   Source = "manual"
)

// Expense is the canonical ledger entry.
type Expense struct {
	ID                       uuid.UUID
	ProjectID                uuid.UUID
	TransactionDate          time.Time
	Amount                   money.Amount
	VendorID                 *uuid.UUID
	AccountID                *uuid.UUID
	Description              string
	PaymentMethodID          *uuid.UUID
	BillID                   *uuid.UUID
	UpstreamID               *string
	Status                   Status
	AuthorizerID             *uuid.UUID
	StatusChangeReason       *string
	UpdatedBy                uuid.UUID
	CategorizationConfidence *int
	CategorizationSource     *Source
	VersionToken             int64
	DeletedAt                *time.Time
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// ChangeLogEntry is one append-only field-level audit row.
type ChangeLogEntry struct {
	ExpenseID uuid.UUID
	Field     string
	OldValue  *string
	NewValue  *string
	ActorID   uuid.UUID
	StatusAt  Status
	CreatedAt time.Time
}

// StatusLogEntry is one append-only status-transition audit row.
type StatusLogEntry struct {
	ExpenseID uuid.UUID
	OldStatus *Status
	NewStatus Status
	Reason    *string
	ActorID   uuid.UUID
	CreatedAt time.Time
}

var (
	ErrNotFound          = errors.New("expense: not found")
	ErrConflict          = errors.New("expense: version conflict")
	ErrInvalidTransition = errors.New("expense: invalid status transition")
	ErrForbiddenField    = errors.New("expense: field not permitted for actor's role")
)

// transitions enumerates every legal (from, to) status pair. authorized ->
// pending is deliberately absent: it would lose the authorizer trail.
var transitions = map[Status]map[Status]bool{
	StatusPending:    {StatusAuthorized: true, StatusReview: true},
	StatusAuthorized: {StatusReview: true},
	StatusReview:     {StatusAuthorized: true, StatusPending: true},
}

// ValidTransition reports whether from -> to is a legal status change.
func ValidTransition(from, to Status) bool {
	return transitions[from][to]
}

// ListFilter narrows List/Summaries to a subset of expenses.
type ListFilter struct {
	ProjectID *uuid.UUID
	VendorID  *uuid.UUID
	AccountID *uuid.UUID
	Status    *Status
	DateFrom  *time.Time
	DateTo    *time.Time
}

// Page requests one page of a List call.
type Page struct {
	Cursor   int64 // exclusive lower bound on internal row sequence; 0 for first page
	PageSize int
}

// PageResult is one page of List, with the cursor to request the next page.
type PageResult struct {
	Expenses   []Expense
	NextCursor int64
	HasMore    bool
}

// SummaryDimension is what Summaries groups by.
type SummaryDimension string

const (
	SummaryByType    SummaryDimension = "type"
	SummaryByProject SummaryDimension = "project"
	SummaryByStatus  SummaryDimension = "status"
)

// SummaryRow is one aggregated bucket.
type SummaryRow struct {
	Key   string
	Count int
	Total money.Amount
}
