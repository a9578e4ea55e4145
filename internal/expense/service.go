package expense

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/apierr"
	"github.com/fieldledger/expensecore/internal/identity"
	"github.com/fieldledger/expensecore/internal/money"
)

// CapabilityChecker answers whether an acting user may perform an action on
// a module. Satisfied by *identity.Gate.
type CapabilityChecker interface {
	Capability(ctx context.Context, user identity.User, module, action string) (bool, error)
}

// AuditScheduler hands off post-commit audit work to the background
// orchestrator. Its failure is logged by the caller and never undoes the
// commit that already landed.
type AuditScheduler interface {
	ScheduleAuditReconciliation(ctx context.Context, expenseID uuid.UUID)
	ScheduleAutoAuth(ctx context.Context, projectID uuid.UUID)
}

// UpdateTx is one open, row-locked update in progress, mirroring the
// begin/commit/rollback transaction-handle shape the teacher's import path
// uses for multi-statement writes.
type UpdateTx interface {
	Current() Expense
	Apply(ctx context.Context, updated Expense) (Expense, error)
	InsertChangeLog(ctx context.Context, entry ChangeLogEntry) error
	InsertStatusLog(ctx context.Context, entry StatusLogEntry) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	Commit() error
	Rollback() error
}

// Repository is everything the Service needs from storage.
type Repository interface {
	Create(ctx context.Context, e *Expense) error
	CreateBatch(ctx context.Context, expenses []*Expense) error
	Get(ctx context.Context, id uuid.UUID) (Expense, error)
	List(ctx context.Context, filter ListFilter, page Page) (PageResult, error)
	AllMatching(ctx context.Context, filter ListFilter) ([]Expense, error)
	BeginUpdate(ctx context.Context, id uuid.UUID) (UpdateTx, error)
}

// Service enforces capability checks, the status transition graph, and
// change-log/status-log production around a Repository.
type Service struct {
	repo      Repository
	gate      CapabilityChecker
	scheduler AuditScheduler
}

// New constructs a Service.
func New(repo Repository, gate CapabilityChecker, scheduler AuditScheduler) *Service {
	return &Service{repo: repo, gate: gate, scheduler: scheduler}
}

func (s *Service) requireCapability(ctx context.Context, user identity.User, action string) error {
	ok, err := s.gate.Capability(ctx, user, identity.ModuleExpense, action)
	if err != nil {
		return fmt.Errorf("checking capability: %w", err)
	}

	if !ok {
		return apierr.New(apierr.Unauthorized, "actor lacks expense:"+action+" capability")
	}

	return nil
}

// Create inserts one expense on behalf of user.
func (s *Service) Create(ctx context.Context, user identity.User, e *Expense) error {
	if err := s.requireCapability(ctx, user, identity.ActionCreate); err != nil {
		return err
	}

	e.UpdatedBy = user.ID
	if e.Status == "" {
		e.Status = StatusPending
	}

	if err := s.repo.Create(ctx, e); err != nil {
		return err
	}

	s.scheduler.ScheduleAutoAuth(ctx, e.ProjectID)

	return nil
}

// CreateBatch inserts every expense atomically: either all rows land or
// none do.
func (s *Service) CreateBatch(ctx context.Context, user identity.User, expenses []*Expense) error {
	if err := s.requireCapability(ctx, user, identity.ActionCreate); err != nil {
		return err
	}

	projects := map[uuid.UUID]bool{}

	for _, e := range expenses {
		e.UpdatedBy = user.ID
		if e.Status == "" {
			e.Status = StatusPending
		}

		projects[e.ProjectID] = true
	}

	if err := s.repo.CreateBatch(ctx, expenses); err != nil {
		return err
	}

	for projectID := range projects {
		s.scheduler.ScheduleAutoAuth(ctx, projectID)
	}

	return nil
}

// Patch describes a bounded set of field changes to Update. Nil fields are
// left unchanged.
type Patch struct {
	VendorID           *uuid.UUID
	AccountID          *uuid.UUID
	Description        *string
	PaymentMethodID    *uuid.UUID
	BillID             *uuid.UUID
	Amount             *string // decimal string, parsed into fixed-point by Update
	Status             *Status
	StatusChangeReason *string
	VersionToken       int64
}

// Update applies patch to the expense identified by id, enforcing the
// compare-and-set version check, generating one change-log row per
// modified field (and a status-log row if status changed), and applying
// the bookkeeper auto-review rule. Returns ErrConflict if VersionToken is
// stale.
func (s *Service) Update(ctx context.Context, user identity.User, id uuid.UUID, patch Patch) (Expense, error) {
	if err := s.requireCapability(ctx, user, identity.ActionUpdate); err != nil {
		return Expense{}, err
	}

	tx, err := s.repo.BeginUpdate(ctx, id)
	if err != nil {
		return Expense{}, err
	}
	defer tx.Rollback()

	current := tx.Current()

	if current.VersionToken != patch.VersionToken {
		return Expense{}, ErrConflict
	}

	updated := current
	updated.UpdatedBy = user.ID

	var changeLogs []ChangeLogEntry

	noteChange := func(field string, oldVal, newVal *string) {
		if ptrEqual(oldVal, newVal) {
			return
		}

		changeLogs = append(changeLogs, ChangeLogEntry{
			ExpenseID: id, Field: field, OldValue: oldVal, NewValue: newVal,
			ActorID: user.ID, StatusAt: updated.Status,
		})
	}

	nonStatusFieldChanged := false

	if patch.VendorID != nil {
		noteChange("vendor_id", uuidPtrString(current.VendorID), uuidPtrString(patch.VendorID))
		updated.VendorID = patch.VendorID
		nonStatusFieldChanged = true
	}

	if patch.AccountID != nil {
		noteChange("account_id", uuidPtrString(current.AccountID), uuidPtrString(patch.AccountID))
		updated.AccountID = patch.AccountID
		nonStatusFieldChanged = true
	}

	if patch.Description != nil {
		old := current.Description
		noteChange("description", &old, patch.Description)
		updated.Description = *patch.Description
		nonStatusFieldChanged = true
	}

	if patch.PaymentMethodID != nil {
		noteChange("payment_method_id", uuidPtrString(current.PaymentMethodID), uuidPtrString(patch.PaymentMethodID))
		updated.PaymentMethodID = patch.PaymentMethodID
		nonStatusFieldChanged = true
	}

	if patch.BillID != nil {
		noteChange("bill_id", uuidPtrString(current.BillID), uuidPtrString(patch.BillID))
		updated.BillID = patch.BillID
		nonStatusFieldChanged = true
	}

	if patch.Amount != nil {
		old := current.Amount.String()
		noteChange("amount", &old, patch.Amount)

		parsed, err := money.Parse(*patch.Amount)
		if err != nil {
			return Expense{}, apierr.Wrap(apierr.Validation, "invalid amount", err)
		}

		updated.Amount = parsed
		nonStatusFieldChanged = true
	}

	var statusLog *StatusLogEntry

	switch {
	case patch.Status != nil && *patch.Status != current.Status:
		if !ValidTransition(current.Status, *patch.Status) {
			return Expense{}, apierr.New(apierr.BusinessRule, fmt.Sprintf("invalid transition %s -> %s", current.Status, *patch.Status))
		}

		if *patch.Status == StatusReview && patch.StatusChangeReason == nil {
			return Expense{}, apierr.New(apierr.Validation, "a reason is required when moving an expense to review")
		}

		oldStatus := current.Status
		updated.Status = *patch.Status
		updated.StatusChangeReason = patch.StatusChangeReason

		if updated.Status == StatusAuthorized {
			updated.AuthorizerID = &user.ID
		} else {
			updated.AuthorizerID = nil
		}

		statusLog = &StatusLogEntry{
			ExpenseID: id, OldStatus: &oldStatus, NewStatus: updated.Status,
			Reason: patch.StatusChangeReason, ActorID: user.ID,
		}
	case nonStatusFieldChanged && user.Role == "bookkeeper" && current.Status == StatusAuthorized:
		// A bookkeeper editing a field other than status on an authorized
		// row forces it back to review, with a recorded reason.
		reason := "auto-reviewed: bookkeeper edited an authorized expense"
		oldStatus := current.Status
		updated.Status = StatusReview
		updated.StatusChangeReason = &reason
		updated.AuthorizerID = nil

		statusLog = &StatusLogEntry{
			ExpenseID: id, OldStatus: &oldStatus, NewStatus: StatusReview,
			Reason: &reason, ActorID: user.ID,
		}
	}

	updated, err = tx.Apply(ctx, updated)
	if err != nil {
		return Expense{}, err
	}

	for _, entry := range changeLogs {
		if err := tx.InsertChangeLog(ctx, entry); err != nil {
			return Expense{}, err
		}
	}

	if statusLog != nil {
		if err := tx.InsertStatusLog(ctx, *statusLog); err != nil {
			return Expense{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Expense{}, err
	}

	s.scheduler.ScheduleAuditReconciliation(ctx, id)

	return updated, nil
}

// SetStatus validates and applies a bare status transition.
func (s *Service) SetStatus(ctx context.Context, user identity.User, id uuid.UUID, newStatus Status, reason *string, versionToken int64) (Expense, error) {
	return s.Update(ctx, user, id, Patch{Status: &newStatus, StatusChangeReason: reason, VersionToken: versionToken})
}

// SoftDelete transitions the expense to review, clears the authorizer, and
// records reason.
func (s *Service) SoftDelete(ctx context.Context, user identity.User, id uuid.UUID, reason string, versionToken int64) error {
	if err := s.requireCapability(ctx, user, identity.ActionDelete); err != nil {
		return err
	}

	tx, err := s.repo.BeginUpdate(ctx, id)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current := tx.Current()

	if current.VersionToken != versionToken {
		return ErrConflict
	}

	oldStatus := current.Status
	current.Status = StatusReview
	current.StatusChangeReason = &reason
	current.AuthorizerID = nil
	current.UpdatedBy = user.ID

	if _, err := tx.Apply(ctx, current); err != nil {
		return err
	}

	if err := tx.InsertStatusLog(ctx, StatusLogEntry{
		ExpenseID: id, OldStatus: &oldStatus, NewStatus: StatusReview, Reason: &reason, ActorID: user.ID,
	}); err != nil {
		return err
	}

	if err := tx.SoftDelete(ctx, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.scheduler.ScheduleAuditReconciliation(ctx, id)

	return nil
}

// List returns one page of expenses matching filter.
func (s *Service) List(ctx context.Context, user identity.User, filter ListFilter, page Page) (PageResult, error) {
	if err := s.requireCapability(ctx, user, identity.ActionRead); err != nil {
		return PageResult{}, err
	}

	return s.repo.List(ctx, filter, page)
}

// Summaries aggregates every matching expense by dimension, paging
// exhaustively so counts equal the underlying data.
func (s *Service) Summaries(ctx context.Context, user identity.User, filter ListFilter, dimension SummaryDimension) ([]SummaryRow, error) {
	if err := s.requireCapability(ctx, user, identity.ActionRead); err != nil {
		return nil, err
	}

	all, err := s.repo.AllMatching(ctx, filter)
	if err != nil {
		return nil, err
	}

	buckets := map[string]*SummaryRow{}

	var order []string

	keyFor := func(e Expense) string {
		switch dimension {
		case SummaryByProject:
			return e.ProjectID.String()
		case SummaryByStatus:
			return string(e.Status)
		default: // SummaryByType: grouped by account, the closest proxy to
			// "transaction type" this data model carries.
			if e.AccountID == nil {
				return "uncategorized"
			}

			return e.AccountID.String()
		}
	}

	for _, e := range all {
		key := keyFor(e)

		b, ok := buckets[key]
		if !ok {
			b = &SummaryRow{Key: key}
			buckets[key] = b
			order = append(order, key)
		}

		b.Count++
		b.Total = b.Total.Add(e.Amount)
	}

	rows := make([]SummaryRow, 0, len(order))
	for _, key := range order {
		rows = append(rows, *buckets[key])
	}

	return rows, nil
}

func ptrEqual(a, b *string) bool {
	if a == nil && b == nil {
		return true
	}

	if a == nil || b == nil {
		return false
	}

	return *a == *b
}

func uuidPtrString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}

	s := id.String()

	return &s
}
