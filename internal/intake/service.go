package intake

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/apierr"
	"github.com/fieldledger/expensecore/internal/blobstore"
	"github.com/fieldledger/expensecore/internal/categorization"
	"github.com/fieldledger/expensecore/internal/expense"
	"github.com/fieldledger/expensecore/internal/identity"
	"github.com/fieldledger/expensecore/internal/ocr"
)

// reviewConfidenceFloor is the vendor-confidence threshold below which an
// otherwise-successful extraction still routes to human review.
const reviewConfidenceFloor = 70

// recentMatchWindow bounds the (vendor, amount, date) dedup lookback.
const recentMatchWindow = 30 * 24 * time.Hour

// CapabilityChecker answers whether an acting user may perform an action
// on the intake module.
type CapabilityChecker interface {
	Capability(ctx context.Context, user identity.User, module, action string) (bool, error)
}

// Extractor is the slice of ocr.Pipeline this service depends on.
type Extractor interface {
	Extract(ctx context.Context, in ocr.Input) (ocr.Record, error)
}

// Categorizer is the slice of categorization.Engine this service depends
// on.
type Categorizer interface {
	Categorize(ctx context.Context, rows []categorization.Row) ([]categorization.Decision, categorization.Aggregate, error)
}

// ExpenseCreator is the slice of expense.Service this service depends on.
type ExpenseCreator interface {
	CreateBatch(ctx context.Context, user identity.User, expenses []*expense.Expense) error
}

// VendorResolver resolves a vendor name parsed off a receipt to the
// opaque vendor id this service's expenses carry. External collaborator:
// vendor master data is owned outside this module.
type VendorResolver interface {
	ResolveVendor(ctx context.Context, projectID uuid.UUID, name string) (uuid.UUID, error)
}

// Scheduler hands post-processing work to the background orchestrator.
type Scheduler interface {
	ScheduleProcessIntake(ctx context.Context, intakeID uuid.UUID)
	ScheduleAutoAuth(ctx context.Context, projectID uuid.UUID)
	ScheduleReconciliation(ctx context.Context, intakeID uuid.UUID)
}

// Repository is everything the Service needs from storage.
type Repository interface {
	Create(ctx context.Context, in *Intake) error
	Get(ctx context.Context, id uuid.UUID) (Intake, error)
	FindNonTerminalByHash(ctx context.Context, projectID uuid.UUID, hash string) (Intake, bool, error)
	FindRecentExpenseMatch(ctx context.Context, projectID uuid.UUID, match ExpenseMatch, since time.Time) (bool, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, newStatus Status) error
	SetExtraction(ctx context.Context, id uuid.UUID, extractedText string, parsedFields map[string]any, matchType ocr.MatchType, newStatus Status) error
	LinkExpenses(ctx context.Context, id uuid.UUID, expenseIDs []uuid.UUID) error
	Mark(ctx context.Context, id uuid.UUID, newStatus Status) error
}

// Service orchestrates upload, OCR/categorization processing, linking,
// and manual status overrides for the receipt intake queue.
type Service struct {
	repo        Repository
	blobs       blobstore.Store
	extractor   Extractor
	categorizer Categorizer
	expenses    ExpenseCreator
	vendors     VendorResolver
	gate        CapabilityChecker
	scheduler   Scheduler
}

// New constructs a Service.
func New(
	repo Repository,
	blobs blobstore.Store,
	extractor Extractor,
	categorizer Categorizer,
	expenses ExpenseCreator,
	vendors VendorResolver,
	gate CapabilityChecker,
	scheduler Scheduler,
) *Service {
	return &Service{
		repo: repo, blobs: blobs, extractor: extractor, categorizer: categorizer,
		expenses: expenses, vendors: vendors, gate: gate, scheduler: scheduler,
	}
}

func (s *Service) requireCapability(ctx context.Context, user identity.User, action string) error {
	ok, err := s.gate.Capability(ctx, user, identity.ModuleIntake, action)
	if err != nil {
		return fmt.Errorf("checking capability: %w", err)
	}

	if !ok {
		return apierr.New(apierr.Unauthorized, "actor lacks intake:"+action+" capability")
	}

	return nil
}

// Upload computes the file's SHA-256, checks for an in-flight duplicate by
// hash, stores the blob, and enqueues processing.
func (s *Service) Upload(ctx context.Context, user identity.User, projectID uuid.UUID, blob []byte, contentType string, isPDF bool) (Intake, error) {
	if err := s.requireCapability(ctx, user, identity.ActionCreate); err != nil {
		return Intake{}, err
	}

	sum := sha256.Sum256(blob)
	hash := hex.EncodeToString(sum[:])

	if existing, found, err := s.repo.FindNonTerminalByHash(ctx, projectID, hash); err != nil {
		return Intake{}, err
	} else if found {
		return existing, nil
	}

	storageKey := fmt.Sprintf("intake/%s/%s", projectID, hash)
	if err := s.blobs.Put(ctx, storageKey, bytes.NewReader(blob), contentType); err != nil {
		return Intake{}, fmt.Errorf("storing intake blob: %w", err)
	}

	in := &Intake{
		ProjectID:  projectID,
		UploaderID: user.ID,
		StorageKey: storageKey,
		FileHash:   hash,
		Status:     StatusPending,
	}

	if err := s.repo.Create(ctx, in); err != nil {
		return Intake{}, err
	}

	s.scheduler.ScheduleProcessIntake(ctx, in.ID)

	return *in, nil
}

// Process runs OCR extraction and categorization on a pending intake and
// creates whatever expenses the extraction supports, per the partial
// creation rule: an intake may reach linked with some line items skipped
// as long as at least one expense was created.
func (s *Service) Process(ctx context.Context, user identity.User, intakeID uuid.UUID) (ProcessResult, error) {
	in, err := s.repo.Get(ctx, intakeID)
	if err != nil {
		return ProcessResult{}, err
	}

	if !ValidTransition(in.Status, StatusProcessing) {
		return ProcessResult{}, ErrInvalidTransition
	}

	if err := s.repo.UpdateStatus(ctx, intakeID, StatusProcessing); err != nil {
		return ProcessResult{}, err
	}

	reader, contentType, err := s.blobs.Get(ctx, in.StorageKey)
	if err != nil {
		s.repo.UpdateStatus(ctx, intakeID, StatusError)
		return ProcessResult{Status: StatusError}, fmt.Errorf("fetching intake blob: %w", err)
	}
	defer reader.Close()

	blob, err := io.ReadAll(reader)
	if err != nil {
		s.repo.UpdateStatus(ctx, intakeID, StatusError)
		return ProcessResult{Status: StatusError}, fmt.Errorf("reading intake blob: %w", err)
	}

	isPDF := contentType == "application/pdf"

	record, err := s.extractor.Extract(ctx, ocr.Input{
		Blob:          blob,
		MIMEType:      contentType,
		IsPDF:         isPDF,
		IsTextBearing: !isPDF,
	})
	if err != nil {
		s.repo.UpdateStatus(ctx, intakeID, StatusError)
		return ProcessResult{Status: StatusError}, fmt.Errorf("extracting receipt: %w", err)
	}

	newStatus := StatusReady
	if record.VendorConfidence < reviewConfidenceFloor || record.TotalMatchType == ocr.MatchMismatch {
		newStatus = StatusCheckReview
	}

	parsedFields := recordToFields(record)

	if err := s.repo.SetExtraction(ctx, intakeID, "", parsedFields, record.TotalMatchType, newStatus); err != nil {
		return ProcessResult{}, err
	}

	var vendorID *uuid.UUID

	if s.vendors != nil && record.Vendor != "" {
		if id, err := s.vendors.ResolveVendor(ctx, in.ProjectID, record.Vendor); err == nil {
			vendorID = &id
		}
	}

	if vendorID != nil && !record.Total.IsZero() {
		match, err := s.repo.FindRecentExpenseMatch(ctx, in.ProjectID, ExpenseMatch{
			VendorID: vendorID, Amount: record.Total.String(), Date: record.Date,
		}, time.Now().Add(-recentMatchWindow))
		if err == nil && match {
			s.repo.UpdateStatus(ctx, intakeID, StatusDuplicate)
			return ProcessResult{Status: StatusDuplicate}, nil
		}
	}

	rows := make([]categorization.Row, len(record.LineItems))
	for i, li := range record.LineItems {
		rows[i] = categorization.Row{RowIndex: i, Description: li.Description, VendorID: vendorID, ProjectID: &in.ProjectID}
	}

	result := ProcessResult{Status: newStatus}

	if len(rows) == 0 {
		return result, nil
	}

	decisions, _, err := s.categorizer.Categorize(ctx, rows)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("categorizing line items: %w", err)
	}

	var toCreate []*expense.Expense

	for i, d := range decisions {
		if d.AccountID == uuid.Nil {
			result.Skipped++
			reason := d.Warning
			if reason == "" {
				reason = "no account assigned"
			}

			result.Reasons = append(result.Reasons, fmt.Sprintf("line %d: %s", i, reason))

			continue
		}

		accountID := d.AccountID
		toCreate = append(toCreate, &expense.Expense{
			ProjectID:                in.ProjectID,
			TransactionDate:          record.Date,
			Amount:                   record.LineItems[i].LineTotal,
			VendorID:                 vendorID,
			AccountID:                &accountID,
			Description:              record.LineItems[i].Description,
			UpstreamID:               strPtr(intakeID.String()),
			CategorizationConfidence: intPtr(d.Confidence),
			CategorizationSource:     sourcePtr(expense.Source(d.Source)),
		})
	}

	if len(toCreate) == 0 {
		result.Created = 0
		return result, nil
	}

	if err := s.expenses.CreateBatch(ctx, user, toCreate); err != nil {
		return ProcessResult{}, fmt.Errorf("creating expenses from intake: %w", err)
	}

	createdIDs := make([]uuid.UUID, len(toCreate))
	for i, e := range toCreate {
		createdIDs[i] = e.ID
	}

	if err := s.repo.LinkExpenses(ctx, intakeID, createdIDs); err != nil {
		return ProcessResult{}, err
	}

	result.Status = StatusLinked
	result.Created = len(createdIDs)

	s.scheduler.ScheduleAutoAuth(ctx, in.ProjectID)

	if record.TotalMatchType == ocr.MatchMismatch {
		s.scheduler.ScheduleReconciliation(ctx, intakeID)
	}

	return result, nil
}

// Link records an explicit, human- or agent-directed set of created
// expense ids against a ready intake.
func (s *Service) Link(ctx context.Context, user identity.User, intakeID uuid.UUID, expenseIDs []uuid.UUID) error {
	if err := s.requireCapability(ctx, user, identity.ActionUpdate); err != nil {
		return err
	}

	in, err := s.repo.Get(ctx, intakeID)
	if err != nil {
		return err
	}

	if !ValidTransition(in.Status, StatusLinked) {
		return ErrInvalidTransition
	}

	return s.repo.LinkExpenses(ctx, intakeID, expenseIDs)
}

// Get fetches one intake's current snapshot for GET /receipts/{id}.
func (s *Service) Get(ctx context.Context, user identity.User, intakeID uuid.UUID) (Intake, error) {
	if err := s.requireCapability(ctx, user, identity.ActionRead); err != nil {
		return Intake{}, err
	}

	return s.repo.Get(ctx, intakeID)
}

// Reject is the human-facing shorthand for marking an intake rejected,
// matching POST /receipts/{id}/reject. The reason is passed on to Mark,
// which neither stores nor otherwise uses it: intake has no separate log
// table.
func (s *Service) Reject(ctx context.Context, user identity.User, intakeID uuid.UUID, reason string) error {
	return s.Mark(ctx, user, intakeID, StatusRejected, &reason)
}

// Mark applies a manual status override, e.g. rejecting an intake the
// uploader no longer wants processed.
func (s *Service) Mark(ctx context.Context, user identity.User, intakeID uuid.UUID, newStatus Status, reason *string) error {
	if err := s.requireCapability(ctx, user, identity.ActionUpdate); err != nil {
		return err
	}

	in, err := s.repo.Get(ctx, intakeID)
	if err != nil {
		return err
	}

	if !ValidTransition(in.Status, newStatus) {
		return ErrInvalidTransition
	}

	return s.repo.Mark(ctx, intakeID, newStatus)
}

func recordToFields(record ocr.Record) map[string]any {
	items := make([]map[string]any, len(record.LineItems))
	for i, li := range record.LineItems {
		items[i] = map[string]any{
			"description": li.Description,
			"unit_price":  li.UnitPrice.String(),
			"line_total":  li.LineTotal.String(),
		}
	}

	return map[string]any{
		"vendor":           record.Vendor,
		"vendor_confidence": record.VendorConfidence,
		"total":            record.Total.String(),
		"subtotal":         record.Subtotal.String(),
		"tax":              record.Tax.String(),
		"method":           record.Method,
		"line_items":       items,
	}
}

func strPtr(s string) *string                    { return &s }
func intPtr(i int) *int                          { return &i }
func sourcePtr(s expense.Source) *expense.Source { return &s }
