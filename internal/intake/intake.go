// Package intake owns the receipt intake queue: uploaded files move
// through OCR extraction, categorization, and partial expense creation
// under one state machine, with hash- and match-based deduplication.
package intake

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/ocr"
)

// Status is one state in the intake lifecycle.
type Status string

const (
	StatusPending     Status = "pending"
	StatusProcessing  Status = "processing"
	StatusReady       Status = "ready"
	StatusLinked      Status = "linked"
	StatusDuplicate   Status = "duplicate"
	StatusCheckReview Status = "check_review"
	StatusRejected    Status = "rejected"
	StatusError       Status = "error"
)

// terminal reports whether a status is a final resting state.
func (s Status) terminal() bool {
	switch s {
	case StatusLinked, StatusRejected, StatusDuplicate, StatusError:
		return true
	default:
		return false
	}
}

// transitions enumerates legal (from, to) pairs for the happy-path edges.
// Manual override (any non-terminal -> rejected) is checked separately in
// ValidTransition rather than enumerated here for every source state.
var transitions = map[Status]map[Status]bool{
	StatusPending:    {StatusProcessing: true},
	StatusProcessing: {StatusReady: true, StatusCheckReview: true, StatusError: true},
	StatusReady:      {StatusLinked: true, StatusRejected: true},
}

// ValidTransition reports whether from -> to is legal: either an
// enumerated happy-path edge, or a manual override of any non-terminal
// state to rejected.
func ValidTransition(from, to Status) bool {
	if to == StatusRejected && !from.terminal() {
		return true
	}

	return transitions[from][to]
}

// Intake is one uploaded receipt/bill and its processing state.
type Intake struct {
	ID                uuid.UUID
	ProjectID         uuid.UUID
	UploaderID        uuid.UUID
	StorageKey        string
	FileHash          string
	ExtractedText     *string
	ParsedFields      map[string]any
	Status            Status
	CreatedExpenseIDs []uuid.UUID
	BatchID           *uuid.UUID
	ThumbnailKey      *string
	VaultFileRef      *string
	TotalMatchType    *ocr.MatchType
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ProcessResult is the outcome of processing one intake through OCR,
// categorization, and partial expense creation.
type ProcessResult struct {
	Status  Status
	Created int
	Skipped int
	Reasons []string
}

var (
	ErrNotFound          = errors.New("intake: not found")
	ErrInvalidTransition = errors.New("intake: invalid status transition")
	ErrDuplicateHash     = errors.New("intake: duplicate file hash in project")
	ErrDuplicateMatch    = errors.New("intake: matches a recently created expense")
)
