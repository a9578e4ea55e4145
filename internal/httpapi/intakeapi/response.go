package intakeapi

import (
	"time"

	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/intake"
	"github.com/fieldledger/expensecore/internal/ocr"
)

type intakeResponse struct {
	ID                uuid.UUID      `json:"id"`
	ProjectID         uuid.UUID      `json:"project_id"`
	UploaderID        uuid.UUID      `json:"uploader_id"`
	Status            intake.Status  `json:"status"`
	ParsedFields      map[string]any `json:"parsed_fields,omitempty"`
	CreatedExpenseIDs []uuid.UUID    `json:"created_expense_ids,omitempty"`
	BatchID           *uuid.UUID     `json:"batch_id,omitempty"`
	TotalMatchType    *ocr.MatchType `json:"total_match_type,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}
