package reconciler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/intake"
	"github.com/fieldledger/expensecore/internal/ocr"
)

// Store is the raw-SQL repository backing mismatch_corrections and the
// linked-intake scan, following the same database/sql, no-ORM convention
// as internal/expense and internal/intake.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// LinkedIntakes fetches every intake in status linked, the only status a
// mismatch is reconciled from.
func (s *Store) LinkedIntakes(ctx context.Context) ([]intake.Intake, error) {
	query := `
		SELECT id, project_id, uploader_id, storage_key, file_hash, extracted_text,
			parsed_fields, status, created_expense_ids, total_match_type, created_at, updated_at
		FROM receipt_intake
		WHERE status = 'linked'
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing linked intakes: %w", err)
	}
	defer rows.Close()

	var out []intake.Intake

	for rows.Next() {
		in, err := scanLinkedIntake(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning linked intake: %w", err)
		}

		out = append(out, in)
	}

	return out, nil
}

func scanLinkedIntake(row interface{ Scan(dest ...any) error }) (intake.Intake, error) {
	var in intake.Intake

	var parsedFieldsRaw []byte

	var statusStr string

	var createdExpenseIDsRaw string

	var totalMatchType sql.NullString

	err := row.Scan(
		&in.ID, &in.ProjectID, &in.UploaderID, &in.StorageKey, &in.FileHash, &in.ExtractedText,
		&parsedFieldsRaw, &statusStr, &createdExpenseIDsRaw, &totalMatchType, &in.CreatedAt, &in.UpdatedAt,
	)
	if err != nil {
		return intake.Intake{}, err
	}

	in.Status = intake.Status(statusStr)

	if len(parsedFieldsRaw) > 0 {
		if err := json.Unmarshal(parsedFieldsRaw, &in.ParsedFields); err != nil {
			return intake.Intake{}, fmt.Errorf("parsing parsed_fields: %w", err)
		}
	}

	ids, err := parseUUIDArray(createdExpenseIDsRaw)
	if err != nil {
		return intake.Intake{}, fmt.Errorf("parsing created_expense_ids: %w", err)
	}

	in.CreatedExpenseIDs = ids

	if totalMatchType.Valid {
		mt := ocr.MatchType(totalMatchType.String)
		in.TotalMatchType = &mt
	}

	return in, nil
}

// parseUUIDArray reads a Postgres `{a,b,c}` array literal, mirroring
// internal/intake's hand-rolled array codec (see DESIGN.md for why no
// array-aware driver binding is pulled in for this one column type).
func parseUUIDArray(s string) ([]uuid.UUID, error) {
	trimmed := s
	if len(trimmed) >= 2 && trimmed[0] == '{' && trimmed[len(trimmed)-1] == '}' {
		trimmed = trimmed[1 : len(trimmed)-1]
	}

	if trimmed == "" {
		return nil, nil
	}

	var out []uuid.UUID

	start := 0

	for i := 0; i <= len(trimmed); i++ {
		if i == len(trimmed) || trimmed[i] == ',' {
			part := trimmed[start:i]
			if part != "" {
				id, err := uuid.Parse(part)
				if err != nil {
					return nil, fmt.Errorf("parsing array element %q: %w", part, err)
				}

				out = append(out, id)
			}

			start = i + 1
		}
	}

	return out, nil
}

// HasCorrection reports whether intakeID already has a persisted
// suggestion, so a repeated run never double-suggests.
func (s *Store) HasCorrection(ctx context.Context, intakeID uuid.UUID) (bool, error) {
	var dummy int

	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM mismatch_corrections WHERE intake_id = $1 LIMIT 1`, intakeID).Scan(&dummy)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}

		return false, fmt.Errorf("checking existing correction: %w", err)
	}

	return true, nil
}

// SaveSuggestion persists one correction suggestion, applied=false.
func (s *Store) SaveSuggestion(ctx context.Context, sg Suggestion) error {
	payload, err := json.Marshal(sg)
	if err != nil {
		return fmt.Errorf("marshaling suggestion: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mismatch_corrections (intake_id, kind, suggestion)
		VALUES ($1, $2, $3)
	`, sg.IntakeID, sg.Kind, payload)
	if err != nil {
		return fmt.Errorf("inserting correction: %w", err)
	}

	return nil
}
