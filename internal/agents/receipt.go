package agents

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/identity"
	"github.com/fieldledger/expensecore/internal/intake"
)

// receiptState is the receipt-processing agent's own dialog-state FSM,
// distinct from (and layered on top of) intake.Status: it tracks how far
// the conversation has gotten, not how far the intake record itself has
// moved through its queue.
type receiptState string

const (
	stateAwaitingFile    receiptState = "awaiting_file"
	stateExtracting      receiptState = "extracting"
	stateAwaitingFields  receiptState = "awaiting_fields"
	stateCreating        receiptState = "creating"
	stateDone            receiptState = "done"
	stateFailed          receiptState = "failed"
)

type receiptSession struct {
	state   receiptState
	answers map[string]string
}

// ReceiptProcessor is the slice of internal/intake this agent drives.
type ReceiptProcessor interface {
	Process(ctx context.Context, user identity.User, intakeID uuid.UUID) (intake.ProcessResult, error)
	Mark(ctx context.Context, user identity.User, intakeID uuid.UUID, newStatus intake.Status, reason *string) error
}

// NewReceiptAgent builds the receipt-processing agent: process_receipt,
// answer_missing_field, reject_intake, each closing over processor.
//
// answer_missing_field intentionally only records the answer onto the
// session; it does not re-trigger expense creation. The built pipeline
// has no "resume extraction with operator-supplied overrides" operation
// (OCR, categorization, and partial creation all run once, inside
// Process), so wiring an answered field back into a completed Process
// run would require inventing an unbuilt resume path. See DESIGN.md.
func NewReceiptAgent(processor ReceiptProcessor) *Agent {
	sessions := map[uuid.UUID]*receiptSession{}

	var mu sync.Mutex

	sessionFor := func(id uuid.UUID) *receiptSession {
		mu.Lock()
		defer mu.Unlock()

		s, ok := sessions[id]
		if !ok {
			s = &receiptSession{state: stateAwaitingFile, answers: map[string]string{}}
			sessions[id] = s
		}

		return s
	}

	setState := func(id uuid.UUID, st receiptState) {
		mu.Lock()
		defer mu.Unlock()

		sessions[id].state = st
	}

	processReceipt := func(ctx context.Context, user identity.User, args map[string]any) (string, error) {
		intakeID, err := argUUID(args, "intake_id")
		if err != nil {
			return "", err
		}

		session := sessionFor(intakeID)
		session.state = stateExtracting

		result, err := processor.Process(ctx, user, intakeID)
		if err != nil {
			setState(intakeID, stateFailed)
			return "", fmt.Errorf("processing receipt: %w", err)
		}

		switch result.Status {
		case intake.StatusCheckReview:
			setState(intakeID, stateAwaitingFields)
			return "I need a bit more information before I can create these expenses.", nil
		case intake.StatusLinked:
			setState(intakeID, stateDone)
			return fmt.Sprintf("created %d expense(s), skipped %d.", result.Created, result.Skipped), nil
		default:
			setState(intakeID, stateDone)
			return fmt.Sprintf("receipt is now %s.", result.Status), nil
		}
	}

	answerMissingField := func(ctx context.Context, user identity.User, args map[string]any) (string, error) {
		intakeID, err := argUUID(args, "intake_id")
		if err != nil {
			return "", err
		}

		field, err := argString(args, "field")
		if err != nil {
			return "", err
		}

		value, err := argString(args, "value")
		if err != nil {
			return "", err
		}

		session := sessionFor(intakeID)
		if session.state != stateAwaitingFields {
			return "", fmt.Errorf("agents: intake %s is not awaiting field answers", intakeID)
		}

		session.answers[field] = value

		return fmt.Sprintf("noted %s. a reviewer will finish this one from check_review.", field), nil
	}

	rejectIntake := func(ctx context.Context, user identity.User, args map[string]any) (string, error) {
		intakeID, err := argUUID(args, "intake_id")
		if err != nil {
			return "", err
		}

		reason, err := argString(args, "reason")
		if err != nil {
			return "", err
		}

		if err := processor.Mark(ctx, user, intakeID, intake.StatusRejected, &reason); err != nil {
			return "", fmt.Errorf("rejecting intake: %w", err)
		}

		setState(intakeID, stateDone)

		return "rejected.", nil
	}

	return &Agent{
		Name:    AgentReceipt,
		Persona: "Receipt agent: ",
		Functions: map[string]FunctionHandler{
			"process_receipt":      processReceipt,
			"answer_missing_field": answerMissingField,
			"reject_intake":        rejectIntake,
		},
	}
}

func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("agents: missing argument %q", key)
	}

	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("agents: argument %q is not a string", key)
	}

	return s, nil
}

func argUUID(args map[string]any, key string) (uuid.UUID, error) {
	s, err := argString(args, key)
	if err != nil {
		return uuid.UUID{}, err
	}

	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("agents: argument %q is not a uuid: %w", key, err)
	}

	return id, nil
}
