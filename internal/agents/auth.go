package agents

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/autoauth"
	"github.com/fieldledger/expensecore/internal/identity"
)

// AuthRunner is the slice of internal/autoauth this agent drives.
type AuthRunner interface {
	Run(ctx context.Context, projectID uuid.UUID, window *autoauth.TimeWindow) (autoauth.AuthReport, error)
}

// DecisionExplainer looks up the most recent auto-authorization decision
// for one expense.
type DecisionExplainer interface {
	LastDecisionForExpense(ctx context.Context, expenseID uuid.UUID) (autoauth.DecisionRecord, bool, error)
}

// MissingInfoNotifier re-surfaces a missing-info prompt on demand.
type MissingInfoNotifier interface {
	NotifyMissingInfo(ctx context.Context, expenseID uuid.UUID, fields []string) error
}

// NewAuthorizationAgent builds the authorization agent: run_auto_auth,
// explain_decision, request_missing_info.
func NewAuthorizationAgent(runner AuthRunner, explainer DecisionExplainer, notifier MissingInfoNotifier) *Agent {
	runAutoAuth := func(ctx context.Context, user identity.User, args map[string]any) (string, error) {
		projectID, err := argUUID(args, "project_id")
		if err != nil {
			return "", err
		}

		report, err := runner.Run(ctx, projectID, nil)
		if err != nil {
			return "", fmt.Errorf("running auto-authorization: %w", err)
		}

		return fmt.Sprintf("auto-authorization run complete: %d decision(s).", len(report.Decisions)), nil
	}

	explainDecision := func(ctx context.Context, user identity.User, args map[string]any) (string, error) {
		expenseID, err := argUUID(args, "expense_id")
		if err != nil {
			return "", err
		}

		decision, found, err := explainer.LastDecisionForExpense(ctx, expenseID)
		if err != nil {
			return "", fmt.Errorf("looking up decision: %w", err)
		}

		if !found {
			return "no auto-authorization decision is on file for this expense.", nil
		}

		return fmt.Sprintf("%s (%s): %s", decision.Rule, decision.Decision, decision.Reason), nil
	}

	requestMissingInfo := func(ctx context.Context, user identity.User, args map[string]any) (string, error) {
		expenseID, err := argUUID(args, "expense_id")
		if err != nil {
			return "", err
		}

		fields, err := argStringSlice(args, "fields")
		if err != nil {
			return "", err
		}

		if err := notifier.NotifyMissingInfo(ctx, expenseID, fields); err != nil {
			return "", fmt.Errorf("notifying missing info: %w", err)
		}

		return "reminder sent.", nil
	}

	return &Agent{
		Name:    AgentAuth,
		Persona: "Authorization agent: ",
		Functions: map[string]FunctionHandler{
			"run_auto_auth":        runAutoAuth,
			"explain_decision":     explainDecision,
			"request_missing_info": requestMissingInfo,
		},
	}
}

func argStringSlice(args map[string]any, key string) ([]string, error) {
	v, ok := args[key]
	if !ok {
		return nil, fmt.Errorf("agents: missing argument %q", key)
	}

	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("agents: argument %q is not an array", key)
	}

	out := make([]string, 0, len(raw))

	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("agents: argument %q contains a non-string element", key)
		}

		out = append(out, s)
	}

	return out, nil
}
