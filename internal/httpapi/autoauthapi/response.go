package autoauthapi

import (
	"time"

	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/autoauth"
	"github.com/fieldledger/expensecore/internal/money"
)

type decisionResponse struct {
	ExpenseID uuid.UUID        `json:"expense_id"`
	Rule      string           `json:"rule"`
	Decision  autoauth.Decision `json:"decision"`
	Reason    string           `json:"reason"`
	Amount    money.Amount     `json:"amount"`
	CreatedAt time.Time        `json:"created_at"`
}

type reportResponse struct {
	ID        uuid.UUID           `json:"id"`
	ProjectID uuid.UUID           `json:"project_id"`
	RunID     uuid.UUID           `json:"run_id"`
	Decisions []decisionResponse  `json:"decisions"`
	CreatedAt time.Time           `json:"created_at"`
}

func toReportResponse(report autoauth.AuthReport) reportResponse {
	decisions := make([]decisionResponse, len(report.Decisions))
	for i, d := range report.Decisions {
		decisions[i] = decisionResponse{
			ExpenseID: d.ExpenseID, Rule: d.Rule, Decision: d.Decision,
			Reason: d.Reason, Amount: d.Amount, CreatedAt: d.CreatedAt,
		}
	}

	return reportResponse{
		ID: report.ID, ProjectID: report.ProjectID, RunID: report.RunID,
		Decisions: decisions, CreatedAt: report.CreatedAt,
	}
}
