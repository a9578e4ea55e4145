package agents

import (
	"context"
	"fmt"

	"github.com/fieldledger/expensecore/internal/expense"
	"github.com/fieldledger/expensecore/internal/identity"
)

const chatListPageSize = 20

// SummaryReader is the slice of internal/expense this agent reads
// aggregates from.
type SummaryReader interface {
	Summaries(ctx context.Context, user identity.User, filter expense.ListFilter, dimension expense.SummaryDimension) ([]expense.SummaryRow, error)
}

// ExpenseLister is the slice of internal/expense this agent lists rows
// from.
type ExpenseLister interface {
	List(ctx context.Context, user identity.User, filter expense.ListFilter, page expense.Page) (expense.PageResult, error)
}

// NewChatAgent builds the read-only general chat agent: fetch_project_summary,
// fetch_expense_list, fetch_budget_status.
func NewChatAgent(summaries SummaryReader, lister ExpenseLister) *Agent {
	fetchProjectSummary := func(ctx context.Context, user identity.User, args map[string]any) (string, error) {
		projectID, err := argUUID(args, "project_id")
		if err != nil {
			return "", err
		}

		rows, err := summaries.Summaries(ctx, user, expense.ListFilter{ProjectID: &projectID}, expense.SummaryByStatus)
		if err != nil {
			return "", fmt.Errorf("fetching project summary: %w", err)
		}

		return formatSummaryRows(rows), nil
	}

	fetchExpenseList := func(ctx context.Context, user identity.User, args map[string]any) (string, error) {
		filter := expense.ListFilter{}

		if raw, ok := args["project_id"]; ok {
			if s, ok := raw.(string); ok {
				if id, err := argUUID(map[string]any{"project_id": s}, "project_id"); err == nil {
					filter.ProjectID = &id
				}
			}
		}

		if raw, ok := args["status"]; ok {
			if s, ok := raw.(string); ok {
				st := expense.Status(s)
				filter.Status = &st
			}
		}

		page, err := lister.List(ctx, user, filter, expense.Page{PageSize: chatListPageSize})
		if err != nil {
			return "", fmt.Errorf("listing expenses: %w", err)
		}

		return fmt.Sprintf("%d expense(s) on this page (more available: %t).", len(page.Expenses), page.HasMore), nil
	}

	// fetch_budget_status has no literal budget concept in this data
	// model (no budget row exists anywhere in the schema); it proxies
	// "status" with the authorized/pending split for the project, the
	// same proxy choice already made for Summaries(..., SummaryByType) —
	// see DESIGN.md.
	fetchBudgetStatus := func(ctx context.Context, user identity.User, args map[string]any) (string, error) {
		projectID, err := argUUID(args, "project_id")
		if err != nil {
			return "", err
		}

		rows, err := summaries.Summaries(ctx, user, expense.ListFilter{ProjectID: &projectID}, expense.SummaryByStatus)
		if err != nil {
			return "", fmt.Errorf("fetching budget status: %w", err)
		}

		return formatSummaryRows(rows), nil
	}

	return &Agent{
		Name:    AgentChat,
		Persona: "",
		Functions: map[string]FunctionHandler{
			"fetch_project_summary": fetchProjectSummary,
			"fetch_expense_list":    fetchExpenseList,
			"fetch_budget_status":   fetchBudgetStatus,
		},
	}
}

func formatSummaryRows(rows []expense.SummaryRow) string {
	if len(rows) == 0 {
		return "no expenses found."
	}

	out := ""

	for i, r := range rows {
		if i > 0 {
			out += "; "
		}

		out += fmt.Sprintf("%s: %d expense(s), %s", r.Key, r.Count, r.Total.String())
	}

	return out
}
