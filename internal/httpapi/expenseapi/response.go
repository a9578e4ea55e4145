package expenseapi

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/expense"
	"github.com/fieldledger/expensecore/internal/money"
)

// errUnauthenticated fires when reqauth found no user on the request
// context, meaning the auth middleware was not mounted in front of this
// route; it renders as the same envelope shape as any other auth failure.
var errUnauthenticated = errors.New("expenseapi: no authenticated user on request")

type expenseResponse struct {
	ID                       uuid.UUID      `json:"id"`
	ProjectID                uuid.UUID      `json:"project_id"`
	TransactionDate          time.Time      `json:"transaction_date"`
	Amount                   money.Amount   `json:"amount"`
	VendorID                 *uuid.UUID     `json:"vendor_id,omitempty"`
	AccountID                *uuid.UUID     `json:"account_id,omitempty"`
	Description              string         `json:"description"`
	PaymentMethodID          *uuid.UUID     `json:"payment_method_id,omitempty"`
	BillID                   *uuid.UUID     `json:"bill_id,omitempty"`
	UpstreamID                *string       `json:"upstream_id,omitempty"`
	Status                   expense.Status `json:"status"`
	AuthorizerID             *uuid.UUID     `json:"authorizer_id,omitempty"`
	StatusChangeReason       *string        `json:"status_change_reason,omitempty"`
	CategorizationConfidence *int           `json:"categorization_confidence,omitempty"`
	CategorizationSource     *expense.Source `json:"categorization_source,omitempty"`
	VersionToken             int64          `json:"version_token"`
	CreatedAt                time.Time      `json:"created_at"`
	UpdatedAt                time.Time      `json:"updated_at"`
}

type pageResponse struct {
	Expenses   []expenseResponse `json:"expenses"`
	NextCursor int64             `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
}

func toResponse(e expense.Expense) expenseResponse {
	return expenseResponse{
		ID: e.ID, ProjectID: e.ProjectID, TransactionDate: e.TransactionDate, Amount: e.Amount,
		VendorID: e.VendorID, AccountID: e.AccountID, Description: e.Description,
		PaymentMethodID: e.PaymentMethodID, BillID: e.BillID, UpstreamID: e.UpstreamID,
		Status: e.Status, AuthorizerID: e.AuthorizerID, StatusChangeReason: e.StatusChangeReason,
		CategorizationConfidence: e.CategorizationConfidence, CategorizationSource: e.CategorizationSource,
		VersionToken: e.VersionToken, CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt,
	}
}

func toResponseList(expenses []*expense.Expense) []expenseResponse {
	out := make([]expenseResponse, len(expenses))
	for i, e := range expenses {
		out[i] = toResponse(*e)
	}

	return out
}
