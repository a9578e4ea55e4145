// Package expenseapi exposes internal/expense's Service over HTTP:
// listing, creation (single and batch), patch updates, status
// transitions, soft delete, and the by-dimension summary rollup.
package expenseapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/expense"
	"github.com/fieldledger/expensecore/internal/httpapi/httperr"
	"github.com/fieldledger/expensecore/internal/httpapi/reqauth"
	"github.com/fieldledger/expensecore/internal/money"
)

// Handler serves /expenses routes.
type Handler struct {
	svc *expense.Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *expense.Service) *Handler {
	return &Handler{svc: svc}
}

// Routes registers /expenses' handlers on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/summary", h.summary)
	r.Post("/", h.create)
	r.Post("/batch", h.createBatch)
	r.Patch("/{id}", h.update)
	r.Post("/{id}/status", h.setStatus)
	r.Delete("/{id}", h.softDelete)
}

type expenseRequest struct {
	ProjectID       uuid.UUID  `json:"project_id"`
	TransactionDate time.Time  `json:"transaction_date"`
	Amount          string     `json:"amount"`
	VendorID        *uuid.UUID `json:"vendor_id,omitempty"`
	AccountID       *uuid.UUID `json:"account_id,omitempty"`
	Description     string     `json:"description"`
	PaymentMethodID *uuid.UUID `json:"payment_method_id,omitempty"`
	BillID          *uuid.UUID `json:"bill_id,omitempty"`
}

func (req expenseRequest) toExpense() (*expense.Expense, error) {
	amount, err := money.Parse(req.Amount)
	if err != nil {
		return nil, err
	}

	return &expense.Expense{
		ProjectID:       req.ProjectID,
		TransactionDate: req.TransactionDate,
		Amount:          amount,
		VendorID:        req.VendorID,
		AccountID:       req.AccountID,
		Description:     req.Description,
		PaymentMethodID: req.PaymentMethodID,
		BillID:          req.BillID,
	}, nil
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	user, ok := reqauth.UserFromContext(r.Context())
	if !ok {
		httperr.Write(w, errUnauthenticated)
		return
	}

	var req expenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.Write(w, err)
		return
	}

	e, err := req.toExpense()
	if err != nil {
		httperr.Write(w, err)
		return
	}

	if err := h.svc.Create(r.Context(), user, e); err != nil {
		httperr.Write(w, err)
		return
	}

	httperr.WriteJSON(w, http.StatusCreated, toResponse(*e))
}

func (h *Handler) createBatch(w http.ResponseWriter, r *http.Request) {
	user, ok := reqauth.UserFromContext(r.Context())
	if !ok {
		httperr.Write(w, errUnauthenticated)
		return
	}

	var reqs []expenseRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		httperr.Write(w, err)
		return
	}

	expenses := make([]*expense.Expense, len(reqs))

	for i, req := range reqs {
		e, err := req.toExpense()
		if err != nil {
			httperr.Write(w, err)
			return
		}

		expenses[i] = e
	}

	if err := h.svc.CreateBatch(r.Context(), user, expenses); err != nil {
		httperr.Write(w, err)
		return
	}

	httperr.WriteJSON(w, http.StatusCreated, toResponseList(expenses))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	user, ok := reqauth.UserFromContext(r.Context())
	if !ok {
		httperr.Write(w, errUnauthenticated)
		return
	}

	filter, err := parseListFilter(r)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	page := expense.Page{PageSize: 50}

	if s := r.URL.Query().Get("cursor"); s != "" {
		if cursor, err := strconv.ParseInt(s, 10, 64); err == nil {
			page.Cursor = cursor
		}
	}

	if s := r.URL.Query().Get("page_size"); s != "" {
		if size, err := strconv.Atoi(s); err == nil && size > 0 {
			page.PageSize = size
		}
	}

	result, err := h.svc.List(r.Context(), user, filter, page)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	httperr.WriteJSON(w, http.StatusOK, pageResponse{
		Expenses:   toResponseList(expensesToPointers(result.Expenses)),
		NextCursor: result.NextCursor,
		HasMore:    result.HasMore,
	})
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	user, ok := reqauth.UserFromContext(r.Context())
	if !ok {
		httperr.Write(w, errUnauthenticated)
		return
	}

	filter, err := parseListFilter(r)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	dimension := expense.SummaryByType
	if s := r.URL.Query().Get("dimension"); s != "" {
		dimension = expense.SummaryDimension(s)
	}

	rows, err := h.svc.Summaries(r.Context(), user, filter, dimension)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	httperr.WriteJSON(w, http.StatusOK, rows)
}

type patchRequest struct {
	VendorID           *uuid.UUID      `json:"vendor_id,omitempty"`
	AccountID          *uuid.UUID      `json:"account_id,omitempty"`
	Description        *string         `json:"description,omitempty"`
	PaymentMethodID    *uuid.UUID      `json:"payment_method_id,omitempty"`
	BillID             *uuid.UUID      `json:"bill_id,omitempty"`
	Amount             *string         `json:"amount,omitempty"`
	Status             *expense.Status `json:"status,omitempty"`
	StatusChangeReason *string         `json:"status_change_reason,omitempty"`
	VersionToken       int64           `json:"version_token"`
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	user, ok := reqauth.UserFromContext(r.Context())
	if !ok {
		httperr.Write(w, errUnauthenticated)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httperr.Write(w, err)
		return
	}

	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.Write(w, err)
		return
	}

	updated, err := h.svc.Update(r.Context(), user, id, expense.Patch{
		VendorID: req.VendorID, AccountID: req.AccountID, Description: req.Description,
		PaymentMethodID: req.PaymentMethodID, BillID: req.BillID, Amount: req.Amount,
		Status: req.Status, StatusChangeReason: req.StatusChangeReason, VersionToken: req.VersionToken,
	})
	if err != nil {
		httperr.Write(w, err)
		return
	}

	httperr.WriteJSON(w, http.StatusOK, toResponse(updated))
}

type statusRequest struct {
	Status       expense.Status `json:"status"`
	Reason       *string        `json:"reason,omitempty"`
	VersionToken int64          `json:"version_token"`
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := reqauth.UserFromContext(r.Context())
	if !ok {
		httperr.Write(w, errUnauthenticated)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httperr.Write(w, err)
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.Write(w, err)
		return
	}

	updated, err := h.svc.SetStatus(r.Context(), user, id, req.Status, req.Reason, req.VersionToken)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	httperr.WriteJSON(w, http.StatusOK, toResponse(updated))
}

type deleteRequest struct {
	Reason       string `json:"reason"`
	VersionToken int64  `json:"version_token"`
}

func (h *Handler) softDelete(w http.ResponseWriter, r *http.Request) {
	user, ok := reqauth.UserFromContext(r.Context())
	if !ok {
		httperr.Write(w, errUnauthenticated)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httperr.Write(w, err)
		return
	}

	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.Write(w, err)
		return
	}

	if err := h.svc.SoftDelete(r.Context(), user, id, req.Reason, req.VersionToken); err != nil {
		httperr.Write(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func parseListFilter(r *http.Request) (expense.ListFilter, error) {
	filter := expense.ListFilter{}

	q := r.URL.Query()

	if s := q.Get("project_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			return filter, err
		}

		filter.ProjectID = &id
	}

	if s := q.Get("vendor_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			return filter, err
		}

		filter.VendorID = &id
	}

	if s := q.Get("account_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			return filter, err
		}

		filter.AccountID = &id
	}

	if s := q.Get("status"); s != "" {
		status := expense.Status(s)
		filter.Status = &status
	}

	if s := q.Get("date_from"); s != "" {
		t, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return filter, err
		}

		filter.DateFrom = &t
	}

	if s := q.Get("date_to"); s != "" {
		t, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return filter, err
		}

		filter.DateTo = &t
	}

	return filter, nil
}

func expensesToPointers(expenses []expense.Expense) []*expense.Expense {
	out := make([]*expense.Expense, len(expenses))
	for i := range expenses {
		out[i] = &expenses[i]
	}

	return out
}
