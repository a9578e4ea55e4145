// Package intakeapi exposes internal/intake's Service over HTTP: receipt
// upload (multipart, size-bounded), fetch, manual reject, and explicit
// link.
package intakeapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/httpapi/httperr"
	"github.com/fieldledger/expensecore/internal/httpapi/reqauth"
	"github.com/fieldledger/expensecore/internal/intake"
)

var errUnauthenticated = errors.New("intakeapi: no authenticated user on request")

// Handler serves /receipts routes.
type Handler struct {
	svc         *intake.Service
	maxUploadMB int64
}

// NewHandler constructs a Handler. maxUploadMB bounds the accepted
// multipart upload size; a larger body is rejected with 413 before it
// reaches the service.
func NewHandler(svc *intake.Service, maxUploadMB int64) *Handler {
	return &Handler{svc: svc, maxUploadMB: maxUploadMB}
}

// Routes registers /receipts' handlers on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.upload)
	r.Get("/{id}", h.get)
	r.Post("/{id}/reject", h.reject)
	r.Post("/{id}/link", h.link)
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	user, ok := reqauth.UserFromContext(r.Context())
	if !ok {
		httperr.Write(w, errUnauthenticated)
		return
	}

	maxBytes := h.maxUploadMB * 1024 * 1024

	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		http.Error(w, `{"error_kind":"validation","message":"upload exceeds the maximum allowed size"}`, http.StatusRequestEntityTooLarge)
		return
	}

	projectID, err := uuid.Parse(r.FormValue("project_id"))
	if err != nil {
		httperr.Write(w, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httperr.Write(w, err)
		return
	}
	defer file.Close()

	blob, err := io.ReadAll(file)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	in, err := h.svc.Upload(r.Context(), user, projectID, blob, contentType, contentType == "application/pdf")
	if err != nil {
		httperr.Write(w, err)
		return
	}

	httperr.WriteJSON(w, http.StatusCreated, toResponse(in))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
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

	in, err := h.svc.Get(r.Context(), user, id)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	httperr.WriteJSON(w, http.StatusOK, toResponse(in))
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
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

	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.Write(w, err)
		return
	}

	if err := h.svc.Reject(r.Context(), user, id, req.Reason); err != nil {
		httperr.Write(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type linkRequest struct {
	ExpenseIDs []uuid.UUID `json:"expense_ids"`
}

func (h *Handler) link(w http.ResponseWriter, r *http.Request) {
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

	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.Write(w, err)
		return
	}

	if err := h.svc.Link(r.Context(), user, id, req.ExpenseIDs); err != nil {
		httperr.Write(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func toResponse(in intake.Intake) intakeResponse {
	return intakeResponse{
		ID: in.ID, ProjectID: in.ProjectID, UploaderID: in.UploaderID,
		Status: in.Status, ParsedFields: in.ParsedFields,
		CreatedExpenseIDs: in.CreatedExpenseIDs, BatchID: in.BatchID,
		TotalMatchType: in.TotalMatchType, CreatedAt: in.CreatedAt, UpdatedAt: in.UpdatedAt,
	}
}
