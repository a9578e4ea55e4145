// Package autoauthapi exposes the auto-authorization Engine over HTTP:
// triggering a run over a project's pending expenses and reading back a
// run's report. Neither the Engine nor the Store performs its own
// capability check, so this handler enforces autoauth:run/autoauth:read
// directly against the Gate before calling through.
package autoauthapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/apierr"
	"github.com/fieldledger/expensecore/internal/autoauth"
	"github.com/fieldledger/expensecore/internal/httpapi/httperr"
	"github.com/fieldledger/expensecore/internal/httpapi/reqauth"
	"github.com/fieldledger/expensecore/internal/identity"
)

var errUnauthenticated = errors.New("autoauthapi: no authenticated user on request")

// Runner runs the engine. Satisfied by *autoauth.Engine.
type Runner interface {
	Run(ctx context.Context, projectID uuid.UUID, window *autoauth.TimeWindow) (autoauth.AuthReport, error)
}

// ReportReader reads back a past run. Satisfied by *autoauth.Store.
type ReportReader interface {
	ReportByID(ctx context.Context, id uuid.UUID) (autoauth.AuthReport, error)
}

// CapabilityChecker answers whether an acting user may perform an action
// on the autoauth module. Satisfied by *identity.Gate.
type CapabilityChecker interface {
	Capability(ctx context.Context, user identity.User, module, action string) (bool, error)
}

// Handler serves /autoauth and /reports routes.
type Handler struct {
	engine  Runner
	reports ReportReader
	gate    CapabilityChecker
}

// NewHandler constructs a Handler.
func NewHandler(engine Runner, reports ReportReader, gate CapabilityChecker) *Handler {
	return &Handler{engine: engine, reports: reports, gate: gate}
}

// RunRoutes registers the /autoauth/run handler on r.
func (h *Handler) RunRoutes(r chi.Router) {
	r.Post("/run", h.run)
}

// ReportRoutes registers the /reports/{id} handler on r.
func (h *Handler) ReportRoutes(r chi.Router) {
	r.Get("/{id}", h.get)
}

func (h *Handler) requireCapability(ctx context.Context, user identity.User, action string) error {
	ok, err := h.gate.Capability(ctx, user, identity.ModuleAutoAuth, action)
	if err != nil {
		return err
	}

	if !ok {
		return apierr.New(apierr.Unauthorized, "actor lacks autoauth:"+action+" capability")
	}

	return nil
}

type runRequest struct {
	ProjectID uuid.UUID  `json:"project_id"`
	From      *time.Time `json:"from,omitempty"`
	To        *time.Time `json:"to,omitempty"`
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request) {
	user, ok := reqauth.UserFromContext(r.Context())
	if !ok {
		httperr.Write(w, errUnauthenticated)
		return
	}

	if err := h.requireCapability(r.Context(), user, identity.ActionRun); err != nil {
		httperr.Write(w, err)
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.Write(w, err)
		return
	}

	var window *autoauth.TimeWindow
	if req.From != nil && req.To != nil {
		window = &autoauth.TimeWindow{From: *req.From, To: *req.To}
	}

	report, err := h.engine.Run(r.Context(), req.ProjectID, window)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	httperr.WriteJSON(w, http.StatusOK, toReportResponse(report))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	user, ok := reqauth.UserFromContext(r.Context())
	if !ok {
		httperr.Write(w, errUnauthenticated)
		return
	}

	if err := h.requireCapability(r.Context(), user, identity.ActionRead); err != nil {
		httperr.Write(w, err)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httperr.Write(w, err)
		return
	}

	report, err := h.reports.ReportByID(r.Context(), id)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	httperr.WriteJSON(w, http.StatusOK, toReportResponse(report))
}
