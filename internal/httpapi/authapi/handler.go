// Package authapi implements POST /auth/login: it authenticates a
// clerk/bookkeeper/approver/admin/system user by email and password and
// issues the bearer token every other endpoint requires.
package authapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fieldledger/expensecore/internal/httpapi/httperr"
	"github.com/fieldledger/expensecore/internal/identity"
)

// Authenticator checks email/password against stored credentials.
// Satisfied by *identity.Store.
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (identity.User, error)
}

// TokenIssuer mints and inspects bearer tokens. Satisfied by
// *identity.Gate.
type TokenIssuer interface {
	Issue(user identity.User, ttl time.Duration) (string, error)
	Capability(ctx context.Context, user identity.User, module, action string) (bool, error)
}

// Handler serves /auth routes.
type Handler struct {
	creds    Authenticator
	gate     TokenIssuer
	tokenTTL time.Duration
}

// NewHandler constructs a Handler. tokenTTL is how long an issued bearer
// token is valid for.
func NewHandler(creds Authenticator, gate TokenIssuer, tokenTTL time.Duration) *Handler {
	return &Handler{creds: creds, gate: gate, tokenTTL: tokenTTL}
}

// Routes registers /auth's handlers on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/login", h.login)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	ExpiresIn int64  `json:"expires_in_seconds"`

	Capabilities []string `json:"capabilities"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.Write(w, err)
		return
	}

	user, err := h.creds.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		httperr.Write(w, identity.ErrInvalidCredentials)
		return
	}

	token, err := h.gate.Issue(user, h.tokenTTL)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	granted := map[string]bool{}

	for _, module := range []string{identity.ModuleExpense, identity.ModuleIntake, identity.ModuleAutoAuth, identity.ModuleMessage} {
		for _, action := range []string{identity.ActionCreate, identity.ActionRead, identity.ActionUpdate, identity.ActionDelete, identity.ActionRun} {
			ok, err := h.gate.Capability(r.Context(), user, module, action)
			if err != nil {
				httperr.Write(w, err)
				return
			}

			granted[module+":"+action] = ok
		}
	}

	httperr.WriteJSON(w, http.StatusOK, loginResponse{
		Token:        token,
		UserID:       user.ID.String(),
		Role:         user.Role,
		ExpiresIn:    int64(h.tokenTTL.Seconds()),
		Capabilities: identity.Capabilities(granted),
	})
}
