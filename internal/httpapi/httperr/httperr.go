// Package httperr renders any error returned from a service call as the
// fixed JSON envelope apierr defines, translating the bare domain
// sentinels that a few service methods still return (expense's version
// conflict and invalid-transition errors, intake's and autoauth's
// not-found) to the matching apierr.Kind at this one boundary rather than
// in every handler.
package httperr

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fieldledger/expensecore/internal/apierr"
	"github.com/fieldledger/expensecore/internal/autoauth"
	"github.com/fieldledger/expensecore/internal/expense"
	"github.com/fieldledger/expensecore/internal/identity"
	"github.com/fieldledger/expensecore/internal/intake"
	"github.com/fieldledger/expensecore/internal/messaging"
)

// Write renders err as the public error envelope and the matching HTTP
// status.
func Write(w http.ResponseWriter, err error) {
	kind, message := classify(err)

	status := apierr.HTTPStatus(kind)

	env := apierr.Envelope{ErrorKind: kind, Message: message}
	if apiErr, ok := apierr.As(err); ok {
		env = apierr.ToEnvelope(apiErr)
		status = apierr.HTTPStatus(apiErr.Kind)
	}

	WriteJSON(w, status, env)
}

// classify maps a bare domain sentinel to its apierr.Kind and a public
// message; apierr.Error values are left to ToEnvelope/HTTPStatus and
// never reach this fallback path.
func classify(err error) (apierr.Kind, string) {
	switch {
	case errors.Is(err, expense.ErrConflict):
		return apierr.Conflict, "version token is stale; reload and retry"
	case errors.Is(err, expense.ErrInvalidTransition):
		return apierr.BusinessRule, "invalid status transition"
	case errors.Is(err, expense.ErrForbiddenField):
		return apierr.Unauthorized, "field not permitted for actor's role"
	case errors.Is(err, intake.ErrNotFound):
		return apierr.NotFound, "receipt not found"
	case errors.Is(err, intake.ErrInvalidTransition):
		return apierr.BusinessRule, "invalid receipt status transition"
	case errors.Is(err, intake.ErrDuplicateHash):
		return apierr.Conflict, "a receipt with this content is already in flight"
	case errors.Is(err, intake.ErrDuplicateMatch):
		return apierr.Conflict, "matches a recently created expense"
	case errors.Is(err, autoauth.ErrNotFound):
		return apierr.NotFound, "auto-authorization report not found"
	case errors.Is(err, identity.ErrInvalidCredentials):
		return apierr.Unauthenticated, "invalid email or password"
	case errors.Is(err, messaging.ErrNotFound):
		return apierr.NotFound, "message not found"
	case errors.Is(err, messaging.ErrEmptyBody):
		return apierr.Validation, "message body is required"
	case errors.Is(err, messaging.ErrAlreadyDeleted):
		return apierr.Conflict, "message already deleted"
	default:
		return apierr.Internal, "internal error"
	}
}

// WriteJSON writes v as the body with status and the JSON content type.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
