// Package chatapi exposes the Agent Dispatcher over HTTP: POST /chat/events
// is the chat client's single entry point for routing an inbound message
// to whichever agent (receipt processing, authorization, general chat)
// the intent classifier picks.
package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/agents"
	"github.com/fieldledger/expensecore/internal/httpapi/httperr"
	"github.com/fieldledger/expensecore/internal/httpapi/reqauth"
	"github.com/fieldledger/expensecore/internal/identity"
)

var errUnauthenticated = errors.New("chatapi: no authenticated user on request")

// Dispatcher is the slice of agents.Dispatcher this handler depends on.
type Dispatcher interface {
	Handle(ctx context.Context, user identity.User, event agents.InboundEvent) (agents.DispatchResult, error)
}

// Handler serves /chat routes.
type Handler struct {
	dispatcher Dispatcher
}

// NewHandler constructs a Handler.
func NewHandler(dispatcher Dispatcher) *Handler {
	return &Handler{dispatcher: dispatcher}
}

// Routes registers /chat/events' handler on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/events", h.postEvent)
}

type eventRequest struct {
	ChannelKey string          `json:"channel_key"`
	Agent      agents.AgentName `json:"agent"`
	Text       string          `json:"text"`
}

type eventResponse struct {
	Text        string `json:"text"`
	Suppressed  bool   `json:"suppressed"`
	Forwarded   bool   `json:"forwarded"`
	FunctionRan string `json:"function_ran,omitempty"`
}

func (h *Handler) postEvent(w http.ResponseWriter, r *http.Request) {
	user, ok := reqauth.UserFromContext(r.Context())
	if !ok {
		httperr.Write(w, errUnauthenticated)
		return
	}

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.Write(w, err)
		return
	}

	result, err := h.dispatcher.Handle(r.Context(), user, agents.InboundEvent{
		EventID: uuid.New(), UserID: user.ID, ChannelKey: req.ChannelKey, Agent: req.Agent, Text: req.Text,
	})
	if err != nil {
		httperr.Write(w, err)
		return
	}

	httperr.WriteJSON(w, http.StatusOK, eventResponse{
		Text: result.Text, Suppressed: result.Suppressed, Forwarded: result.Forwarded, FunctionRan: result.FunctionRan,
	})
}
