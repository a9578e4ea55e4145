// Package messagingapi exposes internal/messaging's Service over HTTP:
// posting, channel/thread history, reactions, read receipts, and unread
// counts.
package messagingapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/httpapi/httperr"
	"github.com/fieldledger/expensecore/internal/httpapi/reqauth"
	"github.com/fieldledger/expensecore/internal/messaging"
)

var errUnauthenticated = errors.New("messagingapi: no authenticated user on request")

// Handler serves /messages and /channels routes.
type Handler struct {
	svc *messaging.Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *messaging.Service) *Handler {
	return &Handler{svc: svc}
}

// MessageRoutes registers /messages' handlers on r.
func (h *Handler) MessageRoutes(r chi.Router) {
	r.Post("/", h.post)
	r.Get("/unread_counts", h.unreadCounts)
	r.Get("/{id}/thread", h.thread)
	r.Post("/{id}/reactions", h.react)
	r.Post("/{id}/read", h.markRead)
	r.Delete("/{id}", h.delete)
}

// ChannelRoutes registers /channels' handlers on r.
func (h *Handler) ChannelRoutes(r chi.Router) {
	r.Get("/{key}/history", h.history)
}

type postRequest struct {
	ChannelKey string          `json:"channel_key"`
	Body       string          `json:"body"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	ReplyTo    *uuid.UUID      `json:"reply_to,omitempty"`
}

func (h *Handler) post(w http.ResponseWriter, r *http.Request) {
	user, ok := reqauth.UserFromContext(r.Context())
	if !ok {
		httperr.Write(w, errUnauthenticated)
		return
	}

	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.Write(w, err)
		return
	}

	msg, err := h.svc.PostMessage(r.Context(), user, messaging.PostInput{
		ChannelKey: req.ChannelKey, Body: req.Body, Metadata: req.Metadata, ReplyTo: req.ReplyTo,
	})
	if err != nil {
		httperr.Write(w, err)
		return
	}

	httperr.WriteJSON(w, http.StatusCreated, toMessageResponse(msg))
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	user, ok := reqauth.UserFromContext(r.Context())
	if !ok {
		httperr.Write(w, errUnauthenticated)
		return
	}

	key := chi.URLParam(r, "key")

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}

	messages, err := h.svc.History(r.Context(), user, key, limit)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	httperr.WriteJSON(w, http.StatusOK, toMessageResponseList(messages))
}

func (h *Handler) thread(w http.ResponseWriter, r *http.Request) {
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

	messages, err := h.svc.Thread(r.Context(), user, id)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	httperr.WriteJSON(w, http.StatusOK, toMessageResponseList(messages))
}

type reactRequest struct {
	Emoji string `json:"emoji"`
}

func (h *Handler) react(w http.ResponseWriter, r *http.Request) {
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

	var req reactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.Write(w, err)
		return
	}

	if err := h.svc.React(r.Context(), user, id, req.Emoji); err != nil {
		httperr.Write(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	user, ok := reqauth.UserFromContext(r.Context())
	if !ok {
		httperr.Write(w, errUnauthenticated)
		return
	}

	key := r.URL.Query().Get("channel_key")

	if err := h.svc.MarkRead(r.Context(), user, key); err != nil {
		httperr.Write(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) unreadCounts(w http.ResponseWriter, r *http.Request) {
	user, ok := reqauth.UserFromContext(r.Context())
	if !ok {
		httperr.Write(w, errUnauthenticated)
		return
	}

	counts, err := h.svc.UnreadCounts(r.Context(), user)
	if err != nil {
		httperr.Write(w, err)
		return
	}

	httperr.WriteJSON(w, http.StatusOK, toUnreadCountResponseList(counts))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
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

	if err := h.svc.Delete(r.Context(), user, id); err != nil {
		httperr.Write(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
