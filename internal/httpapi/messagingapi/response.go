package messagingapi

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/messaging"
)

type reactionResponse struct {
	UserID    uuid.UUID `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

type messageResponse struct {
	ID        uuid.UUID          `json:"id"`
	ChannelKey string            `json:"channel_key"`
	AuthorID  string             `json:"author_id"`
	Body      string             `json:"body"`
	Blocks    json.RawMessage    `json:"blocks,omitempty"`
	Metadata  json.RawMessage    `json:"metadata,omitempty"`
	ReplyTo   *uuid.UUID         `json:"reply_to,omitempty"`
	Reactions []reactionResponse `json:"reactions,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

func toMessageResponse(m messaging.Message) messageResponse {
	reactions := make([]reactionResponse, len(m.Reactions))
	for i, react := range m.Reactions {
		reactions[i] = reactionResponse{UserID: react.UserID, Emoji: react.Emoji, CreatedAt: react.CreatedAt}
	}

	return messageResponse{
		ID: m.ID, ChannelKey: m.ChannelKey, AuthorID: m.AuthorID, Body: m.Body,
		Blocks: m.Blocks, Metadata: m.Metadata, ReplyTo: m.ReplyTo,
		Reactions: reactions, CreatedAt: m.CreatedAt,
	}
}

func toMessageResponseList(messages []messaging.Message) []messageResponse {
	out := make([]messageResponse, len(messages))
	for i, m := range messages {
		out[i] = toMessageResponse(m)
	}

	return out
}

type unreadCountResponse struct {
	ChannelKey string `json:"channel_key"`
	Count      int    `json:"count"`
}

func toUnreadCountResponseList(counts []messaging.UnreadCount) []unreadCountResponse {
	out := make([]unreadCountResponse, len(counts))
	for i, c := range counts {
		out[i] = unreadCountResponse{ChannelKey: c.ChannelKey, Count: c.Count}
	}

	return out
}
