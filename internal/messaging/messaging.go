// Package messaging implements the Messaging Substrate: channels,
// messages, reactions, reply threads, mentions, per-user read status, and
// unread counts, plus background fan-out to push notifications. Channels
// are identified by the synthetic key `type:scope_id`; there is no
// separate channels table.
package messaging

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Message is one chat message. Author is a string rather than a uuid
// since a bot identity (an agent name) can also author a message.
type Message struct {
	ID         uuid.UUID
	ChannelKey string
	AuthorID   string
	Body       string
	Blocks     json.RawMessage
	Metadata   json.RawMessage
	ReplyTo    *uuid.UUID
	Deleted    bool
	CreatedAt  time.Time
	Reactions  []Reaction
}

// Reaction is one (message, user, emoji) tuple. The primary key on
// message_reactions makes a repeat React idempotent.
type Reaction struct {
	MessageID uuid.UUID
	UserID    uuid.UUID
	Emoji     string
	CreatedAt time.Time
}

// Mention records that a message @-mentioned a user, for the mention
// inbox / notification fan-out.
type Mention struct {
	ID        int64
	MessageID uuid.UUID
	UserID    uuid.UUID
	CreatedAt time.Time
}

// UnreadCount is one channel's unread total for a user.
type UnreadCount struct {
	ChannelKey string
	Count      int
}

var (
	ErrNotFound       = errors.New("messaging: not found")
	ErrEmptyBody      = errors.New("messaging: message body is empty")
	ErrAlreadyDeleted = errors.New("messaging: message already deleted")
)
