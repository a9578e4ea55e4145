package messaging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Store is the raw-SQL repository backing messages, reactions, mentions,
// and read status.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// querier is satisfied by both *sql.DB and *sql.Tx, following the same
// convention internal/expense's Store uses.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const selectMessageColumns = `id, channel_key, author_id, body, blocks, metadata, reply_to, deleted, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (Message, error) {
	var (
		m        Message
		blocks   []byte
		metadata []byte
	)

	if err := s.Scan(&m.ID, &m.ChannelKey, &m.AuthorID, &m.Body, &blocks, &metadata, &m.ReplyTo, &m.Deleted, &m.CreatedAt); err != nil {
		return Message{}, err
	}

	m.Blocks = json.RawMessage(blocks)
	m.Metadata = json.RawMessage(metadata)

	return m, nil
}

// PostMessage inserts one message and its mentions inside a single
// transaction: either both land or neither does.
func (s *Store) PostMessage(ctx context.Context, m Message, mentionedUsers []uuid.UUID) (Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("beginning post message: %w", err)
	}
	defer tx.Rollback()

	saved, err := insertMessage(ctx, tx, m)
	if err != nil {
		return Message{}, fmt.Errorf("inserting message: %w", err)
	}

	for _, userID := range mentionedUsers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_mentions (message_id, user_id) VALUES ($1, $2)`,
			saved.ID, userID,
		); err != nil {
			return Message{}, fmt.Errorf("inserting mention: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("committing post message: %w", err)
	}

	return saved, nil
}

func insertMessage(ctx context.Context, q querier, m Message) (Message, error) {
	query := `
		INSERT INTO messages (channel_key, author_id, body, blocks, metadata, reply_to)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + selectMessageColumns

	row := q.QueryRowContext(ctx, query, m.ChannelKey, m.AuthorID, m.Body, m.Blocks, m.Metadata, m.ReplyTo)

	return scanMessage(row)
}

// Get fetches one message by id, regardless of its deleted flag.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Message, error) {
	query := `SELECT ` + selectMessageColumns + ` FROM messages WHERE id = $1`

	m, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	} else if err != nil {
		return Message{}, fmt.Errorf("getting message: %w", err)
	}

	return m, nil
}

// SoftDelete marks a message deleted. Deleted messages stay addressable
// (Get still returns them) but drop out of history, thread listings, and
// unread counts.
func (s *Store) SoftDelete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET deleted = true WHERE id = $1 AND deleted = false`, id)
	if err != nil {
		return fmt.Errorf("soft-deleting message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking soft-delete result: %w", err)
	}

	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}

		return ErrAlreadyDeleted
	}

	return nil
}

// ChannelHistory returns up to limit non-deleted messages from channelKey,
// most recent first.
func (s *Store) ChannelHistory(ctx context.Context, channelKey string, limit int) ([]Message, error) {
	query := `SELECT ` + selectMessageColumns + ` FROM messages
		WHERE channel_key = $1 AND deleted = false
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, channelKey, limit)
	if err != nil {
		return nil, fmt.Errorf("querying channel history: %w", err)
	}
	defer rows.Close()

	var out []Message

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning channel history: %w", err)
		}

		out = append(out, m)
	}

	return out, rows.Err()
}

// ThreadMessages returns every non-deleted reply to rootID, oldest first.
// Threads are flat: every reply's reply_to points directly at the root,
// not at its immediate parent, so a single equality query is enough.
func (s *Store) ThreadMessages(ctx context.Context, rootID uuid.UUID) ([]Message, error) {
	query := `SELECT ` + selectMessageColumns + ` FROM messages
		WHERE reply_to = $1 AND deleted = false
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, rootID)
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}
	defer rows.Close()

	var out []Message

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning thread: %w", err)
		}

		out = append(out, m)
	}

	return out, rows.Err()
}

// React records one (message, user, emoji) reaction. Idempotent: a repeat
// react from the same user with the same emoji is a no-op.
func (s *Store) React(ctx context.Context, r Reaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_reactions (message_id, user_id, emoji) VALUES ($1, $2, $3)
		 ON CONFLICT (message_id, user_id, emoji) DO NOTHING`,
		r.MessageID, r.UserID, r.Emoji,
	)
	if err != nil {
		return fmt.Errorf("recording reaction: %w", err)
	}

	return nil
}

// Unreact removes one reaction. A no-op if it was never recorded.
func (s *Store) Unreact(ctx context.Context, messageID, userID uuid.UUID, emoji string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji,
	)
	if err != nil {
		return fmt.Errorf("removing reaction: %w", err)
	}

	return nil
}

// Reactions returns every reaction on one message.
func (s *Store) Reactions(ctx context.Context, messageID uuid.UUID) ([]Reaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, user_id, emoji, created_at FROM message_reactions WHERE message_id = $1`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying reactions: %w", err)
	}
	defer rows.Close()

	var out []Reaction

	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning reaction: %w", err)
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

// MarkRead upserts the caller's last-read watermark for a channel.
func (s *Store) MarkRead(ctx context.Context, userID uuid.UUID, channelKey string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_read_status (user_id, channel_key, last_read_at) VALUES ($1, $2, now())
		 ON CONFLICT (user_id, channel_key) DO UPDATE SET last_read_at = now()`,
		userID, channelKey,
	)
	if err != nil {
		return fmt.Errorf("marking channel read: %w", err)
	}

	return nil
}

// UnreadCounts aggregates, per channel, how many non-deleted messages
// postdate the caller's last-read watermark (or every message, for a
// channel never marked read). A single grouped query, not an app-level
// page loop, so there is no truncation risk for this aggregate.
func (s *Store) UnreadCounts(ctx context.Context, userID uuid.UUID) ([]UnreadCount, error) {
	query := `
		SELECT m.channel_key, COUNT(*)
		FROM messages m
		LEFT JOIN channel_read_status r ON r.channel_key = m.channel_key AND r.user_id = $1
		WHERE m.deleted = false
		  AND m.created_at > COALESCE(r.last_read_at, 'epoch'::timestamptz)
		GROUP BY m.channel_key`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying unread counts: %w", err)
	}
	defer rows.Close()

	var out []UnreadCount

	for rows.Next() {
		var c UnreadCount
		if err := rows.Scan(&c.ChannelKey, &c.Count); err != nil {
			return nil, fmt.Errorf("scanning unread count: %w", err)
		}

		out = append(out, c)
	}

	return out, rows.Err()
}
