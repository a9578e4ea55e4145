package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/fieldledger/expensecore/internal/agents"
	"github.com/fieldledger/expensecore/internal/apierr"
	"github.com/fieldledger/expensecore/internal/identity"
)

// mentionPattern matches a <@uuid> token in a message body, the same
// bracketed-mention convention chat clients in this space use.
var mentionPattern = regexp.MustCompile(`<@([0-9a-fA-F-]{36})>`)

// CapabilityChecker answers whether an acting user may perform an action
// on a module. Satisfied by *identity.Gate.
type CapabilityChecker interface {
	Capability(ctx context.Context, user identity.User, module, action string) (bool, error)
}

// Repository is everything the Service needs from storage.
type Repository interface {
	PostMessage(ctx context.Context, m Message, mentionedUsers []uuid.UUID) (Message, error)
	Get(ctx context.Context, id uuid.UUID) (Message, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
	ChannelHistory(ctx context.Context, channelKey string, limit int) ([]Message, error)
	ThreadMessages(ctx context.Context, rootID uuid.UUID) ([]Message, error)
	React(ctx context.Context, r Reaction) error
	Unreact(ctx context.Context, messageID, userID uuid.UUID, emoji string) error
	Reactions(ctx context.Context, messageID uuid.UUID) ([]Reaction, error)
	MarkRead(ctx context.Context, userID uuid.UUID, channelKey string) error
	UnreadCounts(ctx context.Context, userID uuid.UUID) ([]UnreadCount, error)
}

// JobEnqueuer hands off background fan-out work to the orchestrator.
// External collaborator: realized by internal/orchestrator.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, jobName string, payload any) error
}

const jobFanOutPushNotifications = "fan_out_push_notifications"

// Service enforces capability checks and mention extraction around a
// Repository, and is the production realization of agents.HistoryLoader,
// agents.MessagePoster, and autoauth.Notifier.
type Service struct {
	repo Repository
	gate CapabilityChecker
	jobs JobEnqueuer
}

// New constructs a Service.
func New(repo Repository, gate CapabilityChecker, jobs JobEnqueuer) *Service {
	return &Service{repo: repo, gate: gate, jobs: jobs}
}

func (s *Service) requireCapability(ctx context.Context, user identity.User, action string) error {
	ok, err := s.gate.Capability(ctx, user, identity.ModuleMessage, action)
	if err != nil {
		return fmt.Errorf("checking capability: %w", err)
	}

	if !ok {
		return apierr.New(apierr.Unauthorized, "actor lacks message:"+action+" capability")
	}

	return nil
}

// PostInput is one human-originated message request.
type PostInput struct {
	ChannelKey string
	Body       string
	Metadata   json.RawMessage
	ReplyTo    *uuid.UUID
}

// PostMessage is the human-facing entry point: POST /messages. The author
// is always the acting user's id.
func (s *Service) PostMessage(ctx context.Context, user identity.User, in PostInput) (Message, error) {
	if err := s.requireCapability(ctx, user, identity.ActionCreate); err != nil {
		return Message{}, err
	}

	if in.Body == "" {
		return Message{}, apierr.New(apierr.Validation, "message body is required")
	}

	return s.post(ctx, in.ChannelKey, user.ID.String(), in.Body, nil, in.Metadata, in.ReplyTo)
}

// PostStructured is how core services report a result as a chat message:
// a plain-text body plus a rendered block (card, buttons, attachment).
// The bot identity is "agent:<name>", matching the chat client's
// convention for distinguishing system authors from human ones.
func (s *Service) PostStructured(ctx context.Context, channelKey string, agent agents.AgentName, text string, blockKind string, fields map[string]string) (Message, error) {
	blocks, err := buildBlock(blockKind, fields)
	if err != nil {
		return Message{}, fmt.Errorf("building message block: %w", err)
	}

	return s.post(ctx, channelKey, "agent:"+string(agent), text, blocks, nil, nil)
}

// Post implements agents.MessagePoster.
func (s *Service) Post(ctx context.Context, channelKey string, agent agents.AgentName, text string) error {
	_, err := s.post(ctx, channelKey, "agent:"+string(agent), text, nil, nil, nil)
	return err
}

func (s *Service) post(ctx context.Context, channelKey, authorID, body string, blocks, metadata json.RawMessage, replyTo *uuid.UUID) (Message, error) {
	mentioned := extractMentions(body)

	saved, err := s.repo.PostMessage(ctx, Message{
		ChannelKey: channelKey,
		AuthorID:   authorID,
		Body:       body,
		Blocks:     blocks,
		Metadata:   metadata,
		ReplyTo:    replyTo,
	}, mentioned)
	if err != nil {
		return Message{}, fmt.Errorf("posting message: %w", err)
	}

	if len(mentioned) > 0 && s.jobs != nil {
		if err := s.jobs.Enqueue(ctx, jobFanOutPushNotifications, map[string]any{
			"message_id": saved.ID,
			"user_ids":   mentioned,
		}); err != nil {
			return Message{}, fmt.Errorf("scheduling push fan-out: %w", err)
		}
	}

	return saved, nil
}

// Delete soft-deletes a message on behalf of user.
func (s *Service) Delete(ctx context.Context, user identity.User, id uuid.UUID) error {
	if err := s.requireCapability(ctx, user, identity.ActionDelete); err != nil {
		return err
	}

	if err := s.repo.SoftDelete(ctx, id); err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}

	return nil
}

// History returns the most recent messages in a channel.
func (s *Service) History(ctx context.Context, user identity.User, channelKey string, limit int) ([]Message, error) {
	if err := s.requireCapability(ctx, user, identity.ActionRead); err != nil {
		return nil, err
	}

	return s.repo.ChannelHistory(ctx, channelKey, limit)
}

// Thread returns every reply to rootID.
func (s *Service) Thread(ctx context.Context, user identity.User, rootID uuid.UUID) ([]Message, error) {
	if err := s.requireCapability(ctx, user, identity.ActionRead); err != nil {
		return nil, err
	}

	return s.repo.ThreadMessages(ctx, rootID)
}

// React toggles a reaction off if already present, on otherwise, since
// there is no separate client-side state to tell the two intents apart.
func (s *Service) React(ctx context.Context, user identity.User, messageID uuid.UUID, emoji string) error {
	if err := s.requireCapability(ctx, user, identity.ActionCreate); err != nil {
		return err
	}

	existing, err := s.repo.Reactions(ctx, messageID)
	if err != nil {
		return fmt.Errorf("checking existing reactions: %w", err)
	}

	for _, r := range existing {
		if r.UserID == user.ID && r.Emoji == emoji {
			return s.repo.Unreact(ctx, messageID, user.ID, emoji)
		}
	}

	return s.repo.React(ctx, Reaction{MessageID: messageID, UserID: user.ID, Emoji: emoji})
}

// MarkRead records that user has read channelKey up to now.
func (s *Service) MarkRead(ctx context.Context, user identity.User, channelKey string) error {
	return s.repo.MarkRead(ctx, user.ID, channelKey)
}

// UnreadCounts implements `GET /messages/unread_counts`.
func (s *Service) UnreadCounts(ctx context.Context, user identity.User) ([]UnreadCount, error) {
	return s.repo.UnreadCounts(ctx, user.ID)
}

// RecentMessages implements agents.HistoryLoader: a one-line preview per
// message, oldest first, for the dispatcher's classification context.
func (s *Service) RecentMessages(ctx context.Context, channelKey string, n int) ([]string, error) {
	history, err := s.repo.ChannelHistory(ctx, channelKey, n)
	if err != nil {
		return nil, fmt.Errorf("loading recent messages: %w", err)
	}

	out := make([]string, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		out[len(history)-1-i] = fmt.Sprintf("%s: %s", history[i].AuthorID, preview(history[i]))
	}

	return out, nil
}

// preview renders a message's card title when it carries one, falling
// back to its plain body.
func preview(m Message) string {
	if len(m.Blocks) > 0 {
		if title := gjson.GetBytes(m.Blocks, "fields.title"); title.Exists() {
			return title.String()
		}
	}

	return m.Body
}

// buildBlock assembles a rendered block (card, buttons, attachment) from
// a flat field map without a fixed struct per block kind, since the
// spec's block shapes vary freely by agent and message type.
func buildBlock(kind string, fields map[string]string) (json.RawMessage, error) {
	data := []byte(`{}`)

	var err error

	data, err = sjson.SetBytes(data, "type", kind)
	if err != nil {
		return nil, err
	}

	for k, v := range fields {
		data, err = sjson.SetBytes(data, "fields."+k, v)
		if err != nil {
			return nil, err
		}
	}

	return json.RawMessage(data), nil
}

func extractMentions(body string) []uuid.UUID {
	matches := mentionPattern.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := map[uuid.UUID]bool{}

	out := make([]uuid.UUID, 0, len(matches))

	for _, m := range matches {
		id, err := uuid.Parse(m[1])
		if err != nil || seen[id] {
			continue
		}

		seen[id] = true

		out = append(out, id)
	}

	return out
}

// NotifyMissingInfo implements autoauth.Notifier.
func (s *Service) NotifyMissingInfo(ctx context.Context, expenseID uuid.UUID, missingFields []string) error {
	_, err := s.post(ctx, expenseChannelKey(expenseID), "agent:"+string(agents.AgentAuth),
		fmt.Sprintf("missing information before authorization: %s", joinFields(missingFields)), nil, nil, nil)
	return err
}

// NotifyEscalation implements autoauth.Notifier.
func (s *Service) NotifyEscalation(ctx context.Context, expenseID uuid.UUID, reason string) error {
	_, err := s.post(ctx, expenseChannelKey(expenseID), "agent:"+string(agents.AgentAuth),
		fmt.Sprintf("escalated for manual review: %s", reason), nil, nil, nil)
	return err
}

// expenseChannelKey derives the synthetic channel key an expense's
// authorization conversation lives in.
func expenseChannelKey(expenseID uuid.UUID) string {
	return "expense:" + expenseID.String()
}

func joinFields(fields []string) string {
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += ", "
		}

		out += f
	}

	return out
}
