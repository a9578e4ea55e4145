package messaging_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldledger/expensecore/internal/agents"
	"github.com/fieldledger/expensecore/internal/identity"
	"github.com/fieldledger/expensecore/internal/messaging"
)

type fakeGate struct {
	allow bool
}

func (g *fakeGate) Capability(ctx context.Context, user identity.User, module, action string) (bool, error) {
	return g.allow, nil
}

type fakeRepo struct {
	messages       map[uuid.UUID]messaging.Message
	reactions      map[uuid.UUID][]messaging.Reaction
	readWatermarks map[string]bool
	unread         []messaging.UnreadCount
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{messages: map[uuid.UUID]messaging.Message{}, reactions: map[uuid.UUID][]messaging.Reaction{}, readWatermarks: map[string]bool{}}
}

func (r *fakeRepo) PostMessage(ctx context.Context, m messaging.Message, mentionedUsers []uuid.UUID) (messaging.Message, error) {
	m.ID = uuid.New()
	r.messages[m.ID] = m

	return m, nil
}

func (r *fakeRepo) Get(ctx context.Context, id uuid.UUID) (messaging.Message, error) {
	m, ok := r.messages[id]
	if !ok {
		return messaging.Message{}, messaging.ErrNotFound
	}

	return m, nil
}

func (r *fakeRepo) SoftDelete(ctx context.Context, id uuid.UUID) error {
	m, ok := r.messages[id]
	if !ok {
		return messaging.ErrNotFound
	}

	if m.Deleted {
		return messaging.ErrAlreadyDeleted
	}

	m.Deleted = true
	r.messages[id] = m

	return nil
}

func (r *fakeRepo) ChannelHistory(ctx context.Context, channelKey string, limit int) ([]messaging.Message, error) {
	var out []messaging.Message

	for _, m := range r.messages {
		if m.ChannelKey == channelKey && !m.Deleted {
			out = append(out, m)
		}
	}

	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (r *fakeRepo) ThreadMessages(ctx context.Context, rootID uuid.UUID) ([]messaging.Message, error) {
	var out []messaging.Message

	for _, m := range r.messages {
		if m.ReplyTo != nil && *m.ReplyTo == rootID {
			out = append(out, m)
		}
	}

	return out, nil
}

func (r *fakeRepo) React(ctx context.Context, react messaging.Reaction) error {
	r.reactions[react.MessageID] = append(r.reactions[react.MessageID], react)
	return nil
}

func (r *fakeRepo) Unreact(ctx context.Context, messageID, userID uuid.UUID, emoji string) error {
	kept := r.reactions[messageID][:0]

	for _, existing := range r.reactions[messageID] {
		if existing.UserID == userID && existing.Emoji == emoji {
			continue
		}

		kept = append(kept, existing)
	}

	r.reactions[messageID] = kept

	return nil
}

func (r *fakeRepo) Reactions(ctx context.Context, messageID uuid.UUID) ([]messaging.Reaction, error) {
	return r.reactions[messageID], nil
}

func (r *fakeRepo) MarkRead(ctx context.Context, userID uuid.UUID, channelKey string) error {
	r.readWatermarks[channelKey] = true
	return nil
}

func (r *fakeRepo) UnreadCounts(ctx context.Context, userID uuid.UUID) ([]messaging.UnreadCount, error) {
	return r.unread, nil
}

type fakeJobs struct {
	enqueued []string
}

func (f *fakeJobs) Enqueue(ctx context.Context, jobName string, payload any) error {
	f.enqueued = append(f.enqueued, jobName)
	return nil
}

func testUser() identity.User {
	return identity.User{ID: uuid.New(), Role: "operator"}
}

func TestPostMessageRequiresCapability(t *testing.T) {
	svc := messaging.New(newFakeRepo(), &fakeGate{allow: false}, &fakeJobs{})

	_, err := svc.PostMessage(context.Background(), testUser(), messaging.PostInput{ChannelKey: "project:x", Body: "hi"})

	require.Error(t, err)
}

func TestPostMessageRejectsEmptyBody(t *testing.T) {
	svc := messaging.New(newFakeRepo(), &fakeGate{allow: true}, &fakeJobs{})

	_, err := svc.PostMessage(context.Background(), testUser(), messaging.PostInput{ChannelKey: "project:x", Body: ""})

	require.Error(t, err)
}

func TestPostMessageSchedulesFanOutOnMention(t *testing.T) {
	jobs := &fakeJobs{}
	svc := messaging.New(newFakeRepo(), &fakeGate{allow: true}, jobs)

	mentioned := uuid.New()
	body := "hey <@" + mentioned.String() + "> take a look"

	_, err := svc.PostMessage(context.Background(), testUser(), messaging.PostInput{ChannelKey: "project:x", Body: body})

	require.NoError(t, err)
	assert.Contains(t, jobs.enqueued, "fan_out_push_notifications")
}

func TestPostMessageNoFanOutWithoutMention(t *testing.T) {
	jobs := &fakeJobs{}
	svc := messaging.New(newFakeRepo(), &fakeGate{allow: true}, jobs)

	_, err := svc.PostMessage(context.Background(), testUser(), messaging.PostInput{ChannelKey: "project:x", Body: "no mentions here"})

	require.NoError(t, err)
	assert.Empty(t, jobs.enqueued)
}

func TestPostImplementsMessagePoster(t *testing.T) {
	repo := newFakeRepo()
	svc := messaging.New(repo, &fakeGate{allow: true}, &fakeJobs{})

	var poster agents.MessagePoster = svc

	err := poster.Post(context.Background(), "project:x", agents.AgentAuth, "run complete")
	require.NoError(t, err)

	history, err := svc.History(context.Background(), testUser(), "project:x", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "agent:authorization", history[0].AuthorID)
}

func TestRecentMessagesImplementsHistoryLoader(t *testing.T) {
	repo := newFakeRepo()
	svc := messaging.New(repo, &fakeGate{allow: true}, &fakeJobs{})

	var loader agents.HistoryLoader = svc

	_, err := svc.PostMessage(context.Background(), testUser(), messaging.PostInput{ChannelKey: "project:x", Body: "first"})
	require.NoError(t, err)

	lines, err := loader.RecentMessages(context.Background(), "project:x", 5)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "first")
}

func TestReactTogglesOffOnRepeat(t *testing.T) {
	repo := newFakeRepo()
	svc := messaging.New(repo, &fakeGate{allow: true}, &fakeJobs{})

	msg, err := svc.PostMessage(context.Background(), testUser(), messaging.PostInput{ChannelKey: "project:x", Body: "hi"})
	require.NoError(t, err)

	user := testUser()

	require.NoError(t, svc.React(context.Background(), user, msg.ID, "+1"))
	assert.Len(t, repo.reactions[msg.ID], 1)

	require.NoError(t, svc.React(context.Background(), user, msg.ID, "+1"))
	assert.Empty(t, repo.reactions[msg.ID])
}

func TestDeleteExcludesFromHistory(t *testing.T) {
	repo := newFakeRepo()
	svc := messaging.New(repo, &fakeGate{allow: true}, &fakeJobs{})

	msg, err := svc.PostMessage(context.Background(), testUser(), messaging.PostInput{ChannelKey: "project:x", Body: "hi"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), testUser(), msg.ID))

	history, err := svc.History(context.Background(), testUser(), "project:x", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestNotifyMissingInfoPostsToExpenseChannel(t *testing.T) {
	repo := newFakeRepo()
	svc := messaging.New(repo, &fakeGate{allow: true}, &fakeJobs{})

	expenseID := uuid.New()

	require.NoError(t, svc.NotifyMissingInfo(context.Background(), expenseID, []string{"vendor", "amount"}))

	history, err := svc.History(context.Background(), testUser(), "expense:"+expenseID.String(), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Body, "vendor, amount")
}

func TestPostStructuredBuildsBlockJSON(t *testing.T) {
	repo := newFakeRepo()
	svc := messaging.New(repo, &fakeGate{allow: true}, &fakeJobs{})

	msg, err := svc.PostStructured(context.Background(), "project:x", agents.AgentReceipt, "receipt processed", "card", map[string]string{"title": "Acme Corp"})
	require.NoError(t, err)
	assert.Contains(t, string(msg.Blocks), "Acme Corp")
	assert.Contains(t, string(msg.Blocks), "card")
}
