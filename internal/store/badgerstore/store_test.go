package badgerstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lessonlink/realtime/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedConversation(t *testing.T, s *Store, id domain.ConversationID, members ...domain.PrincipalID) *domain.Conversation {
	t.Helper()
	now := time.Now().UTC()
	conv := &domain.Conversation{ID: id, Kind: domain.KindGroup, UpdatedAt: now}
	for _, m := range members {
		conv.Participants = append(conv.Participants, &domain.Participant{
			ConversationID: id, PrincipalID: m, JoinedAt: now,
		})
	}
	require.NoError(t, s.CreateConversation(context.Background(), conv))
	return conv
}

func appendN(t *testing.T, s *Store, conv domain.ConversationID, sender domain.PrincipalID, n int) []*domain.Message {
	t.Helper()
	out := make([]*domain.Message, 0, n)
	for i := 0; i < n; i++ {
		msg, err := s.AppendMessage(context.Background(), &domain.Message{
			ConversationID: conv,
			SenderID:       sender,
			Content:        fmt.Sprintf("m%d", i),
		})
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func TestConversationLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s, "c1", "alice", "bob")

	got, err := s.Conversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	require.Len(t, got.Participants, 2)

	err = s.CreateConversation(ctx, conv)
	requireIs(t, err, domain.ErrConflict)

	_, err = s.Conversation(ctx, "missing")
	requireIs(t, err, domain.ErrNotFound)
}

func TestConversationsForOrdersByActivity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedConversation(t, s, "old", "alice", "bob")
	seedConversation(t, s, "new", "alice", "carol")
	seedConversation(t, s, "other", "bob", "carol")

	require.NoError(t, s.TouchConversation(ctx, "old", time.Now().UTC().Add(time.Minute)))

	convs, err := s.ConversationsFor(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, domain.ConversationID("old"), convs[0].ID)
	assert.Equal(t, domain.ConversationID("new"), convs[1].ID)
}

func TestMessagesPageNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedConversation(t, s, "c1", "alice", "bob")
	sent := appendN(t, s, "c1", "alice", 7)

	var got []*domain.Message
	cursor := ""
	pages := 0
	for {
		page, next, err := s.Messages(ctx, "c1", cursor, 3)
		require.NoError(t, err)
		got = append(got, page...)
		pages++
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Equal(t, 3, pages)
	require.Len(t, got, len(sent))
	for i, msg := range got {
		assert.Equal(t, sent[len(sent)-1-i].ID, msg.ID, "page walk must be newest first with no gaps")
	}
}

func TestMessagesUnknownConversation(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.Messages(context.Background(), "nope", "", 10)
	requireIs(t, err, domain.ErrNotFound)
}

func TestAppendStampsStrictlyIncreasing(t *testing.T) {
	s := openTestStore(t)
	seedConversation(t, s, "c1", "alice", "bob")
	msgs := appendN(t, s, "c1", "alice", 10)
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i].SentAt.After(msgs[i-1].SentAt))
	}
}

func TestMessageByClientKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedConversation(t, s, "c1", "alice", "bob")

	msg, err := s.AppendMessage(ctx, &domain.Message{
		ConversationID: "c1", SenderID: "alice", Content: "hi", ClientKey: "k1",
	})
	require.NoError(t, err)

	dup, err := s.MessageByClientKey(ctx, "c1", "alice", "k1")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, dup.ID)

	// The key is scoped to the sender.
	_, err = s.MessageByClientKey(ctx, "c1", "bob", "k1")
	requireIs(t, err, domain.ErrNotFound)
	_, err = s.MessageByClientKey(ctx, "c1", "alice", "k2")
	requireIs(t, err, domain.ErrNotFound)
}

func TestUpdateMessagePersistsEdit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedConversation(t, s, "c1", "alice", "bob")
	msg, err := s.AppendMessage(ctx, &domain.Message{ConversationID: "c1", SenderID: "alice", Content: "draft"})
	require.NoError(t, err)

	now := time.Now().UTC()
	msg.Content = "final"
	msg.EditedAt = &now
	require.NoError(t, s.UpdateMessage(ctx, msg))

	got, err := s.Message(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "final", got.Content)
	require.NotNil(t, got.EditedAt)
}

func TestUnreadMutations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	// One member already left; increments must skip them.
	left := now.Add(-time.Hour)
	conv := &domain.Conversation{
		ID:   "c1",
		Kind: domain.KindGroup,
		Participants: []*domain.Participant{
			{ConversationID: "c1", PrincipalID: "alice", JoinedAt: now},
			{ConversationID: "c1", PrincipalID: "bob", JoinedAt: now},
			{ConversationID: "c1", PrincipalID: "gone", JoinedAt: now, LeftAt: &left},
		},
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateConversation(ctx, conv))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.IncrementUnread(ctx, "c1", "alice"))
	}

	got, err := s.Conversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Participant("alice").UnreadCount)
	assert.Equal(t, 3, got.Participant("bob").UnreadCount)
	assert.Equal(t, 0, got.Participant("gone").UnreadCount)

	p, err := s.ResetUnread(ctx, "c1", "bob", now)
	require.NoError(t, err)
	assert.Equal(t, 0, p.UnreadCount)
	require.NotNil(t, p.LastReadAt)

	counts, err := s.UnreadCounts(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, counts["c1"])
}

func TestActiveMeetingIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedConversation(t, s, "c1", "alice", "bob")
	now := time.Now().UTC()

	m := &domain.MeetingSession{
		ID: "m1", ConversationID: "c1", Status: domain.MeetingActive,
		StartedBy: "alice", StartedAt: now,
		Roster:  []*domain.MeetingParticipant{{PrincipalID: "alice", JoinedAt: now, Seq: 1}},
		NextSeq: 2,
	}
	require.NoError(t, s.CreateMeeting(ctx, m))

	active, err := s.ActiveMeeting(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, m.ID, active.ID)

	err = s.CreateMeeting(ctx, &domain.MeetingSession{ID: "m2", ConversationID: "c1", Status: domain.MeetingActive})
	requireIs(t, err, domain.ErrConflict)

	m.Status = domain.MeetingEnded
	ended := now.Add(time.Minute)
	m.EndedAt = &ended
	require.NoError(t, s.UpdateMeeting(ctx, m))

	_, err = s.ActiveMeeting(ctx, "c1")
	requireIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.CreateMeeting(ctx, &domain.MeetingSession{ID: "m3", ConversationID: "c1", Status: domain.MeetingActive}))
}

func requireIs(t *testing.T, err, target error) {
	t.Helper()
	require.ErrorIs(t, err, target)
}

func TestKeyPrefixesScopedDespiteSeparators(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Ids containing ':' must not let one scan pick up another's rows.
	seedConversation(t, s, "c1", "sam", "bob")
	seedConversation(t, s, "c1:x", "sam:x", "bob")
	appendN(t, s, "c1", "sam", 2)
	appendN(t, s, "c1:x", "sam:x", 3)

	msgs, _, err := s.Messages(ctx, "c1", "", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, domain.ConversationID("c1"), m.ConversationID)
	}

	convs, err := s.ConversationsFor(ctx, "sam")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, domain.ConversationID("c1"), convs[0].ID)

	convs, err = s.ConversationsFor(ctx, "sam:x")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, domain.ConversationID("c1:x"), convs[0].ID)
}
