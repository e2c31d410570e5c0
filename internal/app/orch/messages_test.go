package orch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lessonlink/realtime/internal/core"
	"github.com/lessonlink/realtime/internal/domain"
)

var (
	student = domain.Principal{ID: "sam", Role: domain.RoleStudent}
	tutor   = domain.Principal{ID: "tess", Role: domain.RoleTutor}
	admin   = domain.Principal{ID: "root", Role: domain.RoleAdmin}
)

func TestSendPreconditions(t *testing.T) {
	o := newTestOrch(t)
	conv := seedDirect(t, o, student.ID, tutor.ID)
	ctx := context.Background()

	tests := []struct {
		name    string
		conv    domain.ConversationID
		sender  domain.PrincipalID
		content string
		want    error
	}{
		{"unknown conversation", "no-such", student.ID, "hi", domain.ErrNotFound},
		{"non-participant sender", conv.ID, "stranger", "hi", domain.ErrForbidden},
		{"blank content", conv.ID, student.ID, "   \n\t", domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Send(ctx, tt.conv, tt.sender, tt.content, nil, "")
			requireIs(t, err, tt.want)
		})
	}

	// Attachments alone carry a message.
	msg, err := o.Send(ctx, conv.ID, student.ID, "", []domain.Attachment{{ID: "a1", URL: "/attachments/a1"}}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.SentAt.IsZero())
}

func TestSendRejectsLeftParticipant(t *testing.T) {
	o := newTestOrch(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Seed a group where the student already left.
	left := now.Add(-time.Hour)
	conv := &domain.Conversation{
		ID:   "g1",
		Kind: domain.KindGroup,
		Participants: []*domain.Participant{
			{ConversationID: "g1", PrincipalID: tutor.ID, JoinedAt: now},
			{ConversationID: "g1", PrincipalID: student.ID, JoinedAt: now, LeftAt: &left},
		},
		UpdatedAt: now,
	}
	require.NoError(t, o.Store.CreateConversation(ctx, conv))

	_, err := o.Send(ctx, conv.ID, student.ID, "hi", nil, "")
	requireIs(t, err, domain.ErrForbidden)
}

func TestSendFansOutToRoomMembers(t *testing.T) {
	o := newTestOrch(t)
	conv := seedDirect(t, o, student.ID, tutor.ID)
	_, tutorSig := connect(t, o, tutor, conv)
	// The sender's second device sits in the room too.
	_, deviceSig := connect(t, o, student, conv)

	msg, err := o.Send(context.Background(), conv.ID, student.ID, "hello", nil, "")
	require.NoError(t, err)

	waitForEvent(t, tutorSig, EventMessageDelivered)
	waitForEvent(t, deviceSig, EventMessageDelivered)

	var ev MessageDeliveredEvent
	frames := tutorSig.received()
	require.NoError(t, jsonUnmarshalLast(frames, &ev))
	assert.Equal(t, msg.ID, ev.Message.ID)
	assert.Equal(t, "hello", ev.Message.Content)
}

func TestSendClientKeyDedupe(t *testing.T) {
	o := newTestOrch(t)
	conv := seedDirect(t, o, student.ID, tutor.ID)
	_, tutorSig := connect(t, o, tutor, conv)
	ctx := context.Background()

	first, err := o.Send(ctx, conv.ID, student.ID, "hi", nil, "ck-1")
	require.NoError(t, err)
	waitForEvent(t, tutorSig, EventMessageDelivered)

	// A naive retry of the same send returns the same canonical message
	// and fans out nothing new.
	retry, err := o.Send(ctx, conv.ID, student.ID, "hi", nil, "ck-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, retry.ID)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, countEvents(t, tutorSig, EventMessageDelivered))

	// The counter was bumped once, not twice.
	counts, err := o.Unread.Counts(ctx, tutor.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[conv.ID])
}

func TestUnreadMonotonicityAndReset(t *testing.T) {
	o := newTestOrch(t)
	conv := seedDirect(t, o, student.ID, tutor.ID)
	ctx := context.Background()

	const n = 5
	for i := 0; i < n; i++ {
		_, err := o.Send(ctx, conv.ID, student.ID, fmt.Sprintf("msg %d", i), nil, "")
		require.NoError(t, err)
	}

	counts, err := o.Unread.Counts(ctx, tutor.ID)
	require.NoError(t, err)
	assert.Equal(t, n, counts[conv.ID])

	// The sender's own counter never moves.
	counts, err = o.Unread.Counts(ctx, student.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[conv.ID])

	part, err := o.MarkRead(ctx, conv.ID, tutor.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, part.UnreadCount)
	require.NotNil(t, part.LastReadAt)

	// Reset is idempotent.
	again, err := o.MarkRead(ctx, conv.ID, tutor.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, again.UnreadCount)
}

func TestOfflineRecipientScenario(t *testing.T) {
	o := newTestOrch(t)
	conv := seedDirect(t, o, student.ID, tutor.ID)
	ctx := context.Background()

	// S sends "hi" while T is offline.
	_, err := o.Send(ctx, conv.ID, student.ID, "hi", nil, "")
	require.NoError(t, err)

	counts, err := o.Unread.Counts(ctx, tutor.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[conv.ID])

	// T connects, reads the conversation.
	_, _ = connect(t, o, tutor, conv)
	part, err := o.MarkRead(ctx, conv.ID, tutor.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, part.UnreadCount)
	assert.NotNil(t, part.LastReadAt)
}

func TestMarkReadSyncsOwnConnections(t *testing.T) {
	o := newTestOrch(t)
	conv := seedDirect(t, o, student.ID, tutor.ID)
	_, err := o.Send(context.Background(), conv.ID, student.ID, "hi", nil, "")
	require.NoError(t, err)

	phone := &fakeSignal{}
	laptop := &fakeSignal{}
	o.Connect(tutor, phone)
	o.Connect(tutor, laptop)

	_, err = o.MarkRead(context.Background(), conv.ID, tutor.ID)
	require.NoError(t, err)

	// Both devices see the reset even though neither sits in a room.
	waitForEvent(t, phone, EventUnreadState)
	waitForEvent(t, laptop, EventUnreadState)
}

func TestHistoryNewestFirstWithCursor(t *testing.T) {
	o := newTestOrch(t)
	conv := seedDirect(t, o, student.ID, tutor.ID)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := o.Send(ctx, conv.ID, student.ID, fmt.Sprintf("m%d", i), nil, "")
		require.NoError(t, err)
	}

	page, cursor, err := o.History(ctx, conv.ID, tutor.ID, "", 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "m4", page[0].Content)
	assert.Equal(t, "m2", page[2].Content)
	require.NotEmpty(t, cursor)

	rest, cursor, err := o.History(ctx, conv.ID, tutor.ID, cursor, 3)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "m1", rest[0].Content)
	assert.Equal(t, "m0", rest[1].Content)
	assert.Empty(t, cursor)

	_, _, err = o.History(ctx, conv.ID, "stranger", "", 10)
	requireIs(t, err, domain.ErrForbidden)
}

func TestEditMessage(t *testing.T) {
	o := newTestOrch(t)
	conv := seedDirect(t, o, student.ID, tutor.ID)
	_, tutorSig := connect(t, o, tutor, conv)
	ctx := context.Background()

	msg, err := o.Send(ctx, conv.ID, student.ID, "typo", nil, "")
	require.NoError(t, err)
	waitForEvent(t, tutorSig, EventMessageDelivered)

	_, err = o.Edit(ctx, msg.ID, tutor.ID, "not yours")
	requireIs(t, err, domain.ErrForbidden)

	edited, err := o.Edit(ctx, msg.ID, student.ID, "fixed")
	require.NoError(t, err)
	assert.Equal(t, "fixed", edited.Content)
	require.NotNil(t, edited.EditedAt)
	assert.Equal(t, msg.ID, edited.ID)

	// The edit travels under its own event type. Recipients already hold
	// the message id, so a second delivered frame would be discarded.
	waitForEvent(t, tutorSig, EventMessageUpdated)
	assert.Equal(t, 1, countEvents(t, tutorSig, EventMessageDelivered))

	var ev MessageDeliveredEvent
	require.NoError(t, jsonUnmarshalLast(tutorSig.received(), &ev))
	assert.Equal(t, EventMessageUpdated, ev.Type)
	assert.Equal(t, "fixed", ev.Message.Content)
}

func TestEnsureDirectIdempotent(t *testing.T) {
	o := newTestOrch(t)
	ctx := context.Background()

	first, err := o.EnsureDirect(ctx, student.ID, tutor.ID)
	require.NoError(t, err)
	require.Len(t, first.Participants, 2)

	// Other side initiates: same conversation.
	second, err := o.EnsureDirect(ctx, tutor.ID, student.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = o.EnsureDirect(ctx, student.ID, student.ID)
	requireIs(t, err, domain.ErrValidation)
}

func TestCreateConversationRequiresElevatedRole(t *testing.T) {
	o := newTestOrch(t)
	ctx := context.Background()

	_, err := o.CreateConversation(ctx, student, domain.KindGroup, []domain.PrincipalID{tutor.ID})
	requireIs(t, err, domain.ErrForbidden)

	conv, err := o.CreateConversation(ctx, tutor, domain.KindSession, []domain.PrincipalID{student.ID})
	require.NoError(t, err)
	// The creator is always on the roster.
	assert.NotNil(t, conv.Participant(tutor.ID))
	assert.NotNil(t, conv.Participant(student.ID))
}

func jsonUnmarshalLast(frames []core.Frame, v any) error {
	return json.Unmarshal(frames[len(frames)-1], v)
}

func TestConcurrentSendsDeliverInStoreOrder(t *testing.T) {
	o := newTestOrch(t)
	conv := seedDirect(t, o, student.ID, tutor.ID)
	_, tutorSig := connect(t, o, tutor, conv)
	ctx := context.Background()

	// Racing senders must not let the room see messages out of the
	// order the store committed them.
	const workers, perWorker = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := o.Send(ctx, conv.ID, student.ID, fmt.Sprintf("w%d-%d", w, i), nil, "")
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return countEvents(t, tutorSig, EventMessageDelivered) == workers*perWorker
	}, 2*time.Second, 5*time.Millisecond)

	var last time.Time
	for _, fr := range tutorSig.received() {
		var ev MessageDeliveredEvent
		require.NoError(t, json.Unmarshal(fr, &ev))
		if ev.Type != EventMessageDelivered {
			continue
		}
		require.True(t, ev.Message.SentAt.After(last),
			"frame for %q arrived behind a later message", ev.Message.Content)
		last = ev.Message.SentAt
	}
}
