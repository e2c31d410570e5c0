package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lessonlink/realtime/internal/core"
	"github.com/lessonlink/realtime/internal/domain"
)

// UnreadTracker maintains the per-(conversation, participant) counters.
// Counters live in the store so a reconnecting client sees server truth,
// not in-memory state that died with the previous connection.
type UnreadTracker struct {
	store core.Store
}

func NewUnreadTracker(store core.Store) *UnreadTracker {
	return &UnreadTracker{store: store}
}

// Increment bumps the counter for every active participant except the
// sender. The store performs the bump atomically per conversation.
func (t *UnreadTracker) Increment(ctx context.Context, conv domain.ConversationID, exclude domain.PrincipalID) error {
	if err := t.store.IncrementUnread(ctx, conv, exclude); err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}
	return nil
}

// Reset zeroes the counter and stamps LastReadAt. Idempotent: resetting
// an already-read conversation just refreshes the timestamp.
func (t *UnreadTracker) Reset(ctx context.Context, conv domain.ConversationID, pid domain.PrincipalID) (*domain.Participant, error) {
	p, err := t.store.ResetUnread(ctx, conv, pid, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("reset unread: %w", err)
	}
	log.Debug().Str("module", "app.unread").Str("conversation", string(conv)).Str("principal", string(pid)).Msg("unread reset")
	return p, nil
}

// Counts returns the caller's unread counters across conversations.
func (t *UnreadTracker) Counts(ctx context.Context, pid domain.PrincipalID) (map[domain.ConversationID]int, error) {
	counts, err := t.store.UnreadCounts(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("unread counts: %w", err)
	}
	return counts, nil
}
