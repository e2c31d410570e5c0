package orch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lessonlink/realtime/internal/core"
	"github.com/lessonlink/realtime/internal/domain"
)

// Send runs the message pipeline: precondition checks, persist (the
// store assigns the canonical id and server timestamp), fan-out to the
// conversation's room, unread bump, conversation touch.
//
// clientKey is the caller's idempotency token. A retry carrying the same
// (conversation, sender, clientKey) returns the already-persisted
// message and fans out nothing, so a send that timed out client-side can
// be repeated without duplicating. The pipeline never auto-retries.
func (o *Orchestrator) Send(ctx context.Context, convID domain.ConversationID, sender domain.PrincipalID, content string, attachments []domain.Attachment, clientKey string) (*domain.Message, error) {
	unlock := o.Locks.Lock(string(convID))

	conv, err := o.Store.Conversation(ctx, convID)
	if err != nil {
		unlock()
		return nil, err
	}
	if conv.ActiveParticipant(sender) == nil {
		unlock()
		return nil, fmt.Errorf("sender %s is not an active participant: %w", sender, domain.ErrForbidden)
	}
	content = strings.TrimSpace(content)
	if !domain.ValidContent(content, attachments) {
		unlock()
		return nil, fmt.Errorf("empty message: %w", domain.ErrValidation)
	}

	if clientKey != "" {
		prior, err := o.Store.MessageByClientKey(ctx, convID, sender, clientKey)
		if err == nil {
			unlock()
			log.Debug().Str("module", "orch").Str("conversation", string(convID)).Str("client_key", clientKey).Msg("duplicate send absorbed")
			return prior, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			unlock()
			return nil, err
		}
	}

	msg, err := o.Store.AppendMessage(ctx, &domain.Message{
		ConversationID: convID,
		SenderID:       sender,
		Content:        content,
		Attachments:    attachments,
		ClientKey:      clientKey,
	})
	if err != nil {
		unlock()
		return nil, err
	}
	if err := o.Unread.Increment(ctx, convID, sender); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("conversation", string(convID)).Msg("unread increment failed")
	}
	if err := o.Store.TouchConversation(ctx, convID, msg.SentAt); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("conversation", string(convID)).Msg("touch failed")
	}

	// Enqueue under the key lock: the room queue must see messages in
	// the order the store assigned them. The enqueue never blocks on the
	// receivers, delivery runs on the room's dispatch goroutine.
	o.fanout(core.RoomForConversation(conv), messageDelivered(msg), "")
	unlock()
	return msg, nil
}

// History pages a conversation's messages newest-first. Caller must be a
// participant (left participants keep read access to their history).
func (o *Orchestrator) History(ctx context.Context, convID domain.ConversationID, caller domain.PrincipalID, cursor string, limit int) ([]*domain.Message, string, error) {
	conv, err := o.Store.Conversation(ctx, convID)
	if err != nil {
		return nil, "", err
	}
	if conv.Participant(caller) == nil {
		return nil, "", fmt.Errorf("principal %s is not in conversation %s: %w", caller, convID, domain.ErrForbidden)
	}
	return o.Store.Messages(ctx, convID, cursor, limit)
}

// Edit rewrites a message's content and stamps EditedAt. Sender only.
func (o *Orchestrator) Edit(ctx context.Context, msgID domain.MessageID, caller domain.PrincipalID, content string) (*domain.Message, error) {
	msg, err := o.Store.Message(ctx, msgID)
	if err != nil {
		return nil, err
	}

	unlock := o.Locks.Lock(string(msg.ConversationID))
	defer unlock()

	msg, err = o.Store.Message(ctx, msgID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != caller {
		return nil, fmt.Errorf("only the sender may edit: %w", domain.ErrForbidden)
	}
	content = strings.TrimSpace(content)
	if !domain.ValidContent(content, msg.Attachments) {
		return nil, fmt.Errorf("empty edit: %w", domain.ErrValidation)
	}
	now := time.Now().UTC()
	msg.Content = content
	msg.EditedAt = &now
	if err := o.Store.UpdateMessage(ctx, msg); err != nil {
		return nil, err
	}

	conv, err := o.Store.Conversation(ctx, msg.ConversationID)
	if err == nil {
		o.fanout(core.RoomForConversation(conv), messageUpdated(msg), "")
	}
	return msg, nil
}

// MarkRead zeroes the caller's unread counter and syncs the result to
// the caller's other connections. Idempotent.
func (o *Orchestrator) MarkRead(ctx context.Context, convID domain.ConversationID, caller domain.PrincipalID) (*domain.Participant, error) {
	conv, err := o.Store.Conversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if conv.Participant(caller) == nil {
		return nil, fmt.Errorf("principal %s is not in conversation %s: %w", caller, convID, domain.ErrForbidden)
	}
	p, err := o.Unread.Reset(ctx, convID, caller)
	if err != nil {
		return nil, err
	}
	o.fanoutToPrincipal(caller, unreadState(p))
	return p, nil
}

// EnsureDirect returns the direct conversation between caller and other,
// creating it on first contact. The id is canonical, so concurrent first
// contacts from both sides converge on one conversation.
func (o *Orchestrator) EnsureDirect(ctx context.Context, caller, other domain.PrincipalID) (*domain.Conversation, error) {
	id := domain.DirectConversationID(caller, other)

	unlock := o.Locks.Lock(string(id))
	defer unlock()

	conv, err := o.Store.Conversation(ctx, id)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	conv, err = domain.NewDirectConversation(caller, other, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := o.Store.CreateConversation(ctx, conv); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return o.Store.Conversation(ctx, id)
		}
		return nil, err
	}
	return conv, nil
}

// CreateConversation creates a group or session conversation. Restricted
// to elevated roles; the creator is always included.
func (o *Orchestrator) CreateConversation(ctx context.Context, creator domain.Principal, kind domain.ConversationKind, members []domain.PrincipalID) (*domain.Conversation, error) {
	if !creator.Role.Elevated() {
		return nil, fmt.Errorf("role %s may not create %s conversations: %w", creator.Role, kind, domain.ErrForbidden)
	}
	found := false
	for _, m := range members {
		if m == creator.ID {
			found = true
			break
		}
	}
	if !found {
		members = append(members, creator.ID)
	}
	conv, err := domain.NewConversation(kind, members, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := o.Store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Conversations lists the caller's conversations, most recently touched
// first.
func (o *Orchestrator) Conversations(ctx context.Context, caller domain.PrincipalID) ([]*domain.Conversation, error) {
	return o.Store.ConversationsFor(ctx, caller)
}
