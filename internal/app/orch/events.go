package orch

import (
	"encoding/json"
	"time"

	"github.com/lessonlink/realtime/internal/domain"
)

// Server-pushed event names on the room-scoped transport.
const (
	EventMessageDelivered = "message.delivered"
	EventMessageUpdated   = "message.updated"
	EventRosterChanged    = "meeting.rosterChanged"
	EventPresenceChanged  = "presence.changed"
	EventUnreadState      = "unread.state"
)

type MessageDeliveredEvent struct {
	Type    string          `json:"type"`
	Message *domain.Message `json:"message"`
}

type RosterChangedEvent struct {
	Type    string                 `json:"type"`
	Meeting *domain.MeetingSession `json:"meeting"`
}

type PresenceChangedEvent struct {
	Type      string             `json:"type"`
	Principal domain.PrincipalID `json:"principal"`
	Online    bool               `json:"online"`
}

// UnreadStateEvent syncs a mark-read across the principal's own
// connections, so a second device does not keep a stale badge.
type UnreadStateEvent struct {
	Type           string                `json:"type"`
	ConversationID domain.ConversationID `json:"conversation_id"`
	UnreadCount    int                   `json:"unread_count"`
	LastReadAt     *time.Time            `json:"last_read_at,omitempty"`
}

func messageDelivered(msg *domain.Message) MessageDeliveredEvent {
	return MessageDeliveredEvent{Type: EventMessageDelivered, Message: msg}
}

// messageUpdated reuses the delivered envelope under its own type:
// clients drop a delivered frame whose id they already hold, so an edit
// must not travel as message.delivered.
func messageUpdated(msg *domain.Message) MessageDeliveredEvent {
	return MessageDeliveredEvent{Type: EventMessageUpdated, Message: msg}
}

func rosterChanged(m *domain.MeetingSession) RosterChangedEvent {
	return RosterChangedEvent{Type: EventRosterChanged, Meeting: m}
}

func presenceChanged(pid domain.PrincipalID, online bool) PresenceChangedEvent {
	return PresenceChangedEvent{Type: EventPresenceChanged, Principal: pid, Online: online}
}

func unreadState(p *domain.Participant) UnreadStateEvent {
	return UnreadStateEvent{
		Type:           EventUnreadState,
		ConversationID: p.ConversationID,
		UnreadCount:    p.UnreadCount,
		LastReadAt:     p.LastReadAt,
	}
}

func marshalEvent(v any) ([]byte, error) { return json.Marshal(v) }
