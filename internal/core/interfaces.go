package core

import (
	"context"
	"io"
	"time"

	"github.com/lessonlink/realtime/internal/domain"
)

// Frame is a marshaled event payload headed for a transport connection.
type Frame []byte

// ConnID identifies one live transport connection. A principal may hold
// several at once; all of them receive identical fan-out.
type ConnID string

// SignalConnection abstracts a system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Store is the durable persistence collaborator. Implementations return
// the domain error taxonomy: domain.ErrNotFound for absent records,
// domain.ErrConflict for uniqueness violations, and wrap everything else
// in domain.ErrTransient.
type Store interface {
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	Conversation(ctx context.Context, id domain.ConversationID) (*domain.Conversation, error)
	ConversationsFor(ctx context.Context, pid domain.PrincipalID) ([]*domain.Conversation, error)
	TouchConversation(ctx context.Context, id domain.ConversationID, at time.Time) error

	// AppendMessage assigns the canonical id and server timestamp,
	// persists, and returns the stored message.
	AppendMessage(ctx context.Context, msg *domain.Message) (*domain.Message, error)
	Message(ctx context.Context, id domain.MessageID) (*domain.Message, error)
	UpdateMessage(ctx context.Context, msg *domain.Message) error
	// MessageByClientKey looks up a recently appended message by its
	// idempotency token; domain.ErrNotFound when no send carried it.
	MessageByClientKey(ctx context.Context, conv domain.ConversationID, sender domain.PrincipalID, key string) (*domain.Message, error)
	// Messages pages newest-first. An empty cursor starts at the latest
	// message; the returned cursor resumes the scan, empty when drained.
	Messages(ctx context.Context, conv domain.ConversationID, cursor string, limit int) ([]*domain.Message, string, error)

	IncrementUnread(ctx context.Context, conv domain.ConversationID, exclude domain.PrincipalID) error
	ResetUnread(ctx context.Context, conv domain.ConversationID, pid domain.PrincipalID, at time.Time) (*domain.Participant, error)
	UnreadCounts(ctx context.Context, pid domain.PrincipalID) (map[domain.ConversationID]int, error)

	CreateMeeting(ctx context.Context, m *domain.MeetingSession) error
	Meeting(ctx context.Context, id domain.MeetingID) (*domain.MeetingSession, error)
	// ActiveMeeting returns domain.ErrNotFound when the conversation has
	// no active session.
	ActiveMeeting(ctx context.Context, conv domain.ConversationID) (*domain.MeetingSession, error)
	UpdateMeeting(ctx context.Context, m *domain.MeetingSession) error

	Close() error
}

// AttachmentStore uploads raw files and hands back opaque refs.
type AttachmentStore interface {
	Upload(ctx context.Context, name string, r io.Reader) (domain.Attachment, error)
}

// IdentityResolver maps a transport token to a Principal plus role.
// The production resolver lives outside this module.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (domain.Principal, error)
}
