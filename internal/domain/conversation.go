package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ConversationID string

type ConversationKind string

const (
	KindDirect  ConversationKind = "direct"
	KindGroup   ConversationKind = "group"
	KindSession ConversationKind = "session"
)

type Conversation struct {
	ID           ConversationID   `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Participants []*Participant   `json:"participants"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Participant is one principal's membership in a conversation. A left
// participant (LeftAt set) never receives fan-out and may not send.
type Participant struct {
	ConversationID ConversationID `json:"conversation_id"`
	PrincipalID    PrincipalID    `json:"principal_id"`
	UnreadCount    int            `json:"unread_count"`
	LastReadAt     *time.Time     `json:"last_read_at,omitempty"`
	JoinedAt       time.Time      `json:"joined_at"`
	LeftAt         *time.Time     `json:"left_at,omitempty"`
}

func (p *Participant) Active() bool { return p.LeftAt == nil }

// idEscaper keeps ':' unambiguous as the joiner: principal ids are
// opaque and may themselves contain ':'.
var idEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// DirectConversationID derives the id for a direct conversation from the
// two participant ids in canonical (sorted) order, so either party
// computes the same id. The ids are escaped before joining, so distinct
// pairs never collide on embedded separators.
func DirectConversationID(a, b PrincipalID) ConversationID {
	if b < a {
		a, b = b, a
	}
	return ConversationID(fmt.Sprintf("%s:%s", idEscaper.Replace(string(a)), idEscaper.Replace(string(b))))
}

// NewDirectConversation builds a two-party conversation with the
// canonical derived id.
func NewDirectConversation(a, b PrincipalID, now time.Time) (*Conversation, error) {
	if a == "" || b == "" || a == b {
		return nil, fmt.Errorf("direct conversation needs two distinct principals: %w", ErrValidation)
	}
	id := DirectConversationID(a, b)
	return &Conversation{
		ID:   id,
		Kind: KindDirect,
		Participants: []*Participant{
			{ConversationID: id, PrincipalID: a, JoinedAt: now},
			{ConversationID: id, PrincipalID: b, JoinedAt: now},
		},
		UpdatedAt: now,
	}, nil
}

// NewConversation builds a group or session conversation.
func NewConversation(kind ConversationKind, members []PrincipalID, now time.Time) (*Conversation, error) {
	if kind == KindDirect {
		return nil, fmt.Errorf("use NewDirectConversation for direct kind: %w", ErrValidation)
	}
	if kind != KindGroup && kind != KindSession {
		return nil, fmt.Errorf("unknown conversation kind %q: %w", kind, ErrValidation)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("conversation needs at least one participant: %w", ErrValidation)
	}
	id := ConversationID(uuid.NewString())
	conv := &Conversation{ID: id, Kind: kind, UpdatedAt: now}
	seen := make(map[PrincipalID]bool, len(members))
	for _, m := range members {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		conv.Participants = append(conv.Participants, &Participant{
			ConversationID: id, PrincipalID: m, JoinedAt: now,
		})
	}
	return conv, nil
}

// Participant returns the membership entry for pid, or nil.
func (c *Conversation) Participant(pid PrincipalID) *Participant {
	for _, p := range c.Participants {
		if p.PrincipalID == pid {
			return p
		}
	}
	return nil
}

// ActiveParticipant returns the entry for pid only when it has not left.
func (c *Conversation) ActiveParticipant(pid PrincipalID) *Participant {
	if p := c.Participant(pid); p != nil && p.Active() {
		return p
	}
	return nil
}
