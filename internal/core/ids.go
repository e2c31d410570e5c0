package core

import (
	"fmt"
	"strings"

	"github.com/lessonlink/realtime/internal/domain"
)

// RoomID names a live fan-out group. Ids are namespaced by conversation
// kind; for direct conversations the namespaced id is derived from the
// canonical conversation id, so either party computes the same room.
type RoomID string

// RoomForConversation maps a conversation to its fan-out room.
func RoomForConversation(conv *domain.Conversation) RoomID {
	return RoomID(fmt.Sprintf("%s:%s", conv.Kind, conv.ID))
}

// ConversationOfRoom recovers the conversation id from a namespaced room
// id. The second return is false for ids outside the conversation
// namespaces.
func ConversationOfRoom(id RoomID) (domain.ConversationID, bool) {
	kind, rest, ok := strings.Cut(string(id), ":")
	if !ok || rest == "" {
		return "", false
	}
	switch domain.ConversationKind(kind) {
	case domain.KindDirect, domain.KindGroup, domain.KindSession:
		return domain.ConversationID(rest), true
	}
	return "", false
}
