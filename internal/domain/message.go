package domain

import (
	"strings"
	"time"
)

type MessageID string

// Attachment is an opaque reference produced by the attachment store.
type Attachment struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Message is immutable once persisted, except for EditedAt.
// ClientKey is a caller-supplied idempotency token: it is echoed back
// verbatim so senders can reconcile optimistic local copies, and the
// pipeline uses it to absorb naive retries of the same send.
type Message struct {
	ID             MessageID      `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	SenderID       PrincipalID    `json:"sender_id"`
	Content        string         `json:"content"`
	SentAt         time.Time      `json:"sent_at"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	EditedAt       *time.Time     `json:"edited_at,omitempty"`
	ClientKey      string         `json:"client_key,omitempty"`
}

// ValidContent reports whether content (after trimming) plus attachments
// amount to a sendable message.
func ValidContent(content string, attachments []Attachment) bool {
	return strings.TrimSpace(content) != "" || len(attachments) > 0
}
