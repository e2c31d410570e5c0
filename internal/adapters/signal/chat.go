package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lessonlink/realtime/internal/domain"
)

func (ctl *Controller) handleSend(ctx context.Context, p domain.Principal, c *wsSignalConn, data []byte) {
	type sendPayload struct {
		Type           string              `json:"type"`
		ConversationID string              `json:"conversation_id"`
		Content        string              `json:"content"`
		Attachments    []domain.Attachment `json:"attachments,omitempty"`
		ClientKey      string              `json:"client_key,omitempty"`
	}
	var req sendPayload
	if err := json.Unmarshal(data, &req); err != nil {
		ctl.sendErr(c, errBadPayload(err))
		return
	}
	if ctl.SendLimit != nil && !ctl.SendLimit.Allow(p.ID) {
		ctl.sendErr(c, fmt.Errorf("send rate exceeded: %w", domain.ErrTransient))
		return
	}

	msg, err := ctl.Orch.Send(ctx, domain.ConversationID(req.ConversationID), p.ID, req.Content, req.Attachments, req.ClientKey)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conversation", req.ConversationID).Msg("send refused")
		ctl.sendErr(c, err)
		return
	}

	// Direct ack on the request channel; room members (the sender's
	// other connections included) get the same message via fan-out and
	// must drop it if the id is already held.
	ctl.sendJSON(c, struct {
		Type    string          `json:"type"`
		Message *domain.Message `json:"message"`
	}{
		Type:    "message.sent",
		Message: msg,
	})
}

func (ctl *Controller) handleMarkRead(ctx context.Context, p domain.Principal, c *wsSignalConn, data []byte) {
	type markPayload struct {
		Type           string `json:"type"`
		ConversationID string `json:"conversation_id"`
	}
	var req markPayload
	if err := json.Unmarshal(data, &req); err != nil {
		ctl.sendErr(c, errBadPayload(err))
		return
	}
	part, err := ctl.Orch.MarkRead(ctx, domain.ConversationID(req.ConversationID), p.ID)
	if err != nil {
		ctl.sendErr(c, err)
		return
	}
	ctl.sendJSON(c, struct {
		Type        string              `json:"type"`
		Participant *domain.Participant `json:"participant"`
	}{
		Type:        "unread.reset",
		Participant: part,
	})
}
