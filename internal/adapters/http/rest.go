package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/lessonlink/realtime/internal/app/orch"
	"github.com/lessonlink/realtime/internal/core"
	"github.com/lessonlink/realtime/internal/domain"
)

// restHandlers is the REST fallback: the same operations as the WS
// protocol with identical authorization, funneling into the same
// pipeline.
type restHandlers struct {
	orch   *orch.Orchestrator
	attach core.AttachmentStore
}

var validate = validator.New()

func principal(c *gin.Context) domain.Principal {
	v, _ := c.Get("principal")
	p, _ := v.(domain.Principal)
	return p
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(httpStatus(err), gin.H{
		"error":     err.Error(),
		"retryable": !domain.Terminal(err),
	})
}

func (h *restHandlers) listConversations(c *gin.Context) {
	convs, err := h.orch.Conversations(c.Request.Context(), principal(c).ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

type createConversationReq struct {
	Kind    string   `json:"kind" validate:"required,oneof=group session"`
	Members []string `json:"members" validate:"required,min=1,dive,required"`
}

func (h *restHandlers) createConversation(c *gin.Context) {
	var req createConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.Join(err, domain.ErrValidation))
		return
	}
	if err := validate.Struct(req); err != nil {
		fail(c, errors.Join(err, domain.ErrValidation))
		return
	}
	members := lo.Map(req.Members, func(m string, _ int) domain.PrincipalID {
		return domain.PrincipalID(m)
	})
	conv, err := h.orch.CreateConversation(c.Request.Context(), principal(c), domain.ConversationKind(req.Kind), members)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

type ensureDirectReq struct {
	OtherID string `json:"other_id" validate:"required"`
}

func (h *restHandlers) ensureDirect(c *gin.Context) {
	var req ensureDirectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.Join(err, domain.ErrValidation))
		return
	}
	if err := validate.Struct(req); err != nil {
		fail(c, errors.Join(err, domain.ErrValidation))
		return
	}
	conv, err := h.orch.EnsureDirect(c.Request.Context(), principal(c).ID, domain.PrincipalID(req.OtherID))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *restHandlers) listMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	msgs, cursor, err := h.orch.History(
		c.Request.Context(),
		domain.ConversationID(c.Param("id")),
		principal(c).ID,
		c.Query("cursor"),
		limit,
	)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "cursor": cursor})
}

type sendMessageReq struct {
	Content     string              `json:"content"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
	ClientKey   string              `json:"client_key,omitempty"`
}

func (h *restHandlers) sendMessage(c *gin.Context) {
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.Join(err, domain.ErrValidation))
		return
	}
	msg, err := h.orch.Send(
		c.Request.Context(),
		domain.ConversationID(c.Param("id")),
		principal(c).ID,
		req.Content,
		req.Attachments,
		req.ClientKey,
	)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

type editMessageReq struct {
	Content string `json:"content" validate:"required"`
}

func (h *restHandlers) editMessage(c *gin.Context) {
	var req editMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.Join(err, domain.ErrValidation))
		return
	}
	msg, err := h.orch.Edit(c.Request.Context(), domain.MessageID(c.Param("id")), principal(c).ID, req.Content)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *restHandlers) markRead(c *gin.Context) {
	part, err := h.orch.MarkRead(c.Request.Context(), domain.ConversationID(c.Param("id")), principal(c).ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, part)
}

func (h *restHandlers) unreadCounts(c *gin.Context) {
	counts, err := h.orch.Unread.Counts(c.Request.Context(), principal(c).ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": counts})
}

type startMeetingReq struct {
	ConversationID string `json:"conversation_id" validate:"required"`
}

func (h *restHandlers) startMeeting(c *gin.Context) {
	var req startMeetingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.Join(err, domain.ErrValidation))
		return
	}
	if err := validate.Struct(req); err != nil {
		fail(c, errors.Join(err, domain.ErrValidation))
		return
	}
	m, err := h.orch.StartMeeting(c.Request.Context(), domain.ConversationID(req.ConversationID), principal(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (h *restHandlers) getMeeting(c *gin.Context) {
	m, err := h.orch.Meeting(c.Request.Context(), domain.MeetingID(c.Param("id")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *restHandlers) meetingLayout(c *gin.Context) {
	var pinned *domain.PrincipalID
	if pin := c.Query("pin"); pin != "" {
		p := domain.PrincipalID(pin)
		pinned = &p
	}
	layout, err := h.orch.MeetingLayout(c.Request.Context(), domain.MeetingID(c.Param("id")), principal(c).ID, pinned)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, layout)
}

func (h *restHandlers) joinMeeting(c *gin.Context) {
	m, err := h.orch.JoinMeeting(c.Request.Context(), domain.MeetingID(c.Param("id")), principal(c).ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *restHandlers) leaveMeeting(c *gin.Context) {
	m, err := h.orch.LeaveMeeting(c.Request.Context(), domain.MeetingID(c.Param("id")), principal(c).ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *restHandlers) endMeeting(c *gin.Context) {
	m, err := h.orch.EndMeeting(c.Request.Context(), domain.MeetingID(c.Param("id")), principal(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *restHandlers) uploadAttachment(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		fail(c, errors.Join(err, domain.ErrValidation))
		return
	}
	f, err := file.Open()
	if err != nil {
		fail(c, errors.Join(err, domain.ErrTransient))
		return
	}
	defer f.Close()
	att, err := h.attach.Upload(c.Request.Context(), file.Filename, f)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Str("file", file.Filename).Msg("upload failed")
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, att)
}
