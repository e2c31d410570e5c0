package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/lessonlink/realtime/internal/core"
	"github.com/lessonlink/realtime/internal/domain"
)

type meetingAck struct {
	Type    string                 `json:"type"`
	Meeting *domain.MeetingSession `json:"meeting"`
}

func (ctl *Controller) handleMeetingStart(ctx context.Context, p domain.Principal, c *wsSignalConn, data []byte) {
	type startPayload struct {
		Type           string `json:"type"`
		ConversationID string `json:"conversation_id"`
	}
	var req startPayload
	if err := json.Unmarshal(data, &req); err != nil {
		ctl.sendErr(c, errBadPayload(err))
		return
	}
	m, err := ctl.Orch.StartMeeting(ctx, domain.ConversationID(req.ConversationID), p)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conversation", req.ConversationID).Msg("meeting start refused")
		ctl.sendErr(c, err)
		return
	}
	ctl.sendJSON(c, meetingAck{Type: "meeting.started", Meeting: m})
}

type meetingPayload struct {
	Type      string `json:"type"`
	MeetingID string `json:"meeting_id"`
}

func (ctl *Controller) handleMeetingJoin(ctx context.Context, p domain.Principal, c *wsSignalConn, data []byte) {
	var req meetingPayload
	if err := json.Unmarshal(data, &req); err != nil {
		ctl.sendErr(c, errBadPayload(err))
		return
	}
	m, err := ctl.Orch.JoinMeeting(ctx, domain.MeetingID(req.MeetingID), p.ID)
	if err != nil {
		ctl.sendErr(c, err)
		return
	}
	ctl.sendJSON(c, meetingAck{Type: "meeting.joined", Meeting: m})
}

func (ctl *Controller) handleMeetingLeave(ctx context.Context, p domain.Principal, c *wsSignalConn, data []byte) {
	var req meetingPayload
	if err := json.Unmarshal(data, &req); err != nil {
		ctl.sendErr(c, errBadPayload(err))
		return
	}
	m, err := ctl.Orch.LeaveMeeting(ctx, domain.MeetingID(req.MeetingID), p.ID)
	if err != nil {
		ctl.sendErr(c, err)
		return
	}
	ctl.sendJSON(c, meetingAck{Type: "meeting.left", Meeting: m})
}

func (ctl *Controller) handleMeetingEnd(ctx context.Context, p domain.Principal, c *wsSignalConn, data []byte) {
	var req meetingPayload
	if err := json.Unmarshal(data, &req); err != nil {
		ctl.sendErr(c, errBadPayload(err))
		return
	}
	m, err := ctl.Orch.EndMeeting(ctx, domain.MeetingID(req.MeetingID), p)
	if err != nil {
		ctl.sendErr(c, err)
		return
	}
	ctl.sendJSON(c, meetingAck{Type: "meeting.ended", Meeting: m})
}

func (ctl *Controller) handleMeetingMedia(ctx context.Context, p domain.Principal, c *wsSignalConn, data []byte) {
	type mediaPayload struct {
		Type      string `json:"type"`
		MeetingID string `json:"meeting_id"`
		Audio     bool   `json:"audio"`
		Video     bool   `json:"video"`
		Screen    bool   `json:"screen"`
	}
	var req mediaPayload
	if err := json.Unmarshal(data, &req); err != nil {
		ctl.sendErr(c, errBadPayload(err))
		return
	}
	m, err := ctl.Orch.UpdateMedia(ctx, domain.MeetingID(req.MeetingID), p.ID, req.Audio, req.Video, req.Screen)
	if err != nil {
		ctl.sendErr(c, err)
		return
	}
	ctl.sendJSON(c, meetingAck{Type: "meeting.media", Meeting: m})
}

// meetingSignal carries the peer-to-peer WebRTC handshake. The server
// only relays: the SDP and candidates are typed for validation but never
// interpreted, and no media flows through here.
type meetingSignal struct {
	Type      string                     `json:"type"`
	MeetingID string                     `json:"meeting_id"`
	From      domain.PrincipalID         `json:"from"`
	Target    domain.PrincipalID         `json:"target"`
	Kind      string                     `json:"kind"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

func (ctl *Controller) handleMeetingSignal(ctx context.Context, p domain.Principal, c *wsSignalConn, data []byte) {
	var req meetingSignal
	if err := json.Unmarshal(data, &req); err != nil {
		ctl.sendErr(c, errBadPayload(err))
		return
	}
	switch req.Kind {
	case "offer", "answer":
		if req.SDP == nil {
			ctl.sendErr(c, fmt.Errorf("%s without sdp: %w", req.Kind, domain.ErrValidation))
			return
		}
	case "candidate":
		if req.Candidate == nil {
			ctl.sendErr(c, fmt.Errorf("candidate without payload: %w", domain.ErrValidation))
			return
		}
	default:
		ctl.sendErr(c, fmt.Errorf("unknown signal kind %q: %w", req.Kind, domain.ErrValidation))
		return
	}

	req.From = p.ID
	payload, err := json.Marshal(req)
	if err != nil {
		ctl.sendErr(c, fmt.Errorf("marshal signal: %w", domain.ErrTransient))
		return
	}
	if err := ctl.Orch.RelaySignal(ctx, domain.MeetingID(req.MeetingID), p.ID, req.Target, core.Frame(payload)); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("meeting", req.MeetingID).Msg("signal relay refused")
		ctl.sendErr(c, err)
	}
}
