package orch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lessonlink/realtime/internal/core"
	"github.com/lessonlink/realtime/internal/domain"
)

// meetingLockKey serializes all transitions of one conversation's
// meetings. Start must observe Join/End of the same conversation, so the
// lock is keyed by conversation, not meeting.
func meetingLockKey(conv domain.ConversationID) string {
	return "meeting:" + string(conv)
}

// StartMeeting creates a new Active meeting with the host as the sole
// roster entry. Only from NoMeeting: a second concurrent start gets
// Conflict. Group and session conversations require an elevated role.
func (o *Orchestrator) StartMeeting(ctx context.Context, convID domain.ConversationID, host domain.Principal) (*domain.MeetingSession, error) {
	unlock := o.Locks.Lock(meetingLockKey(convID))

	conv, err := o.Store.Conversation(ctx, convID)
	if err != nil {
		unlock()
		return nil, err
	}
	if conv.ActiveParticipant(host.ID) == nil {
		unlock()
		return nil, fmt.Errorf("host %s is not in conversation %s: %w", host.ID, convID, domain.ErrForbidden)
	}
	if conv.Kind != domain.KindDirect && !host.Role.Elevated() {
		unlock()
		return nil, fmt.Errorf("role %s may not start a %s meeting: %w", host.Role, conv.Kind, domain.ErrForbidden)
	}
	if _, err := o.Store.ActiveMeeting(ctx, convID); err == nil {
		unlock()
		return nil, fmt.Errorf("conversation %s already has an active meeting: %w", convID, domain.ErrConflict)
	} else if !errors.Is(err, domain.ErrNotFound) {
		unlock()
		return nil, err
	}

	now := time.Now().UTC()
	m := &domain.MeetingSession{
		ID:             domain.MeetingID(uuid.NewString()),
		ConversationID: convID,
		Status:         domain.MeetingActive,
		StartedBy:      host.ID,
		StartedAt:      now,
		Roster: []*domain.MeetingParticipant{
			{PrincipalID: host.ID, JoinedAt: now, AudioEnabled: true, VideoEnabled: true, Seq: 1},
		},
		NextSeq: 2,
	}
	if err := o.Store.CreateMeeting(ctx, m); err != nil {
		unlock()
		return nil, err
	}

	log.Info().Str("module", "orch").Str("meeting", string(m.ID)).Str("conversation", string(convID)).Msg("meeting started")
	// Roster broadcasts enqueue under the meeting lock so room order
	// matches transition order.
	o.fanout(core.RoomForConversation(conv), rosterChanged(m), "")
	unlock()
	return m, nil
}

// JoinMeeting adds or refreshes the caller's roster entry while the
// meeting is Active. Idempotent: a rejoin refreshes JoinedAt, clears
// LeftAt and keeps the original join sequence.
func (o *Orchestrator) JoinMeeting(ctx context.Context, meetingID domain.MeetingID, caller domain.PrincipalID) (*domain.MeetingSession, error) {
	m, conv, unlock, err := o.lockMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}

	if m.Status != domain.MeetingActive {
		unlock()
		return nil, fmt.Errorf("meeting %s has ended: %w", meetingID, domain.ErrConflict)
	}
	if conv.ActiveParticipant(caller) == nil {
		unlock()
		return nil, fmt.Errorf("principal %s is not in conversation %s: %w", caller, conv.ID, domain.ErrForbidden)
	}

	now := time.Now().UTC()
	if e := m.Entry(caller); e != nil {
		e.JoinedAt = now
		e.LeftAt = nil
	} else {
		m.Roster = append(m.Roster, &domain.MeetingParticipant{
			PrincipalID:  caller,
			JoinedAt:     now,
			AudioEnabled: true,
			VideoEnabled: true,
			Seq:          m.NextSeq,
		})
		m.NextSeq++
	}
	if err := o.Store.UpdateMeeting(ctx, m); err != nil {
		unlock()
		return nil, err
	}
	o.fanout(core.RoomForConversation(conv), rosterChanged(m), "")
	unlock()
	return m, nil
}

// LeaveMeeting stamps LeftAt on the caller's entry only. The meeting
// stays Active even when the roster empties out; only an explicit end
// terminates it.
func (o *Orchestrator) LeaveMeeting(ctx context.Context, meetingID domain.MeetingID, caller domain.PrincipalID) (*domain.MeetingSession, error) {
	m, conv, unlock, err := o.lockMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}

	e := m.Entry(caller)
	if e == nil {
		unlock()
		return nil, fmt.Errorf("principal %s never joined meeting %s: %w", caller, meetingID, domain.ErrNotFound)
	}
	if e.LeftAt == nil {
		now := time.Now().UTC()
		e.LeftAt = &now
		e.SharingScreen = false
		if err := o.Store.UpdateMeeting(ctx, m); err != nil {
			unlock()
			return nil, err
		}
	}
	o.fanout(core.RoomForConversation(conv), rosterChanged(m), "")
	unlock()
	return m, nil
}

// EndMeeting transitions Active→Ended, stamping EndedAt and closing
// every open roster entry. Restricted to the original host or an admin.
func (o *Orchestrator) EndMeeting(ctx context.Context, meetingID domain.MeetingID, caller domain.Principal) (*domain.MeetingSession, error) {
	m, conv, unlock, err := o.lockMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}

	if m.Status != domain.MeetingActive {
		unlock()
		return nil, fmt.Errorf("meeting %s is not active: %w", meetingID, domain.ErrConflict)
	}
	if caller.ID != m.StartedBy && caller.Role != domain.RoleAdmin {
		unlock()
		return nil, fmt.Errorf("only the host or an admin may end the meeting: %w", domain.ErrForbidden)
	}

	now := time.Now().UTC()
	m.Status = domain.MeetingEnded
	m.EndedAt = &now
	for _, e := range m.Roster {
		if e.LeftAt == nil {
			t := now
			e.LeftAt = &t
		}
		e.SharingScreen = false
	}
	if err := o.Store.UpdateMeeting(ctx, m); err != nil {
		unlock()
		return nil, err
	}

	log.Info().Str("module", "orch").Str("meeting", string(meetingID)).Msg("meeting ended")
	o.fanout(core.RoomForConversation(conv), rosterChanged(m), "")
	unlock()
	return m, nil
}

// UpdateMedia toggles a present participant's published-stream flags and
// rebroadcasts the roster, which feeds stream arbitration on clients.
func (o *Orchestrator) UpdateMedia(ctx context.Context, meetingID domain.MeetingID, caller domain.PrincipalID, audio, video, screen bool) (*domain.MeetingSession, error) {
	m, conv, unlock, err := o.lockMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}

	if m.Status != domain.MeetingActive {
		unlock()
		return nil, fmt.Errorf("meeting %s has ended: %w", meetingID, domain.ErrConflict)
	}
	e := m.Entry(caller)
	if e == nil || !e.Present() {
		unlock()
		return nil, fmt.Errorf("principal %s is not in meeting %s: %w", caller, meetingID, domain.ErrForbidden)
	}
	e.AudioEnabled = audio
	e.VideoEnabled = video
	e.SharingScreen = screen
	if err := o.Store.UpdateMeeting(ctx, m); err != nil {
		unlock()
		return nil, err
	}
	o.fanout(core.RoomForConversation(conv), rosterChanged(m), "")
	unlock()
	return m, nil
}

// RelaySignal forwards an opaque signaling payload (offer, answer, ICE
// candidate) to every connection of one meeting peer. The core never
// inspects media; peers exchange it directly.
func (o *Orchestrator) RelaySignal(ctx context.Context, meetingID domain.MeetingID, from, target domain.PrincipalID, payload core.Frame) error {
	m, err := o.Store.Meeting(ctx, meetingID)
	if err != nil {
		return err
	}
	if m.Status != domain.MeetingActive {
		return fmt.Errorf("meeting %s has ended: %w", meetingID, domain.ErrConflict)
	}
	src := m.Entry(from)
	dst := m.Entry(target)
	if src == nil || !src.Present() || dst == nil || !dst.Present() {
		return fmt.Errorf("both peers must be present in meeting %s: %w", meetingID, domain.ErrForbidden)
	}
	for _, conn := range o.Registry.ConnectionsFor(target) {
		sig, ok := o.Registry.Signal(conn)
		if !ok {
			continue
		}
		if err := sig.TrySend(payload); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("conn", string(conn)).Msg("signal relay send failed")
		}
	}
	return nil
}

// Meeting returns the session by id.
func (o *Orchestrator) Meeting(ctx context.Context, id domain.MeetingID) (*domain.MeetingSession, error) {
	return o.Store.Meeting(ctx, id)
}

// MeetingLayout arbitrates the published-stream set from the caller's
// point of view. Thin clients ask the server instead of running the
// selection themselves; both paths compute the same layout for the same
// roster and pin.
func (o *Orchestrator) MeetingLayout(ctx context.Context, meetingID domain.MeetingID, caller domain.PrincipalID, pinned *domain.PrincipalID) (core.Layout, error) {
	m, err := o.Store.Meeting(ctx, meetingID)
	if err != nil {
		return core.Layout{}, err
	}
	if m.Entry(caller) == nil {
		return core.Layout{}, fmt.Errorf("principal %s never joined meeting %s: %w", caller, meetingID, domain.ErrForbidden)
	}
	return core.Arbitrate(core.StreamsOf(m), caller, pinned), nil
}

// lockMeeting resolves the meeting, takes its conversation's meeting
// lock and re-reads under the lock, returning meeting, conversation and
// the release func.
func (o *Orchestrator) lockMeeting(ctx context.Context, id domain.MeetingID) (*domain.MeetingSession, *domain.Conversation, func(), error) {
	m, err := o.Store.Meeting(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	unlock := o.Locks.Lock(meetingLockKey(m.ConversationID))
	m, err = o.Store.Meeting(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, nil, err
	}
	conv, err := o.Store.Conversation(ctx, m.ConversationID)
	if err != nil {
		unlock()
		return nil, nil, nil, err
	}
	return m, conv, unlock, nil
}
