// Package orch composes the registries, the store and the trackers into
// the operations the transport adapters call. All conversation- and
// meeting-scoped transitions go through the keyed lock, so transitions
// for one id are serialized while different ids run in parallel.
package orch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lessonlink/realtime/internal/app"
	"github.com/lessonlink/realtime/internal/core"
	"github.com/lessonlink/realtime/internal/domain"
)

type Orchestrator struct {
	Registry *core.Registry
	Rooms    *core.Rooms
	Store    core.Store
	Unread   *app.UnreadTracker
	Locks    *app.KeyedLock
}

// Bind wires the backpressure path: a member that cannot keep up with
// fan-out is disconnected rather than allowed to reorder delivery.
func (o *Orchestrator) Bind() {
	o.Rooms.SetOnDrop(o.Disconnect)
}

// Connect registers a live transport connection for the principal.
func (o *Orchestrator) Connect(p domain.Principal, sig core.SignalConnection) core.ConnID {
	return o.Registry.Register(p, sig)
}

// Disconnect removes the connection from every joined room and the
// registry. Idempotent: unknown ids are a no-op. When this was the
// principal's last connection, the rooms it sat in are told about the
// presence change.
func (o *Orchestrator) Disconnect(conn core.ConnID) {
	rooms := o.Rooms.DropAll(conn)
	p, ok := o.Registry.Unregister(conn)
	if !ok {
		return
	}
	if o.Registry.Online(p.ID) {
		return
	}
	for _, roomID := range rooms {
		o.fanout(roomID, presenceChanged(p.ID, false), conn)
	}
}

// JoinRoom checks the caller is an active participant of the mirrored
// conversation, then adds the connection. Idempotent. Reconnection goes
// through here so membership is rebuilt from persisted participation,
// never from dropped in-memory state.
func (o *Orchestrator) JoinRoom(ctx context.Context, conn core.ConnID, roomID core.RoomID) error {
	p, ok := o.Registry.PrincipalOf(conn)
	if !ok {
		return fmt.Errorf("unknown connection: %w", domain.ErrForbidden)
	}
	convID, ok := core.ConversationOfRoom(roomID)
	if !ok {
		return fmt.Errorf("room %q: %w", roomID, domain.ErrValidation)
	}
	conv, err := o.Store.Conversation(ctx, convID)
	if err != nil {
		return err
	}
	if conv.ActiveParticipant(p.ID) == nil {
		return fmt.Errorf("principal %s is not in conversation %s: %w", p.ID, convID, domain.ErrForbidden)
	}
	wasOnline := o.roomHasPrincipal(roomID, p.ID)
	o.Rooms.Join(roomID, conn)
	if !wasOnline {
		o.fanout(roomID, presenceChanged(p.ID, true), conn)
	}
	return nil
}

// LeaveRoom drops the connection from the room. Idempotent.
func (o *Orchestrator) LeaveRoom(conn core.ConnID, roomID core.RoomID) {
	o.Rooms.Leave(roomID, conn)
	if p, ok := o.Registry.PrincipalOf(conn); ok && !o.roomHasPrincipal(roomID, p.ID) {
		o.fanout(roomID, presenceChanged(p.ID, false), conn)
	}
}

// fanout broadcasts an event to the room, skipping exclude ("" for none).
// Delivery happens on the room's dispatch goroutine: a completed
// transition reaches the room even if the originating caller is gone.
func (o *Orchestrator) fanout(roomID core.RoomID, event any, exclude core.ConnID) {
	payload, err := marshalEvent(event)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("room", string(roomID)).Msg("marshal event")
		return
	}
	o.Rooms.GetOrCreate(roomID).Broadcast(payload, exclude)
}

// fanoutToPrincipal delivers an event to every live connection of one
// principal (e.g. unread state sync across a user's devices).
func (o *Orchestrator) fanoutToPrincipal(pid domain.PrincipalID, event any) {
	payload, err := marshalEvent(event)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("principal", string(pid)).Msg("marshal event")
		return
	}
	for _, conn := range o.Registry.ConnectionsFor(pid) {
		sig, ok := o.Registry.Signal(conn)
		if !ok {
			continue
		}
		if err := sig.TrySend(payload); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("conn", string(conn)).Msg("direct send failed")
		}
	}
}

func (o *Orchestrator) roomHasPrincipal(roomID core.RoomID, pid domain.PrincipalID) bool {
	for _, member := range o.Rooms.MembersOf(roomID) {
		if p, ok := o.Registry.PrincipalOf(member); ok && p.ID == pid {
			return true
		}
	}
	return false
}
