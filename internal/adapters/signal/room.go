package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/lessonlink/realtime/internal/core"
)

type roomPayload struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

func (ctl *Controller) handleRoomJoin(ctx context.Context, connID core.ConnID, c *wsSignalConn, data []byte) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendErr(c, errBadPayload(err))
		return
	}
	roomID := core.RoomID(p.Room)
	if err := ctl.Orch.JoinRoom(ctx, connID, roomID); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("room", p.Room).Msg("room join refused")
		ctl.sendErr(c, err)
		return
	}
	ctl.sendJSON(c, struct {
		Type  string `json:"type"`
		Room  string `json:"room"`
		Count int    `json:"count"`
	}{
		Type:  "room.joined",
		Room:  p.Room,
		Count: len(ctl.Orch.Rooms.MembersOf(roomID)),
	})
}

func (ctl *Controller) handleRoomLeave(connID core.ConnID, c *wsSignalConn, data []byte) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendErr(c, errBadPayload(err))
		return
	}
	ctl.Orch.LeaveRoom(connID, core.RoomID(p.Room))
	ctl.sendJSON(c, struct {
		Type string `json:"type"`
		Room string `json:"room"`
	}{
		Type: "room.left",
		Room: p.Room,
	})
}
