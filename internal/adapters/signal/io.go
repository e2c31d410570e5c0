package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lessonlink/realtime/internal/core"
	"github.com/lessonlink/realtime/internal/domain"
)

const writeWait = 5 * time.Second

func (ctl *Controller) writePump(ctx context.Context, c *wsSignalConn) {
	ping := time.NewTicker(ctl.pingPeriod())
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, connID core.ConnID, p domain.Principal, c *wsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(connID)).Msg("readPump closing")
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("conn", string(connID)).Msg("readPump read error")
				return
			}
			ctl.handleEvent(ctx, connID, p, c, data)
		}
	}
}

func (ctl *Controller) handleEvent(ctx context.Context, connID core.ConnID, p domain.Principal, c *wsSignalConn, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendErr(c, errBadPayload(err))
		return
	}

	switch env.Type {
	case "room.join":
		ctl.handleRoomJoin(ctx, connID, c, data)
	case "room.leave":
		ctl.handleRoomLeave(connID, c, data)
	case "message.send":
		ctl.handleSend(ctx, p, c, data)
	case "unread.markRead":
		ctl.handleMarkRead(ctx, p, c, data)
	case "meeting.start":
		ctl.handleMeetingStart(ctx, p, c, data)
	case "meeting.join":
		ctl.handleMeetingJoin(ctx, p, c, data)
	case "meeting.leave":
		ctl.handleMeetingLeave(ctx, p, c, data)
	case "meeting.end":
		ctl.handleMeetingEnd(ctx, p, c, data)
	case "meeting.media":
		ctl.handleMeetingMedia(ctx, p, c, data)
	case "meeting.signal":
		ctl.handleMeetingSignal(ctx, p, c, data)
	case "ping":
		ctl.sendJSON(c, map[string]any{"type": "pong"})
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown event")
		ctl.sendErr(c, fmt.Errorf("unknown event %q: %w", env.Type, domain.ErrValidation))
	}
}

func (ctl *Controller) sendJSON(c *wsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *Controller) pingPeriod() time.Duration {
	if ctl.PingPeriod > 0 {
		return ctl.PingPeriod
	}
	return 54 * time.Second
}
