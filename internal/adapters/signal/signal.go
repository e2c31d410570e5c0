// Package signal is the WebSocket transport adapter: it upgrades the
// connection, registers it with the core, and translates the JSON
// type-envelope protocol into orchestrator calls.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lessonlink/realtime/internal/app/orch"
	"github.com/lessonlink/realtime/internal/core"
	"github.com/lessonlink/realtime/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

type Controller struct {
	Orch       *orch.Orchestrator
	ReadLimit  int64
	PingPeriod time.Duration
	SendLimit  *RateLimiter
}

// wsSignalConn adapts one websocket to core.SignalConnection. Outbound
// frames go through a buffered channel drained by the write pump; a full
// buffer fails TrySend so the room can drop the slow member instead of
// stalling fan-out.
type wsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the request and runs the connection until it drops.
// The resolved principal is expected on the gin context (identity
// middleware). The registry entry lives exactly as long as the pumps.
func (ctl *Controller) Handle(ctx context.Context, c *gin.Context) {
	p, ok := principalFrom(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &wsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 64),
	}
	connID := ctl.Orch.Connect(p, conn)
	log.Info().Str("module", "signal").Str("conn", string(connID)).Str("principal", string(p.ID)).Msg("new WS connection")

	ctl.sendJSON(conn, struct {
		Type         string `json:"type"`
		ConnectionID string `json:"connection_id"`
		Principal    string `json:"principal"`
	}{
		Type:         "connection.established",
		ConnectionID: string(connID),
		Principal:    string(p.ID),
	})

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, connID, p, conn)
		// A dropped connection never rolls back completed transitions;
		// it only vacates rooms and presence.
		ctl.Orch.Disconnect(connID)
	}()
}

func principalFrom(c *gin.Context) (domain.Principal, bool) {
	v, ok := c.Get("principal")
	if !ok {
		return domain.Principal{}, false
	}
	p, ok := v.(domain.Principal)
	return p, ok
}
