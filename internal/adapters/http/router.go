// Package http wires the gin router: session cookie, client token,
// identity resolution, the WS signal endpoint and the REST fallback.
package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lessonlink/realtime/internal/adapters/signal"
	"github.com/lessonlink/realtime/internal/app/orch"
	"github.com/lessonlink/realtime/internal/config"
	"github.com/lessonlink/realtime/internal/core"
)

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// IdentityMiddleware resolves the client token to a Principal and parks
// it on the context. Unresolvable tokens get 401; the transports never
// see an unauthenticated caller.
func IdentityMiddleware(resolver core.IdentityResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := resolver.Resolve(c.Request.Context(), c.GetString("client_token"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown identity"})
			return
		}
		c.Set("principal", p)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, resolver core.IdentityResolver, attach core.AttachmentStore) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("LessonLinkSessions", store))
	r.Use(ClientTokenMiddleware())
	r.Use(IdentityMiddleware(resolver))

	if cfg.AttachmentDir != "" {
		r.Static("/attachments", cfg.AttachmentDir)
	}

	log.Info().Str("module", "adapters.http").Msg("router setup")

	ws := &signal.Controller{
		Orch:       o,
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		SendLimit:  signal.NewRateLimiter(cfg.SendRateLimit, cfg.SendRateWindow),
	}
	r.GET("/api/ws", func(c *gin.Context) {
		ws.Handle(ctx, c)
	})

	rest := &restHandlers{orch: o, attach: attach}
	api := r.Group("/api/v1")
	{
		api.GET("/conversations", rest.listConversations)
		api.POST("/conversations", rest.createConversation)
		api.POST("/conversations/direct", rest.ensureDirect)
		api.GET("/conversations/:id/messages", rest.listMessages)
		api.POST("/conversations/:id/messages", rest.sendMessage)
		api.POST("/conversations/:id/read", rest.markRead)
		api.PATCH("/messages/:id", rest.editMessage)
		api.GET("/unread", rest.unreadCounts)
		api.POST("/meetings", rest.startMeeting)
		api.GET("/meetings/:id", rest.getMeeting)
		api.GET("/meetings/:id/layout", rest.meetingLayout)
		api.POST("/meetings/:id/join", rest.joinMeeting)
		api.POST("/meetings/:id/leave", rest.leaveMeeting)
		api.POST("/meetings/:id/end", rest.endMeeting)
		api.POST("/attachments", rest.uploadAttachment)
	}

	return r
}
