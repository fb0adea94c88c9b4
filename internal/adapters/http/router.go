package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sceneroom/internal/adapters/signal"
	"github.com/dkeye/sceneroom/internal/app"
	"github.com/dkeye/sceneroom/internal/config"
	"github.com/dkeye/sceneroom/internal/core"
	"github.com/dkeye/sceneroom/internal/domain"
)

const (
	sessionName     = "SceneRoomSessions"
	clientTokenKey  = "client_token"
	sessionTokenKey = "ct"
)

// ClientTokenMiddleware gives every browser a stable device token kept in
// the session cookie.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(sessionTokenKey).(string)
		if token == "" {
			token = uuid.NewString()
			session.Set(sessionTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

// HostAuthMiddleware requires a valid host session in the Authorization
// header.
func HostAuthMiddleware(validator core.SessionValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		host, err := validator.ValidateHostSession(c.Request.Context(), token, "")
		if token == "" || err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": domain.ErrAuthentication.Error()})
			return
		}
		c.Set("host", host)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, rooms *app.RoomManager, audit *app.Emitter, validator core.SessionValidator, ctrl *signal.SceneWSController) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")

	api.GET("/scenes", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"scenes": rooms.List(c.Request.Context())})
	})

	api.GET("/scenes/:sceneId", func(c *gin.Context) {
		room, ok := rooms.Get(domain.SceneID(c.Param("sceneId")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not open"})
			return
		}
		info, err := room.Info(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	})

	api.DELETE("/scenes/:sceneId", HostAuthMiddleware(validator), func(c *gin.Context) {
		id := domain.SceneID(c.Param("sceneId"))
		if !rooms.StopRoom(id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not open"})
			return
		}
		log.Info().Str("module", "adapters.http").Str("scene", string(id)).Msg("room evicted")
		c.Status(http.StatusNoContent)
	})

	api.GET("/scenes/:sceneId/history", HostAuthMiddleware(validator), func(c *gin.Context) {
		updates, err := audit.History(c.Request.Context(), domain.SceneID(c.Param("sceneId")))
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("read history")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"updates": updates})
	})

	api.GET("/ws/scenes/:sceneId", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString(clientTokenKey)).Msg("ws scene endpoint hit")
		ctrl.HandleScene(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
