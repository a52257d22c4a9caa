package http

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/arvoki/camlink/internal/config"
	"github.com/arvoki/camlink/internal/domain"
	"github.com/arvoki/camlink/internal/relay"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// DeviceTokenMiddleware assigns a stable device identity to clients
// that do not present one, persisted in the cookie session.
func DeviceTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		device := c.Query("device")
		if device == "" {
			sess := sessions.Default(c)
			if v, ok := sess.Get("device").(string); ok && v != "" {
				device = v
			} else {
				device = uuid.NewString()
				sess.Set("device", device)
				if err := sess.Save(); err != nil {
					log.Warn().Err(err).Str("module", "adapters.http").Msg("saving device session")
				}
			}
		}
		c.Set("device", device)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, hub *relay.Hub, limiter *relay.JoinLimiter) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CamlinkSessions", store))
	r.Use(DeviceTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "topics": hub.TopicCount()})
	})

	api := r.Group("/api")

	api.GET("/ws/:session", func(c *gin.Context) {
		sessionID := c.Param("session")
		deviceStr := c.GetString("device")
		device, err := domain.NewDeviceID(deviceStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !limiter.Allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "join rate exceeded"})
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("websocket upgrade failed")
			return
		}
		log.Info().
			Str("module", "adapters.http").
			Str("session", sessionID).
			Str("device", string(device)).
			Msg("ws join")
		hub.Join(sessionID, device, conn)
	})

	return r
}
