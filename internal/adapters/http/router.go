package http

import (
	"context"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meshcall/meshcall/internal/adapters/control"
	"github.com/meshcall/meshcall/internal/auth"
	"github.com/meshcall/meshcall/internal/config"
	"github.com/meshcall/meshcall/internal/domain"
)

// ClientTokenMiddleware pins a stable id per rendering client so control
// connections are attributable in logs.
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

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *control.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("MeshcallSessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/control", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("control endpoint hit")
		ctl.HandleControl(ctx, c)
	})

	// Dev convenience: provision a room and mint join tokens for it. Real
	// deployments issue these from the room service that owns invitations.
	if cfg.Mode == "debug" {
		api.POST("/dev/room", func(c *gin.Context) {
			room := domain.NewRoom()
			log.Info().Str("module", "adapters.http").Str("room", string(room.ID)).Str("code", string(room.Code)).Msg("dev room minted")
			c.JSON(200, room)
		})
		api.POST("/dev/token", func(c *gin.Context) {
			var req struct {
				Room string `json:"room" binding:"required"`
				Role string `json:"role"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(400, gin.H{"error": err.Error()})
				return
			}
			role := domain.RoleMember
			if req.Role != "" {
				parsed, err := domain.ParseRole(req.Role)
				if err != nil {
					c.JSON(400, gin.H{"error": err.Error()})
					return
				}
				role = parsed
			}
			token, err := auth.MintRoomToken(cfg.Secret, domain.RoomID(req.Room), role, 24*time.Hour)
			if err != nil {
				c.JSON(500, gin.H{"error": err.Error()})
				return
			}
			c.JSON(200, gin.H{"token": token})
		})
	}

	return r
}
