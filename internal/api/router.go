package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/parking-es/internal/api/middleware"
	"github.com/example/parking-es/internal/auth"
	"github.com/example/parking-es/internal/domain/user"
	"github.com/example/parking-es/internal/logger"
)

// RouterDeps collects what the HTTP surface needs.
type RouterDeps struct {
	Handlers     *Handlers
	AuthHandlers *AuthHandlers
	JWT          *auth.JWTService
	Metrics      http.Handler
	Log          *logger.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(deps.Log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	h, ah := deps.Handlers, deps.AuthHandlers

	// Public
	r.POST("/users", ah.Register)
	r.POST("/auth/login", ah.Login)
	r.POST("/auth/refresh", ah.Refresh)
	r.POST("/auth/logout", ah.Logout)

	authed := r.Group("/", middleware.AuthMiddleware(deps.JWT))
	{
		authed.GET("/users/me", ah.Me)
		authed.PATCH("/users/me", ah.UpdateProfile)

		authed.GET("/slots", h.GetSlots)
		authed.POST("/slots/:id/occupy", h.OccupySlot)
		authed.POST("/slots/:id/release", h.ReleaseSlot)

		authed.POST("/reservations", h.CreateReservation)
		authed.GET("/reservations", h.GetReservations)
		authed.GET("/reservations/:id", h.GetReservation)
		authed.POST("/reservations/:id/status", h.UpdateReservationStatus)

		authed.GET("/activity", h.GetActivity)
	}

	admin := authed.Group("/", middleware.RequireRole(user.RoleAdmin))
	{
		admin.POST("/slots", h.CreateSlot)
		admin.POST("/users/:id/deactivate", ah.Deactivate)
	}

	return r
}
