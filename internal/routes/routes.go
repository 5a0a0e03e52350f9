package routes

import (
	"net/http"

	"taybat_back_end/internal/handlers"
	"taybat_back_end/internal/identity"
	"taybat_back_end/internal/metrics"
	"taybat_back_end/internal/middleware"
	"taybat_back_end/internal/realtime"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type Deps struct {
	Handler   *handlers.Handler
	Hub       *realtime.Hub
	Metrics   *metrics.Metrics
	Identity  identity.Checker
	Redis     redis.UniversalClient // nil : pas de rate limit
	JWTSecret []byte
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	h := d.Handler
	auth := middleware.AuthRequired(d.JWTSecret)

	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware())
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api", middleware.APIRateLimit(d.Redis))
	api.POST("/quotes", h.Quote)

	// Commandes
	ord := api.Group("/orders", auth)
	ord.POST("", middleware.CheckoutRateLimit(d.Redis), h.Checkout)
	ord.GET("/:id", h.GetOrder)
	ord.GET("/:id/history", h.History)
	ord.POST("/:id/cancel", h.Cancel)
	ord.POST("/:id/refunds", middleware.RequireAnyRole(d.Identity, identity.RoleSeller, identity.RoleAdmin), h.Refund)
	ord.GET("/:id/transactions", middleware.RequireAnyRole(d.Identity, identity.RoleAdmin), h.Transactions)

	// Livreurs
	drv := api.Group("/driver", auth, middleware.RequireApprovedDriver(d.Identity))
	drv.POST("/online", h.SetOnline)
	drv.POST("/location", h.UpdateLocation)
	drv.POST("/suggestions/:id/accept", h.AcceptSuggestion)
	drv.POST("/suggestions/:id/reject", h.RejectSuggestion)
	drv.POST("/orders/:id/start", h.StartTrip)
	drv.POST("/orders/:id/complete", h.CompleteTrip)

	// Admin
	adm := api.Group("/admin", auth, middleware.RequireAnyRole(d.Identity, identity.RoleAdmin))
	adm.POST("/orders/:id/assign", h.AdminAssign)
	adm.POST("/orders/:id/cancel", h.AdminCancel)
	adm.POST("/orders/:id/complete", h.AdminComplete)
	adm.GET("/dispatch/manual-queue", h.ManualQueue)

	if d.Hub != nil {
		r.GET("/ws/driver", auth, middleware.RequireApprovedDriver(d.Identity), d.Hub.ServeDriver)
	}
}
