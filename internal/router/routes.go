package router

import (
	"net/http"

	"deposit-engine/internal/handlers"
	"deposit-engine/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupEngineRoutes registers the websocket, session and admin routes
func SetupEngineRoutes(r *gin.Engine, h Handlers, localhostOnly *middleware.LocalhostOnly, logger *logrus.Logger) {
	api := r.Group("/api")

	// ============ WebSocket ============
	// token travels in the query string or an Authorization header; the handler validates it
	api.GET("/ws", gin.WrapH(http.HandlerFunc(h.WebSocket.HandleWebSocket)))
	r.GET("/ws", gin.WrapH(http.HandlerFunc(h.WebSocket.HandleWebSocket)))

	authMiddleware := middleware.NewAuthMiddleware(logger)
	api.GET("/session", authMiddleware.RequireAuth(), handlers.SessionInfoHandler)

	// ============ Admin Authentication (localhost / whitelist) ============
	adminAuth := api.Group("/admin/auth")
	adminAuth.Use(localhostOnly.Restrict())
	{
		adminAuth.POST("/login", h.AdminAuth.AdminLoginHandler)
	}

	// ============ Admin (whitelist + admin JWT) ============
	adminAuthMiddleware := middleware.NewAdminAuthMiddleware(logger)
	admin := api.Group("/admin")
	admin.Use(localhostOnly.Restrict(), adminAuthMiddleware.RequireAdminAuth())
	{
		admin.POST("/custodial/unlock", h.AdminPool.UnlockAddressHandler)
		admin.GET("/custodial/addresses", h.AdminPool.ListAddressesHandler)
		admin.POST("/custodial/addresses", h.AdminPool.RegisterAddressHandler)

		admin.GET("/pending", h.AdminEngine.ListPendingHandler)
		admin.POST("/reconcile", h.AdminEngine.ReconcileHandler)
		admin.GET("/sessions", h.AdminEngine.ListSessionsHandler)
	}
}
