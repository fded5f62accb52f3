package server

import (
	"net/http"
	"time"

	"chatcore/internal/auth"
	"chatcore/internal/config"
	"chatcore/internal/metrics"
	"chatcore/internal/mw"
	"chatcore/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, h *Handler, gw *ws.Gateway) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 控制单个 IP+路由的速率。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))

	authed.POST("/rooms", h.CreateRoom)
	authed.GET("/rooms", h.ListRooms)
	authed.PATCH("/rooms/:id", h.UpdateRoom)
	authed.DELETE("/rooms/:id", h.DeleteRoom)

	authed.POST("/rooms/:id/join", h.JoinRoom)
	authed.POST("/rooms/:id/leave", h.LeaveRoom)
	authed.POST("/rooms/:id/kick", h.KickMember)
	authed.POST("/rooms/:id/role", h.SetRole)
	authed.POST("/rooms/:id/transfer", h.TransferOwnership)
	authed.POST("/rooms/:id/ban", h.BanMember)
	authed.GET("/rooms/:id/members", h.ListMembers)
	authed.GET("/rooms/:id/messages", h.ListMessages)

	r.GET("/ws", gw.Serve())

	return r
}
