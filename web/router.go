// Package web exposes order operations to the chat front-end over HTTP.
package web

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"go-topup/web/controllers"
	"go-topup/web/middleware"
)

type RouterConfig struct {
	JWTSecret    string
	AdminKeyHash string // bcrypt
	CORSOrigins  []string
}

func NewRouter(h *controllers.Handler, limiter *middleware.RateLimiter, cfg RouterConfig, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger), cors.New(corsConfig(cfg.CORSOrigins)))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })

	api := r.Group("/api", limiter.Middleware(), middleware.RequireAuth([]byte(cfg.JWTSecret)))
	api.POST("/orders", h.CreateOrder)
	api.GET("/orders/:id", h.GetOrder)
	api.GET("/orders/:id/qr", h.OrderQR)
	api.GET("/users/:user_id/orders", h.ListUserOrders)
	api.GET("/esims/:iccid/usage", h.Usage)

	admin := r.Group("/admin", middleware.AdminAuth([]byte(cfg.AdminKeyHash)))
	admin.GET("/orphans", h.Orphans)
	admin.GET("/refunds", h.Refunds)
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", "X-Admin-Key")
	cfg.AllowOrigins = nil
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			cfg.AllowOrigins = nil
			return cfg
		}
		cfg.AllowOrigins = append(cfg.AllowOrigins, o)
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
	}
	return cfg
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.String("client", c.ClientIP()),
			zap.Duration("took", time.Since(start)))
	}
}
