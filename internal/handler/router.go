package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tourbook/auth-service/internal/obs"
	"github.com/tourbook/auth-service/internal/ratelimit"
	"github.com/tourbook/auth-service/internal/service"
	"go.uber.org/zap"
)

// RouterDeps holds everything NewRouter mounts. Forwarded client addresses are
// honoured only from TrustedProxies; when it is empty the socket address is
// the client IP.
type RouterDeps struct {
	Auth           *service.AuthService
	AuthHandler    *AuthHandler
	Health         *HealthHandler
	Limiter        *ratelimit.Limiter
	Metrics        *obs.Metrics
	MetricsHTTP    http.Handler
	Logger         *zap.Logger
	CORSOrigins    []string
	TrustedProxies []string
}

func NewRouter(d RouterDeps) *gin.Engine {
	router := gin.New()
	if err := router.SetTrustedProxies(d.TrustedProxies); err != nil {
		d.Logger.Error("invalid trusted proxies, ignoring forwarded headers", zap.Error(err))
		_ = router.SetTrustedProxies(nil)
	}
	router.Use(gin.Recovery(), RequestLogger(d.Logger), CORSMiddleware(d.CORSOrigins, true))

	router.GET("/ping", Ping)
	router.GET("/health", d.Health.Health)
	router.GET("/openapi.json", OpenAPIDoc)
	if d.MetricsHTTP != nil {
		router.GET("/metrics", gin.WrapH(d.MetricsHTTP))
	}

	auth := router.Group("/auth")
	auth.POST("/register", d.AuthHandler.Register)
	auth.POST("/login", RateLimitMiddleware(d.Limiter, "login", d.Metrics), d.AuthHandler.Login)
	auth.POST("/refresh", d.AuthHandler.Refresh)
	auth.GET("/validate", d.AuthHandler.Validate)
	auth.GET("/public-key", d.AuthHandler.PublicKey)

	protected := auth.Group("")
	protected.Use(AuthMiddleware(d.Auth))
	protected.GET("/me", d.AuthHandler.Me)
	protected.POST("/logout", d.AuthHandler.Logout)

	return router
}
