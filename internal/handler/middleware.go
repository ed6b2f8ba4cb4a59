package handler

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tourbook/auth-service/internal/model"
	"github.com/tourbook/auth-service/internal/obs"
	"github.com/tourbook/auth-service/internal/ratelimit"
	"github.com/tourbook/auth-service/internal/service"
	"github.com/tourbook/auth-service/internal/token"
	"go.uber.org/zap"
)

const (
	authClaimsKey  = "auth_claims"
	accessTokenKey = "auth_access_token"
)

// AuthMiddleware accepts a bearer token only if ValidateToken does, so a
// blacklisted token is rejected on every protected route.
func AuthMiddleware(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		raw, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.ErrorResponse{Error: "Access token required"})
			return
		}

		claims, err := authService.ValidateToken(c.Request.Context(), raw)
		if err != nil {
			status, message := authErrorStatus(err)
			c.AbortWithStatusJSON(status, model.ErrorResponse{Error: message})
			return
		}

		c.Set(authClaimsKey, claims)
		c.Set(accessTokenKey, raw)
		c.Next()
	}
}

func GetAuthClaims(c *gin.Context) *token.Claims {
	if value, ok := c.Get(authClaimsKey); ok {
		if claims, ok := value.(*token.Claims); ok {
			return claims
		}
	}
	return nil
}

func GetAccessToken(c *gin.Context) string {
	return c.GetString(accessTokenKey)
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return raw, raw != ""
}

// RateLimitMiddleware throttles by client IP under the given key prefix.
func RateLimitMiddleware(limiter *ratelimit.Limiter, prefix string, metrics *obs.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		retryAfter, err := limiter.Allow(c.Request.Context(), prefix+":"+c.ClientIP())
		if errors.Is(err, ratelimit.ErrRateLimited) {
			metrics.RateLimited()
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, model.ErrorResponse{
				Error: "Too many login attempts, please try again later",
			})
			return
		}
		c.Next()
	}
}

func CORSMiddleware(allowedOrigins []string, allowCredentials bool) gin.HandlerFunc {
	originMap := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		originMap[trimmed] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if _, ok := originMap[origin]; ok {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
				if allowCredentials {
					c.Header("Access-Control-Allow-Credentials", "true")
				}
				c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
				c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RequestLogger replaces gin's default logger with zap.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		log := obs.WithTrace(c.Request.Context(), logger)
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			log.Error("request", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}
