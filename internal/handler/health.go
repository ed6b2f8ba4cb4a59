package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tourbook/auth-service/internal/cache"
	"github.com/tourbook/auth-service/internal/model"
)

const healthCheckTimeout = 2 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

type CacheChecker interface {
	Health(ctx context.Context) error
}

type HealthHandler struct {
	store   Pinger
	cache   CacheChecker
	service string
}

func NewHealthHandler(store Pinger, cache CacheChecker, service string) *HealthHandler {
	return &HealthHandler{store: store, cache: cache, service: service}
}

// Health godoc
// @Summary Service health
// @Description The store is required; a cache outage only degrades the service.
// @Tags health
// @Produce json
// @Success 200 {object} model.HealthResponse
// @Failure 503 {object} model.HealthResponse
// @Router /health [get]
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	res := model.HealthResponse{
		Status:     "healthy",
		Service:    h.service,
		Components: make(map[string]model.ComponentStatus, 2),
	}
	status := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		res.Status = "unhealthy"
		res.Components["database"] = model.ComponentStatus{Status: "down", Message: "unreachable"}
		status = http.StatusServiceUnavailable
	} else {
		res.Components["database"] = model.ComponentStatus{Status: "up"}
	}

	switch err := h.cache.Health(ctx); {
	case errors.Is(err, cache.ErrDisabled):
		res.Components["cache"] = model.ComponentStatus{Status: "disabled"}
	case err != nil:
		res.Components["cache"] = model.ComponentStatus{Status: "down", Message: "falling back to database"}
		if res.Status == "healthy" {
			res.Status = "degraded"
		}
	default:
		res.Components["cache"] = model.ComponentStatus{Status: "up"}
	}

	c.JSON(status, res)
}

// Ping godoc
// @Summary Liveness probe
// @Tags health
// @Produce json
// @Success 200 {object} model.PingResponse
// @Router /ping [get]
func Ping(c *gin.Context) {
	c.JSON(http.StatusOK, model.PingResponse{Message: "pong"})
}
