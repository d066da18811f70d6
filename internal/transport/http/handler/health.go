package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Check probes one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

type HealthHandler struct {
	app       string
	env       string
	startedAt time.Time
	checks    map[string]Check
}

type dependencyStatus struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func NewHealthHandler(app, env string, startedAt time.Time, checks map[string]Check) *HealthHandler {
	return &HealthHandler{app: app, env: env, startedAt: startedAt, checks: checks}
}

func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	allOK := true
	deps := make(gin.H, len(h.checks))
	for name, check := range h.checks {
		status := dependencyStatus{OK: true}
		if err := check(ctx); err != nil {
			status = dependencyStatus{OK: false, Message: err.Error()}
			allOK = false
		}
		deps[name] = status
	}

	statusCode := http.StatusOK
	if !allOK {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"app":          h.app,
		"env":          h.env,
		"uptime_sec":   int(time.Since(h.startedAt).Seconds()),
		"dependencies": deps,
	})
}
