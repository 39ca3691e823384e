package handler

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/erp/marketsync/internal/interfaces/http/dto"
)

// Probe checks one dependency
type Probe func(ctx context.Context) error

const probeTimeout = 2 * time.Second

// SystemHandler handles liveness and readiness endpoints
type SystemHandler struct {
	BaseHandler
	name      string
	version   string
	startTime time.Time
	probes    map[string]Probe
}

// NewSystemHandler creates a new SystemHandler. probes are run by Ready.
func NewSystemHandler(name, version string, probes map[string]Probe) *SystemHandler {
	return &SystemHandler{
		name:      name,
		version:   version,
		startTime: time.Now(),
		probes:    probes,
	}
}

// HealthResponse represents the liveness response
type HealthResponse struct {
	Status    string `json:"status"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
}

// ReadyResponse lists every dependency with its state
type ReadyResponse struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

// Health handles GET /health
func (h *SystemHandler) Health(c *gin.Context) {
	h.Success(c, HealthResponse{
		Status:    "ok",
		Name:      h.name,
		Version:   h.version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	})
}

// Ready handles GET /ready. Any failing probe makes it a 503.
func (h *SystemHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := ReadyResponse{Ready: true, Checks: make(map[string]string, len(names))}
	for _, name := range names {
		if err := h.probes[name](ctx); err != nil {
			resp.Ready = false
			resp.Checks[name] = "unavailable"
			_ = c.Error(err)
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, dto.NewSuccessResponse(resp))
}
