package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lumenrelay/signalcore/internal/v1/bus"
	"github.com/lumenrelay/signalcore/internal/v1/logging"
	"go.uber.org/zap"
)

// SFUChecker reports whether the media server control plane is reachable.
type SFUChecker interface {
	Check(ctx context.Context) string
}

// sfuHealthPinger is the narrow surface this package needs from
// pkg/sfu.Client: a lightweight control-plane probe, guarded by the same
// circuit breaker every other SFU call goes through.
type sfuHealthPinger interface {
	Healthy(ctx context.Context) error
}

// LiveKitSFUChecker probes the configured media server's control plane via
// pkg/sfu.Client.Healthy, replacing the raw gRPC health-check RPC the
// a data plane would expose directly: this module's media server is
// LiveKit, reached only through pkg/sfu's breaker-wrapped client, never a
// direct connection of its own.
type LiveKitSFUChecker struct {
	client sfuHealthPinger
}

// NewLiveKitSFUChecker wraps an already-constructed SFU client for use in
// readiness checks.
func NewLiveKitSFUChecker(client sfuHealthPinger) *LiveKitSFUChecker {
	return &LiveKitSFUChecker{client: client}
}

// Check implements SFUChecker.
func (c *LiveKitSFUChecker) Check(ctx context.Context) string {
	if c.client == nil {
		return "unhealthy"
	}
	if err := c.client.Healthy(ctx); err != nil {
		logging.Error(ctx, "media server health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// Handler manages health check endpoints
type Handler struct {
	redisService *bus.Service
	sfuEnabled   bool
	sfuChecker   SFUChecker
}

// NewHandler creates a new health check handler. sfuChecker may be nil when
// no media server is configured (readiness then skips that check); in
// production it wraps the process's pkg/sfu.Client via NewLiveKitSFUChecker.
func NewHandler(redisService *bus.Service, sfuChecker SFUChecker) *Handler {
	sfuEnabled := os.Getenv("SFU_HEALTH_CHECK_ENABLED")
	enabled := sfuEnabled != "false" && sfuChecker != nil // Enabled by default when configured

	return &Handler{
		redisService: redisService,
		sfuEnabled:   enabled,
		sfuChecker:   sfuChecker,
	}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy
// Returns 503 if any dependency is unhealthy
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	// Check Redis connectivity
	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	// Check media server connectivity (if enabled)
	if h.sfuEnabled {
		sfuStatus := h.checkSFU(ctx)
		checks["sfu"] = sfuStatus
		if sfuStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkRedis verifies Redis connectivity using PING command
func (h *Handler) checkRedis(ctx context.Context) string {
	// If Redis is not enabled (single-instance mode), consider it healthy
	if h.redisService == nil {
		return "healthy"
	}

	// Try to ping Redis
	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}

// checkSFU verifies the media server's control plane is reachable.
func (h *Handler) checkSFU(ctx context.Context) string {
	if h.sfuChecker == nil {
		return "unhealthy"
	}
	return h.sfuChecker.Check(ctx)
}

// HealthCheckResponse is a generic health check response for backward compatibility
type HealthCheckResponse struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for better formatting
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
