package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"noxlic/internal/kv"
)

// HealthHandler reports service liveness and backend reachability.
type HealthHandler struct {
	backend kv.Store
	logger  *slog.Logger
	version string
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(backend kv.Store, version string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		backend: backend,
		logger:  logger.With(slog.String("handler", "health")),
		version: version,
	}
}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Backend   string    `json:"backend"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// Check handles GET /healthz. The service is degraded, not down, when the
// backend is unreachable: sync clients keep working on cached status.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Backend:   "reachable",
		Version:   h.version,
		Timestamp: time.Now().UTC(),
	}
	if err := h.backend.Ping(ctx); err != nil {
		h.logger.WarnContext(r.Context(), "backend ping failed",
			slog.String("error", err.Error()),
		)
		resp.Status = "degraded"
		resp.Backend = "unreachable"
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, resp)
}
