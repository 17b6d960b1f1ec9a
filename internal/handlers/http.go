package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/opsrelay/internal/api"
	"github.com/akmatori/opsrelay/internal/database"
	"github.com/akmatori/opsrelay/internal/metrics"
)

// healthTimeout bounds the database ping behind /health
const healthTimeout = 2 * time.Second

// HTTPHandler serves the unauthenticated operational endpoints
type HTTPHandler struct {
	db           *gorm.DB
	alertHandler *AlertHandler
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(db *gorm.DB, alertHandler *AlertHandler) *HTTPHandler {
	return &HTTPHandler{
		db:           db,
		alertHandler: alertHandler,
	}
}

// SetupRoutes configures health, metrics and webhook routes
func (h *HTTPHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	if h.alertHandler != nil {
		mux.HandleFunc("POST /webhook/{source}", h.alertHandler.HandleWebhook)
	}
}

// handleHealth reports liveness and database reachability
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := database.Ping(ctx, h.db); err != nil {
		log.Printf("Health check: database unreachable: %v", err)
		api.RespondJSON(w, http.StatusServiceUnavailable, api.HealthResponse{
			Status:   "degraded",
			Database: "unreachable",
		})
		return
	}

	api.RespondJSON(w, http.StatusOK, api.HealthResponse{
		Status:   "ok",
		Database: "ok",
	})
}
