package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/sale-price-service/internal/circuitbreaker"
	"github.com/kjstillabower/sale-price-service/internal/lifecycle"
	"github.com/kjstillabower/sale-price-service/internal/models"
	"github.com/kjstillabower/sale-price-service/internal/resolver"
	"github.com/kjstillabower/sale-price-service/internal/scraper"
	"github.com/kjstillabower/sale-price-service/internal/service"
	"github.com/kjstillabower/sale-price-service/internal/traffic"
	"github.com/kjstillabower/sale-price-service/internal/validation"
)

// SalePriceService is the subset of service.SalePriceService the handlers use.
type SalePriceService interface {
	GetSalePrice(ctx context.Context, city, state string) (models.MedianSalePriceRecord, error)
	BreakerState() string
}

// HealthConfig holds lifecycle thresholds and dependency checks for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int // 0 when rate limiter disabled
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	// StorePing, when set, checks record store reachability. Failure marks the service degraded.
	StorePing func(ctx context.Context) error
	// CachePing, when set, checks cache reachability. Reported only; the cache is optional.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc              SalePriceService
	healthConfig     *HealthConfig
	lifecycle        *lifecycle.State
	traffic          *traffic.Tracker
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. healthConfig may be nil.
func NewHandler(
	svc SalePriceService,
	healthConfig *HealthConfig,
	state *lifecycle.State,
	tracker *traffic.Tracker,
	logger *zap.Logger,
) *Handler {
	if state == nil {
		state = lifecycle.New(time.Now())
	}
	if tracker == nil {
		tracker = traffic.New(0)
	}
	return &Handler{
		svc:          svc,
		healthConfig: healthConfig,
		lifecycle:    state,
		traffic:      tracker,
		logger:       logger,
	}
}

// GetRoot handles GET /.
func (h *Handler) GetRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Realtor Scraper"})
}

// GetSalePrice handles GET /sale-price/?city=&state=.
func (h *Handler) GetSalePrice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	city, err := validation.ValidateCity(q.Get("city"), validation.MaxCityLength)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
		return
	}
	state, err := validation.ValidateState(q.Get("state"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_STATE", "Invalid state abbreviation")
		return
	}

	record, err := h.svc.GetSalePrice(r.Context(), city, state)
	if err != nil {
		status := writeServiceError(w, r, err)
		if status >= http.StatusInternalServerError {
			h.traffic.Record(traffic.Error)
		} else {
			h.traffic.Record(traffic.Success)
		}
		return
	}
	h.traffic.Record(traffic.Success)
	writeJSON(w, http.StatusOK, record)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result, checks := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   "sale-price-service",
		"version":   "dev",
		"checks":    checks,
		"uptime":    h.lifecycle.Uptime().Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > store unreachable > overloaded > degraded > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) (healthResult, map[string]string) {
	checks := map[string]string{"circuitBreaker": h.svc.BreakerState()}
	if h.lifecycle.ShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}, checks
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}, checks
	}
	cfg := h.healthConfig

	if cfg.CachePing != nil {
		checks["cache"] = checkStatus(cfg.CachePing())
	}
	if cfg.StorePing != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := cfg.StorePing(pingCtx)
		cancel()
		checks["store"] = checkStatus(err)
		if err != nil {
			return healthResult{"degraded", http.StatusServiceUnavailable, "store_unreachable"}, checks
		}
	}

	if cfg.RateLimitRPS > 0 && cfg.OverloadWindow > 0 && cfg.OverloadThresholdPct > 0 {
		threshold := float64(cfg.RateLimitRPS) * cfg.OverloadWindow.Seconds() * float64(cfg.OverloadThresholdPct) / 100
		if float64(h.traffic.RequestCount(cfg.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}, checks
		}
	}

	if checks["circuitBreaker"] == circuitbreaker.StateOpen.String() {
		return healthResult{"degraded", http.StatusServiceUnavailable, "circuit_open"}, checks
	}
	if cfg.DegradedWindow > 0 && cfg.DegradedErrorPct > 0 {
		errs, total := h.traffic.ErrorRate(cfg.DegradedWindow)
		if total > 0 {
			pct := float64(errs) * 100 / float64(total)
			if pct >= float64(cfg.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}, checks
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}, checks
}

func checkStatus(err error) string {
	if err != nil {
		return "unhealthy"
	}
	return "healthy"
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v, ok := r.Context().Value("correlation_id").(string); ok {
		corrID = v
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeServiceError maps a service error to a status code and writes it.
// Server-class errors are logged at ERROR with full context. Returns the status written.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) int {
	status, code, message := classifyServiceError(err)
	writeError(w, r, status, code, message)

	logger, ok := r.Context().Value("logger").(*zap.Logger)
	if !ok || logger == nil {
		return status
	}
	if status >= http.StatusInternalServerError {
		logger.Error("sale price request failed", zap.Int("status", status), zap.Error(err))
	} else {
		logger.Debug("sale price request rejected", zap.Int("status", status), zap.Error(err))
	}
	return status
}

func classifyServiceError(err error) (status int, code, message string) {
	switch {
	case errors.Is(err, validation.ErrInvalidState):
		return http.StatusBadRequest, "INVALID_STATE", "Invalid state abbreviation"
	case service.IsInvalidInput(err):
		return http.StatusBadRequest, "INVALID_CITY", err.Error()
	case errors.Is(err, scraper.ErrBadInput):
		return http.StatusBadRequest, "INVALID_LOCATION", "Invalid city or state"
	case errors.Is(err, service.ErrNoData):
		return http.StatusBadRequest, "NO_DATA", "No median sale price data for location"
	case errors.Is(err, resolver.ErrRateLimited):
		return http.StatusTooManyRequests, "UPSTREAM_RATE_LIMITED", "Too many requests to location lookup"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Scraping temporarily disabled"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT", "Request timed out"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error"
	}
}
