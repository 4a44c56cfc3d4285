package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/sale-price-service/internal/observability"
)

// RouterOptions configures middleware on the router built by NewRouter.
type RouterOptions struct {
	Logger         *zap.Logger
	InFlight       *InFlightTracker
	Limiter        *rate.Limiter // nil disables rate limiting
	RequestTimeout time.Duration // 0 disables the per-request deadline
	CORSOrigins    []string
}

// NewRouter wires the public routes. Rate limiting and the request deadline
// apply to /sale-price only.
func NewRouter(h *Handler, opts RouterOptions) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(opts.Logger))
	router.Use(MetricsMiddleware(opts.InFlight))
	router.Use(CORSMiddleware(opts.CORSOrigins))

	router.HandleFunc("/", h.GetRoot).Methods(http.MethodGet)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler())

	sale := router.PathPrefix("/sale-price").Subrouter()
	sale.Use(RateLimitMiddleware(opts.Limiter, h.traffic))
	if opts.RequestTimeout > 0 {
		sale.Use(TimeoutMiddleware(opts.RequestTimeout))
	}
	sale.HandleFunc("", h.GetSalePrice).Methods(http.MethodGet, http.MethodOptions)
	sale.HandleFunc("/", h.GetSalePrice).Methods(http.MethodGet, http.MethodOptions)
	return router
}
