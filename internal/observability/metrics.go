package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Scrapes make /sale-price misses slow; watch p50 of hits.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Each scraping request holds a Chrome process.
	HTTPRequestsInFlight prometheus.Gauge

	// Location autocomplete calls by outcome (success, no_match, rate_limited, error).
	LocationLookupCallsTotal *prometheus.CounterVec

	// Location autocomplete latency per call.
	LocationLookupDuration *prometheus.HistogramVec

	// 429 backoff retries against the autocomplete endpoint. Watch for: sustained growth = we are being throttled.
	LocationLookupRetriesTotal prometheus.Counter

	// Chart scrapes by outcome (success, timeout, error).
	ChartScrapesTotal *prometheus.CounterVec

	// Whole-scrape latency including retries.
	ChartScrapeDuration prometheus.Histogram

	// Visibility-timeout retries. Watch for: page layout changes or slow site.
	ChartScrapeRetriesTotal prometheus.Counter

	// Distinct months read per successful scrape. A drop to 0 usually means the tooltip markup changed.
	ChartPointsScraped prometheus.Histogram

	// Cache hits and misses. Hit rate = hits/(hits+misses).
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// Cache errors by operation and category. Cache failures never fail a request.
	CacheErrorsTotal *prometheus.CounterVec

	// Cache operation latency by operation and result.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Record store latency by backend, operation and status.
	StoreOperationDuration *prometheus.HistogramVec

	// Total sale-price lookups. Watch for: traffic volume, rate() for QPS.
	SalePriceQueriesTotal prometheus.Counter

	// Per-location query count (allow-list; others go to "other").
	SalePriceQueriesByLocationTotal *prometheus.CounterVec

	// Requests that joined a scrape already in flight for the same location.
	RequestCoalescingHitsTotal prometheus.Counter

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Circuit breaker state per component (0 closed, 1 open, 2 half_open).
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions per component.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Cache warming runs, their duration and failed runs.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram
	CacheWarmingErrorsTotal     prometheus.Counter

	trackedLocationsMu sync.RWMutex
	trackedLocations   map[string]struct{}

	trafficGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	LocationLookupCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locationLookupCallsTotal",
			Help: "Total number of location autocomplete calls",
		},
		[]string{"status"},
	)
	LocationLookupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "locationLookupDurationSeconds",
			Help:    "Location autocomplete latency in seconds (per call)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	LocationLookupRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "locationLookupRetriesTotal",
			Help: "Total number of rate-limit retries for location autocomplete calls",
		},
	)
	ChartScrapesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chartScrapesTotal",
			Help: "Total number of chart scrapes by outcome",
		},
		[]string{"outcome"},
	)
	ChartScrapeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chartScrapeDurationSeconds",
			Help:    "Chart scrape latency in seconds, retries included",
			Buckets: []float64{5, 10, 20, 30, 60, 90, 120, 180, 300},
		},
	)
	ChartScrapeRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chartScrapeRetriesTotal",
			Help: "Total number of chart scrape retries after visibility timeouts",
		},
	)
	ChartPointsScraped = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chartPointsScraped",
			Help:    "Distinct months read per successful chart scrape",
			Buckets: []float64{0, 12, 24, 36, 60, 120, 240},
		},
	)
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits",
		},
	)
	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Total number of cache misses",
		},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Total number of cache errors by operation and category",
		},
		[]string{"operation", "category"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache operation latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"operation", "result"},
	)
	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storeOperationDurationSeconds",
			Help:    "Record store operation latency in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"backend", "operation", "status"},
	)
	SalePriceQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "salePriceQueriesTotal",
			Help: "Total number of sale price lookups",
		},
	)
	SalePriceQueriesByLocationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salePriceQueriesByLocationTotal",
			Help: "Sale price queries by location (allow-list; others use location=other)",
		},
		[]string{"location"},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "requestCoalescingHitsTotal",
			Help: "Requests that joined an in-flight scrape for the same location",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half_open)",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Total number of cache warming runs",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming run duration in seconds",
			Buckets: []float64{1, 10, 60, 300, 900, 1800},
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed location",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		LocationLookupCallsTotal, LocationLookupDuration, LocationLookupRetriesTotal,
		ChartScrapesTotal, ChartScrapeDuration, ChartScrapeRetriesTotal, ChartPointsScraped,
		CacheHitsTotal, CacheMissesTotal, CacheErrorsTotal, CacheOperationDurationSeconds,
		StoreOperationDuration,
		SalePriceQueriesTotal, SalePriceQueriesByLocationTotal,
		RequestCoalescingHitsTotal,
		RateLimitDeniedTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		CacheWarmingTotal, CacheWarmingDurationSeconds, CacheWarmingErrorsTotal,
	)
}

// RegisterTrafficGauges registers load and rejects gauges for the rate-limited
// path. Call once from main with the traffic tracker's window counters.
func RegisterTrafficGauges(requests, denials func() int) {
	trafficGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window; load/capacity planning",
				},
				func() float64 { return float64(requests()) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting requests",
				},
				func() float64 { return float64(denials()) },
			),
		)
	})
}

// SetTrackedLocations sets the allow-list for location metrics, as "City, ST"
// strings. Non-tracked locations increment "other".
func SetTrackedLocations(locations []string) {
	trackedLocationsMu.Lock()
	defer trackedLocationsMu.Unlock()
	trackedLocations = make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		trackedLocations[normalizeLocationForMetrics(loc)] = struct{}{}
	}
}

// RecordSalePriceQuery records a lookup for city and state.
func RecordSalePriceQuery(city, state string) {
	SalePriceQueriesTotal.Inc()
	SalePriceQueriesByLocationTotal.WithLabelValues(MetricLocationLabel(city + ", " + state)).Inc()
}

// MetricLocationLabel returns the normalized location if tracked, otherwise "other".
func MetricLocationLabel(location string) string {
	loc := normalizeLocationForMetrics(location)
	trackedLocationsMu.RLock()
	_, ok := trackedLocations[loc] // nil map read is safe in Go
	trackedLocationsMu.RUnlock()
	if ok {
		return loc
	}
	return "other"
}

func normalizeLocationForMetrics(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
