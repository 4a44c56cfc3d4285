package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/sale-price-service/internal/cache"
	"github.com/kjstillabower/sale-price-service/internal/circuitbreaker"
	"github.com/kjstillabower/sale-price-service/internal/lifecycle"
	"github.com/kjstillabower/sale-price-service/internal/models"
	"github.com/kjstillabower/sale-price-service/internal/resolver"
	"github.com/kjstillabower/sale-price-service/internal/scraper"
	"github.com/kjstillabower/sale-price-service/internal/service"
	"github.com/kjstillabower/sale-price-service/internal/store"
	"github.com/kjstillabower/sale-price-service/internal/traffic"
	"github.com/kjstillabower/sale-price-service/internal/validation"
)

type mockSalePriceService struct {
	record models.MedianSalePriceRecord
	err    error
	state  string
	calls  atomic.Int32
	city   string
	st     string
}

func (m *mockSalePriceService) GetSalePrice(ctx context.Context, city, state string) (models.MedianSalePriceRecord, error) {
	m.calls.Add(1)
	m.city, m.st = city, state
	return m.record, m.err
}

func (m *mockSalePriceService) BreakerState() string {
	if m.state == "" {
		return "disabled"
	}
	return m.state
}

// mockScraper stands in for the resolver + chart pipeline.
type mockScraper struct {
	points []models.ScrapePoint
	err    error
	calls  atomic.Int32
}

func (m *mockScraper) Scrape(ctx context.Context, city, state string) ([]models.ScrapePoint, error) {
	m.calls.Add(1)
	return m.points, m.err
}

func price(v float64) *float64 { return &v }

func month(y int, m time.Month) time.Time { return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC) }

func withRequestContext(req *http.Request, logger *zap.Logger) *http.Request {
	ctx := context.WithValue(req.Context(), "logger", logger)
	ctx = context.WithValue(ctx, "correlation_id", "test-correlation-id")
	return req.WithContext(ctx)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body struct {
		Error map[string]string `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

func TestHandler_GetRoot(t *testing.T) {
	handler := NewHandler(&mockSalePriceService{}, nil, nil, nil, zap.NewNop())
	w := httptest.NewRecorder()
	handler.GetRoot(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("GetRoot() status = %d, want 200", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["message"] != "Realtor Scraper" {
		t.Errorf("message = %q, want Realtor Scraper", body["message"])
	}
}

// TestHandler_GetSalePrice_Success verifies the record is served as JSON with
// month keys and the validated, upper-cased state passed to the service.
func TestHandler_GetSalePrice_Success(t *testing.T) {
	svc := &mockSalePriceService{record: models.MedianSalePriceRecord{
		City:           "Seattle",
		State:          "WA",
		LastUpdatedAt:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		MedianSaleData: map[string]float64{"2024-01": 850000, "2024-02": 862500},
	}}
	handler := NewHandler(svc, nil, nil, nil, zap.NewNop())

	req := withRequestContext(httptest.NewRequest("GET", "/sale-price/?city=%20Seattle%20&state=wa", nil), zap.NewNop())
	w := httptest.NewRecorder()
	handler.GetSalePrice(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GetSalePrice() status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	if svc.city != "Seattle" || svc.st != "WA" {
		t.Errorf("service called with (%q, %q), want (Seattle, WA)", svc.city, svc.st)
	}
	var got models.MedianSalePriceRecord
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MedianSaleData["2024-02"] != 862500 {
		t.Errorf("median_sale_data[2024-02] = %v, want 862500", got.MedianSaleData["2024-02"])
	}
	if !got.LastUpdatedAt.Equal(svc.record.LastUpdatedAt) {
		t.Errorf("last_updated_at = %v, want %v", got.LastUpdatedAt, svc.record.LastUpdatedAt)
	}
}

// TestHandler_GetSalePrice_ValidationRejectsBeforeService verifies invalid
// input never reaches the service.
func TestHandler_GetSalePrice_ValidationRejectsBeforeService(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		wantCode string
	}{
		{"unknown state", "?city=Seattle&state=ZZ", "INVALID_STATE"},
		{"missing state", "?city=Seattle", "INVALID_STATE"},
		{"three letter state", "?city=Seattle&state=WAS", "INVALID_STATE"},
		{"missing city", "?state=WA", "INVALID_CITY"},
		{"whitespace city", "?city=%20%20&state=WA", "INVALID_CITY"},
		{"city with markup", "?city=%3Cscript%3E&state=WA", "INVALID_CITY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockSalePriceService{}
			handler := NewHandler(svc, nil, nil, nil, zap.NewNop())
			req := withRequestContext(httptest.NewRequest("GET", "/sale-price/"+tt.query, nil), zap.NewNop())
			w := httptest.NewRecorder()
			handler.GetSalePrice(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			body := decodeError(t, w)
			if body["code"] != tt.wantCode {
				t.Errorf("code = %q, want %q", body["code"], tt.wantCode)
			}
			if body["requestId"] != "test-correlation-id" {
				t.Errorf("requestId = %q, want test-correlation-id", body["requestId"])
			}
			if n := svc.calls.Load(); n != 0 {
				t.Errorf("service called %d times, want 0", n)
			}
		})
	}
}

// TestHandler_GetSalePrice_ErrorMapping verifies each error class maps to its status.
func TestHandler_GetSalePrice_ErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    string
		wantOutcome traffic.Outcome
	}{
		{"service rejects state", validation.ErrInvalidState, http.StatusBadRequest, "INVALID_STATE", traffic.Success},
		{"service rejects city", validation.ErrCityInvalidChars, http.StatusBadRequest, "INVALID_CITY", traffic.Success},
		{"unresolvable location", scraper.ErrBadInput, http.StatusBadRequest, "INVALID_LOCATION", traffic.Success},
		{"no data", service.ErrNoData, http.StatusBadRequest, "NO_DATA", traffic.Success},
		{"lookup rate limited", fmt.Errorf("resolve: %w", resolver.ErrRateLimited), http.StatusTooManyRequests, "UPSTREAM_RATE_LIMITED", traffic.Success},
		{"breaker open", circuitbreaker.ErrOpen, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", traffic.Error},
		{"request deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT", traffic.Error},
		{"scrape failed", fmt.Errorf("%w: timed out", scraper.ErrScrapeFailed), http.StatusInternalServerError, "INTERNAL_ERROR", traffic.Error},
		{"store down", errors.New("connection refused"), http.StatusInternalServerError, "INTERNAL_ERROR", traffic.Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := traffic.New(time.Minute)
			handler := NewHandler(&mockSalePriceService{err: tt.err}, nil, nil, tracker, zap.NewNop())
			req := withRequestContext(httptest.NewRequest("GET", "/sale-price/?city=Seattle&state=WA", nil), zap.NewNop())
			w := httptest.NewRecorder()
			handler.GetSalePrice(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if body := decodeError(t, w); body["code"] != tt.wantCode {
				t.Errorf("code = %q, want %q", body["code"], tt.wantCode)
			}
			errs, total := tracker.ErrorRate(time.Minute)
			wantErrs := 0
			if tt.wantOutcome == traffic.Error {
				wantErrs = 1
			}
			if total != 1 || errs != wantErrs {
				t.Errorf("tracked errors/total = %d/%d, want %d/1", errs, total, wantErrs)
			}
		})
	}
}

// TestHandler_GetSalePrice_LogsServerErrors verifies 5xx responses are logged
// at ERROR with the underlying error.
func TestHandler_GetSalePrice_LogsServerErrors(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	handler := NewHandler(&mockSalePriceService{err: scraper.ErrScrapeFailed}, nil, nil, nil, logger)
	req := withRequestContext(httptest.NewRequest("GET", "/sale-price/?city=Austin&state=TX", nil), logger)
	handler.GetSalePrice(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("sale price request failed").All()
	if len(entries) != 1 {
		t.Fatalf("want 1 failure log, got %d", len(entries))
	}
	if entries[0].Level != zap.ErrorLevel {
		t.Errorf("level = %v, want error", entries[0].Level)
	}
}

// TestHandler_GetSalePrice_EndToEnd runs the real service against an in-memory
// store and cache: first request scrapes and persists, second is served from cache.
func TestHandler_GetSalePrice_EndToEnd(t *testing.T) {
	scr := &mockScraper{points: []models.ScrapePoint{
		{Date: month(2024, 1), RegionName: "Seattle, WA", Value: price(850000)},
		{Date: month(2024, 2), RegionName: "Seattle, WA", Value: nil},
		{Date: month(2024, 3), RegionName: "Seattle, WA", Value: price(870000)},
	}}
	st := store.NewMemoryStore()
	svc := service.NewSalePriceService(scr, st, cache.NewInMemoryCache(), service.Config{CacheTTL: time.Hour})
	handler := NewHandler(svc, nil, nil, nil, zap.NewNop())
	router := NewRouter(handler, RouterOptions{Logger: zap.NewNop(), InFlight: &InFlightTracker{}})

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/sale-price/?city=Seattle&state=WA", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200; body = %s", i, w.Code, w.Body.String())
		}
		var got models.MedianSalePriceRecord
		if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(got.MedianSaleData) != 2 {
			t.Errorf("request %d: median_sale_data has %d months, want 2 (unset value skipped)", i, len(got.MedianSaleData))
		}
	}
	if n := scr.calls.Load(); n != 1 {
		t.Errorf("scraper called %d times, want 1", n)
	}
	if st.Len() != 1 {
		t.Errorf("store has %d records, want 1", st.Len())
	}
}

func TestHandler_GetSalePrice_EndToEnd_InvalidStateNeverScrapes(t *testing.T) {
	scr := &mockScraper{}
	svc := service.NewSalePriceService(scr, store.NewMemoryStore(), cache.NewInMemoryCache(), service.Config{})
	handler := NewHandler(svc, nil, nil, nil, zap.NewNop())
	router := NewRouter(handler, RouterOptions{Logger: zap.NewNop()})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/sale-price?city=Seattle&state=ZZ", nil))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if n := scr.calls.Load(); n != 0 {
		t.Errorf("scraper called %d times, want 0", n)
	}
}

func TestHandler_GetSalePrice_EndToEnd_EmptyScrapeNotPersisted(t *testing.T) {
	scr := &mockScraper{points: nil}
	st := store.NewMemoryStore()
	svc := service.NewSalePriceService(scr, st, cache.NewInMemoryCache(), service.Config{})
	handler := NewHandler(svc, nil, nil, nil, zap.NewNop())
	router := NewRouter(handler, RouterOptions{Logger: zap.NewNop()})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/sale-price/?city=Nowhere&state=KS", nil))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if st.Len() != 0 {
		t.Errorf("store has %d records, want 0", st.Len())
	}
}

func getHealth(t *testing.T, handler *Handler) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	handler.GetHealth(w, httptest.NewRequest("GET", "/health", nil))
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return w.Code, body
}

func TestHandler_GetHealth(t *testing.T) {
	handler := NewHandler(&mockSalePriceService{}, &HealthConfig{
		StorePing: func(context.Context) error { return nil },
		CachePing: func() error { return nil },
	}, nil, nil, zap.NewNop())

	code, body := getHealth(t, handler)
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
	if body["service"] != "sale-price-service" {
		t.Errorf("service = %v, want sale-price-service", body["service"])
	}
	checks, _ := body["checks"].(map[string]interface{})
	for _, k := range []string{"store", "cache"} {
		if checks[k] != "healthy" {
			t.Errorf("checks[%s] = %v, want healthy", k, checks[k])
		}
	}
	if checks["circuitBreaker"] != "disabled" {
		t.Errorf("checks[circuitBreaker] = %v, want disabled", checks["circuitBreaker"])
	}
}

func TestHandler_GetHealth_ShuttingDown(t *testing.T) {
	state := lifecycle.New(time.Now())
	state.BeginShutdown()
	handler := NewHandler(&mockSalePriceService{}, nil, state, nil, zap.NewNop())

	code, body := getHealth(t, handler)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if body["status"] != "shutting-down" {
		t.Errorf("status = %v, want shutting-down", body["status"])
	}
}

func TestHandler_GetHealth_StoreUnreachable(t *testing.T) {
	handler := NewHandler(&mockSalePriceService{}, &HealthConfig{
		StorePing: func(context.Context) error { return errors.New("no reachable servers") },
	}, nil, nil, zap.NewNop())

	code, body := getHealth(t, handler)
	if code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Errorf("got %d %v, want 503 degraded", code, body["status"])
	}
}

func TestHandler_GetHealth_CacheDownStaysHealthy(t *testing.T) {
	handler := NewHandler(&mockSalePriceService{}, &HealthConfig{
		CachePing: func() error { return errors.New("memcache: no servers configured or available") },
	}, nil, nil, zap.NewNop())

	code, body := getHealth(t, handler)
	if code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("got %d %v, want 200 healthy", code, body["status"])
	}
	checks, _ := body["checks"].(map[string]interface{})
	if checks["cache"] != "unhealthy" {
		t.Errorf("checks[cache] = %v, want unhealthy", checks["cache"])
	}
}

func TestHandler_GetHealth_Overloaded(t *testing.T) {
	tracker := traffic.New(time.Minute)
	// threshold = 1 rps * 10s * 50% = 5
	for i := 0; i < 6; i++ {
		tracker.Record(traffic.Denied)
	}
	handler := NewHandler(&mockSalePriceService{}, &HealthConfig{
		RateLimitRPS:         1,
		OverloadWindow:       10 * time.Second,
		OverloadThresholdPct: 50,
	}, nil, tracker, zap.NewNop())

	code, body := getHealth(t, handler)
	if code != http.StatusServiceUnavailable || body["status"] != "overloaded" {
		t.Errorf("got %d %v, want 503 overloaded", code, body["status"])
	}
}

func TestHandler_GetHealth_CircuitOpen(t *testing.T) {
	handler := NewHandler(&mockSalePriceService{state: "open"}, &HealthConfig{}, nil, nil, zap.NewNop())

	code, body := getHealth(t, handler)
	if code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Errorf("got %d %v, want 503 degraded", code, body["status"])
	}
}

func TestHandler_GetHealth_DegradedErrorRate(t *testing.T) {
	tests := []struct {
		name       string
		errors     int
		successes  int
		wantStatus string
	}{
		{"above threshold", 3, 1, "degraded"},
		{"at threshold", 2, 2, "degraded"},
		{"below threshold", 1, 3, "healthy"},
		{"no traffic", 0, 0, "healthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := traffic.New(time.Minute)
			for i := 0; i < tt.errors; i++ {
				tracker.Record(traffic.Error)
			}
			for i := 0; i < tt.successes; i++ {
				tracker.Record(traffic.Success)
			}
			handler := NewHandler(&mockSalePriceService{}, &HealthConfig{
				DegradedWindow:   time.Minute,
				DegradedErrorPct: 50,
			}, nil, tracker, zap.NewNop())

			_, body := getHealth(t, handler)
			if body["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %s", body["status"], tt.wantStatus)
			}
		})
	}
}

// TestHandler_GetHealth_LogsTransition verifies transitions are logged once per change.
func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	tracker := traffic.New(time.Minute)
	handler := NewHandler(&mockSalePriceService{}, &HealthConfig{
		DegradedWindow:   time.Minute,
		DegradedErrorPct: 50,
	}, nil, tracker, zap.New(core))

	tracker.Record(traffic.Success)
	tracker.Record(traffic.Success)
	getHealth(t, handler)
	if logs.Len() != 0 {
		t.Fatalf("first call should not log transition; got %d logs", logs.Len())
	}

	tracker.Record(traffic.Error)
	tracker.Record(traffic.Error)
	getHealth(t, handler)
	getHealth(t, handler)

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("want 1 transition log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "degraded" || fields["reason"] != "error_rate_breach" {
		t.Errorf("transition fields = %v", fields)
	}
}
