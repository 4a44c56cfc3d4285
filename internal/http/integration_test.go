//go:build integration
// +build integration

package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/kjstillabower/sale-price-service/internal/browser"
	"github.com/kjstillabower/sale-price-service/internal/cache"
	"github.com/kjstillabower/sale-price-service/internal/models"
	"github.com/kjstillabower/sale-price-service/internal/observability"
	"github.com/kjstillabower/sale-price-service/internal/resolver"
	"github.com/kjstillabower/sale-price-service/internal/scraper"
	"github.com/kjstillabower/sale-price-service/internal/service"
	"github.com/kjstillabower/sale-price-service/internal/store"
)

// setupLiveRouter wires the real resolver and Chrome scraper against the live
// site with in-memory persistence. Skips unless LIVE_SCRAPE=1 and Chrome is installed.
func setupLiveRouter(t *testing.T) (http.Handler, *store.MemoryStore) {
	t.Helper()
	if os.Getenv("LIVE_SCRAPE") != "1" {
		t.Skip("LIVE_SCRAPE=1 not set")
	}
	if browser.FindChromeBinary() == "" {
		t.Skip("chrome not found")
	}
	logger, err := observability.NewLogger()
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	res, err := resolver.New(resolver.Config{
		ProxyURL: os.Getenv("PROXY_URL"),
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	chart := scraper.NewChartScraper(scraper.ChartConfig{
		Launcher:   browser.NewChromeLauncher(browser.ChromeConfig{Headless: true, Logger: logger}),
		MaxRetries: 1,
		Settle:     10 * time.Millisecond,
		Logger:     logger,
	})
	st := store.NewMemoryStore()
	svc := service.NewSalePriceService(scraper.New(res, chart), st, cache.NewInMemoryCache(), service.Config{
		CacheTTL: time.Hour,
		Logger:   logger,
	})
	handler := NewHandler(svc, nil, nil, nil, logger)
	return NewRouter(handler, RouterOptions{Logger: logger, InFlight: &InFlightTracker{}}), st
}

func TestIntegration_GetSalePrice_LiveScrape(t *testing.T) {
	router, st := setupLiveRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/sale-price/?city=Seattle&state=WA", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	var rec models.MedianSalePriceRecord
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rec.MedianSaleData) == 0 {
		t.Error("median_sale_data empty")
	}
	for k := range rec.MedianSaleData {
		if _, err := time.Parse(models.MonthKeyLayout, k); err != nil {
			t.Errorf("key %q is not YYYY-MM", k)
		}
	}
	if st.Len() != 1 {
		t.Errorf("store has %d records, want 1", st.Len())
	}
}

func TestIntegration_GetSalePrice_UnknownLocation(t *testing.T) {
	router, st := setupLiveRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/sale-price/?city=Qwzxvplk&state=WA", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400; body = %s", w.Code, w.Body.String())
	}
	if st.Len() != 0 {
		t.Errorf("store has %d records, want 0", st.Len())
	}
}
