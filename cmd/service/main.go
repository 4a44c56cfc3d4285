package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/sale-price-service/internal/browser"
	"github.com/kjstillabower/sale-price-service/internal/cache"
	"github.com/kjstillabower/sale-price-service/internal/circuitbreaker"
	"github.com/kjstillabower/sale-price-service/internal/config"
	httphandler "github.com/kjstillabower/sale-price-service/internal/http"
	"github.com/kjstillabower/sale-price-service/internal/lifecycle"
	"github.com/kjstillabower/sale-price-service/internal/observability"
	"github.com/kjstillabower/sale-price-service/internal/resolver"
	"github.com/kjstillabower/sale-price-service/internal/scraper"
	"github.com/kjstillabower/sale-price-service/internal/service"
	"github.com/kjstillabower/sale-price-service/internal/store"
	"github.com/kjstillabower/sale-price-service/internal/traffic"
	"github.com/kjstillabower/sale-price-service/internal/useragent"
)

// closableCache is a cache the process owns and must release on shutdown.
type closableCache interface {
	cache.Cache
	Ping() error
	Close() error
}

func main() {
	state := lifecycle.New(time.Now())

	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), cfg.StoreConnectTimeout)
	recordStore, err := store.New(startCtx, store.Config{
		Backend:        cfg.StoreBackend,
		MongoURI:       cfg.MongoURI,
		MongoDatabase:  cfg.MongoDatabase,
		PostgresDSN:    cfg.PostgresDSN,
		ConnectTimeout: cfg.StoreConnectTimeout,
	})
	startCancel()
	if err != nil {
		logger.Fatal("record store", zap.Error(err))
	}
	logger.Info("store backend", zap.String("backend", cfg.StoreBackend))

	cacheSvc := newCache(cfg)
	logger.Info("cache backend", zap.String("backend", cfg.CacheBackend), zap.Strings("addrs", cacheAddrs(cfg)))

	identity := useragent.NewRandom(useragent.DefaultPool, time.Now().UnixNano())
	locationResolver, err := resolver.New(resolver.Config{
		LookupURL:  cfg.LookupURL,
		SiteURL:    cfg.SiteURL,
		Timeout:    cfg.LookupTimeout,
		ProxyURL:   cfg.ProxyURL,
		MaxRetries: cfg.LookupMaxRetries,
		BaseDelay:  cfg.LookupBaseDelay,
		Identity:   identity,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("location resolver", zap.Error(err))
	}
	if cfg.ProxyURL != "" {
		logger.Info("lookup requests use upstream proxy")
	}

	launcher := browser.NewChromeLauncher(browser.ChromeConfig{
		ExecPath:        cfg.ChromePath,
		Headless:        cfg.Headless,
		NavigateTimeout: cfg.NavigateTimeout,
		Logger:          logger,
	})
	chart := scraper.NewChartScraper(scraper.ChartConfig{
		Launcher:       launcher,
		Identity:       identity,
		InitialTimeout: cfg.ScrapeInitialTimeout,
		TimeoutFactor:  cfg.ScrapeTimeoutFactor,
		MaxRetries:     cfg.ScrapeMaxRetries,
		BaseDelay:      cfg.ScrapeBaseDelay,
		StepPx:         cfg.SweepStepPx,
		Settle:         cfg.SweepSettle,
		Logger:         logger,
	})

	svcCfg := service.Config{
		CacheTTL:        cfg.CacheTTL,
		CoalesceEnabled: cfg.CoalesceEnabled,
		CoalesceTimeout: cfg.CoalesceTimeout,
		Logger:          logger,
	}
	if cfg.BreakerEnabled {
		svcCfg.Breaker = circuitbreaker.New(service.BreakerConfig(
			cfg.BreakerFailureThreshold, cfg.BreakerSuccessThreshold, cfg.BreakerTimeout, logger))
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.BreakerFailureThreshold),
			zap.Duration("timeout", cfg.BreakerTimeout))
	}
	salePriceService := service.NewSalePriceService(scraper.New(locationResolver, chart), recordStore, cacheSvc, svcCfg)

	tracker := traffic.New(maxDuration(cfg.OverloadWindow, cfg.DegradedWindow))
	observability.RegisterTrafficGauges(
		func() int { return tracker.RequestCount(cfg.OverloadWindow) },
		func() int { return tracker.DenialCount(cfg.OverloadWindow) },
	)
	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		StorePing:            recordStore.Ping,
		CachePing:            cacheSvc.Ping,
	}
	handler := httphandler.NewHandler(salePriceService, healthConfig, state, tracker, logger)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	inFlight := &httphandler.InFlightTracker{}
	router := httphandler.NewRouter(handler, httphandler.RouterOptions{
		Logger:         logger,
		InFlight:       inFlight,
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
		CORSOrigins:    cfg.CORSOrigins,
	})

	// Scrapes can take minutes; the write timeout must outlast the request deadline.
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 10*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	if len(cfg.WarmLocations) > 0 {
		warmer := cache.NewCacheWarmer(salePriceService, logger)
		go func() {
			var err error
			if cfg.WarmInterval > 0 {
				err = warmer.WarmPeriodic(bgCtx, cfg.WarmLocations, cfg.WarmInterval)
			} else {
				err = warmer.Warm(bgCtx, cfg.WarmLocations)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("cache warming", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	state.BeginShutdown()
	bgCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if n := inFlight.Count(); n > 0 {
		logger.Info("waiting for in-flight requests", zap.Int64("count", n))
		if err := inFlight.WaitForZero(shutdownCtx, 100*time.Millisecond); err != nil {
			logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", inFlight.Count()))
		}
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	if err := cacheSvc.Close(); err != nil {
		logger.Error("cache close", zap.Error(err))
	}
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := recordStore.Close(closeCtx); err != nil {
		logger.Error("store close", zap.Error(err))
	}
	logger.Info("shutdown complete", zap.Duration("uptime", state.Uptime()))
}

func newCache(cfg *config.Config) closableCache {
	if strings.EqualFold(cfg.CacheBackend, "memcached") {
		return cache.NewMemcachedCache(cache.MemcachedConfig{
			Addrs:        cfg.MemcachedAddrs,
			Timeout:      cfg.MemcachedTimeout,
			MaxIdleConns: cfg.MemcachedMaxIdleConns,
		})
	}
	return cache.NewInMemoryCache()
}

func cacheAddrs(cfg *config.Config) []string {
	if cfg.CacheBackend == "memcached" {
		return cfg.MemcachedAddrs
	}
	return nil
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
