package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/sale-price-service/internal/cache"
	"github.com/kjstillabower/sale-price-service/internal/circuitbreaker"
	"github.com/kjstillabower/sale-price-service/internal/models"
	"github.com/kjstillabower/sale-price-service/internal/observability"
	"github.com/kjstillabower/sale-price-service/internal/resolver"
	"github.com/kjstillabower/sale-price-service/internal/scraper"
	"github.com/kjstillabower/sale-price-service/internal/store"
	"github.com/kjstillabower/sale-price-service/internal/validation"
)

// ErrNoData means the chart was scraped but yielded nothing worth persisting.
var ErrNoData = errors.New("no median sale price data")

// Scraper produces chart points for a location.
type Scraper interface {
	Scrape(ctx context.Context, city, state string) ([]models.ScrapePoint, error)
}

// Config holds SalePriceService parameters.
type Config struct {
	CacheTTL        time.Duration
	CoalesceEnabled bool
	CoalesceTimeout time.Duration
	// Breaker wraps the scrape pipeline when set. Build it with BreakerConfig.
	Breaker *circuitbreaker.CircuitBreaker
	Now     func() time.Time
	Logger  *zap.Logger
}

// SalePriceService serves records from cache, then the store, and scrapes the
// site only when neither has the location. Records are written once per
// (city, state) and never refreshed.
type SalePriceService struct {
	scraper   Scraper
	store     store.RecordStore
	cache     cache.Cache
	ttl       time.Duration
	breaker   *circuitbreaker.CircuitBreaker
	coalescer *requestCoalescer
	now       func() time.Time
	logger    *zap.Logger
}

func NewSalePriceService(s Scraper, st store.RecordStore, c cache.Cache, cfg Config) *SalePriceService {
	var coalescer *requestCoalescer
	if cfg.CoalesceEnabled {
		coalescer = newRequestCoalescer(cfg.CoalesceTimeout)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &SalePriceService{
		scraper:   s,
		store:     st,
		cache:     c,
		ttl:       cfg.CacheTTL,
		breaker:   cfg.Breaker,
		coalescer: coalescer,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
}

// BreakerConfig returns a circuit breaker config that only counts server-class
// scrape failures and reports state changes as metrics.
func BreakerConfig(failureThreshold, successThreshold int, timeout time.Duration, logger *zap.Logger) circuitbreaker.Config {
	if logger == nil {
		logger = zap.NewNop()
	}
	observability.CircuitBreakerState.WithLabelValues("scraper").Set(float64(circuitbreaker.StateClosed))
	return circuitbreaker.Config{
		FailureThreshold: failureThreshold,
		SuccessThreshold: successThreshold,
		Timeout:          timeout,
		Component:        "scraper",
		IsFailure:        IsServerError,
		OnStateChange: func(from, to circuitbreaker.State) {
			observability.CircuitBreakerState.WithLabelValues("scraper").Set(float64(to))
			observability.CircuitBreakerTransitionsTotal.WithLabelValues("scraper", from.String(), to.String()).Inc()
			logger.Warn("circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
}

// IsServerError reports whether err is a failure on our side or the site's,
// as opposed to bad input or upstream rate limiting.
func IsServerError(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, scraper.ErrBadInput),
		errors.Is(err, ErrNoData),
		IsInvalidInput(err),
		errors.Is(err, resolver.ErrRateLimited),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// IsInvalidInput reports whether err came from city or state validation.
func IsInvalidInput(err error) bool {
	return errors.Is(err, validation.ErrCityEmpty) ||
		errors.Is(err, validation.ErrCityTooLong) ||
		errors.Is(err, validation.ErrCityInvalidChars) ||
		errors.Is(err, validation.ErrInvalidState)
}

// BreakerState reports the scrape circuit state, or "disabled".
func (s *SalePriceService) BreakerState() string {
	if s.breaker == nil {
		return "disabled"
	}
	return s.breaker.State().String()
}

func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// GetSalePrice returns the record for (city, state), scraping it on first request.
// Input is validated and normalized here so every caller shares one key space.
func (s *SalePriceService) GetSalePrice(ctx context.Context, city, state string) (models.MedianSalePriceRecord, error) {
	city, err := validation.ValidateCity(city, validation.MaxCityLength)
	if err != nil {
		return models.MedianSalePriceRecord{}, err
	}
	state, err = validation.ValidateState(state)
	if err != nil {
		return models.MedianSalePriceRecord{}, err
	}
	key := cache.Key(city, state)
	start := time.Now()
	logger := loggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	}
	logger = logger.With(zap.String("city", city), zap.String("state", state))
	observability.RecordSalePriceQuery(city, state)

	if record, ok := s.cacheGet(ctx, key, logger); ok {
		logger.Debug("sale price served", zap.String("source", "cache"), zap.Duration("duration", time.Since(start)))
		return record, nil
	}

	record, ok, err := s.store.FindOne(ctx, city, state)
	if err != nil {
		return models.MedianSalePriceRecord{}, fmt.Errorf("find record for %s, %s: %w", city, state, err)
	}
	if ok {
		s.cacheSet(ctx, key, record, logger)
		logger.Debug("sale price served", zap.String("source", "store"), zap.Duration("duration", time.Since(start)))
		return record, nil
	}

	logger.Info("no stored record, scraping")
	// Once started, a scrape runs to completion even if the caller goes away.
	scrapeCtx := context.WithoutCancel(ctx)
	fetch := func() (models.MedianSalePriceRecord, error) {
		return s.scrapeAndPersist(scrapeCtx, key, city, state, logger)
	}
	if s.coalescer == nil {
		return fetch()
	}

	record, shared, err := s.coalescer.GetOrDo(ctx, key, fetch)
	if shared {
		observability.RequestCoalescingHitsTotal.Inc()
		logger.Debug("joined in-flight scrape")
	}
	return record, err
}

func (s *SalePriceService) scrapeAndPersist(ctx context.Context, key, city, state string, logger *zap.Logger) (models.MedianSalePriceRecord, error) {
	// A request that just finished may have persisted this location.
	if record, ok, err := s.store.FindOne(ctx, city, state); err == nil && ok {
		return record, nil
	}

	var points []models.ScrapePoint
	scrape := func() error {
		var err error
		points, err = s.scraper.Scrape(ctx, city, state)
		return err
	}
	var err error
	if s.breaker != nil {
		err = s.breaker.Call(ctx, scrape)
	} else {
		err = scrape()
	}
	if err != nil {
		return models.MedianSalePriceRecord{}, fmt.Errorf("scrape %s, %s: %w", city, state, err)
	}

	record, err := buildRecord(city, state, points, s.now())
	if err != nil {
		logger.Warn("scrape produced no usable data", zap.Int("points", len(points)), zap.Error(err))
		return models.MedianSalePriceRecord{}, err
	}
	if err := s.store.Insert(ctx, record); err != nil {
		return models.MedianSalePriceRecord{}, fmt.Errorf("persist record for %s, %s: %w", city, state, err)
	}
	s.cacheSet(ctx, key, record, logger)
	logger.Info("sale price scraped",
		zap.String("region", record.RegionName),
		zap.Int("points", len(points)),
		zap.Int("months", len(record.MedianSaleData)),
	)
	return record, nil
}

// buildRecord turns chart points into a record. Points without a value are
// skipped; the region label comes from the first point.
func buildRecord(city, state string, points []models.ScrapePoint, now time.Time) (models.MedianSalePriceRecord, error) {
	if len(points) == 0 {
		return models.MedianSalePriceRecord{}, fmt.Errorf("%w: chart had no points", ErrNoData)
	}
	if points[0].RegionName == "" {
		return models.MedianSalePriceRecord{}, fmt.Errorf("%w: chart tooltip had no region", ErrNoData)
	}
	data := make(map[string]float64, len(points))
	for _, p := range points {
		if p.Value == nil {
			continue
		}
		data[p.Date.Format(models.MonthKeyLayout)] = *p.Value
	}
	if len(data) == 0 {
		return models.MedianSalePriceRecord{}, fmt.Errorf("%w: no point carried a price", ErrNoData)
	}
	return models.MedianSalePriceRecord{
		City:           city,
		State:          state,
		RegionName:     points[0].RegionName,
		LastUpdatedAt:  now.UTC().Truncate(time.Millisecond),
		MedianSaleData: data,
	}, nil
}

func (s *SalePriceService) cacheGet(ctx context.Context, key string, logger *zap.Logger) (models.MedianSalePriceRecord, bool) {
	start := time.Now()
	record, ok, err := s.cache.Get(ctx, key)
	duration := time.Since(start).Seconds()
	switch {
	case err != nil:
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(duration)
		logger.Warn("cache get failed", zap.Error(err))
		return models.MedianSalePriceRecord{}, false
	case ok:
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "hit").Observe(duration)
		observability.CacheHitsTotal.Inc()
		return record, true
	default:
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "miss").Observe(duration)
		observability.CacheMissesTotal.Inc()
		return models.MedianSalePriceRecord{}, false
	}
}

func (s *SalePriceService) cacheSet(ctx context.Context, key string, record models.MedianSalePriceRecord, logger *zap.Logger) {
	start := time.Now()
	if err := s.cache.Set(ctx, key, record, s.ttl); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(start).Seconds())
		logger.Warn("cache set failed", zap.Error(err))
		return
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(start).Seconds())
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "timeout"):
		return "timeout"
	case strings.Contains(errStr, "connection"), strings.Contains(errStr, "network"), strings.Contains(errStr, "connect"):
		return "connection"
	default:
		return "unknown"
	}
}
