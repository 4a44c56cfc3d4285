package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/sale-price-service/internal/models"
	"github.com/kjstillabower/sale-price-service/internal/observability"
)

// RecordFetcher is implemented by the service layer. Used by CacheWarmer to
// avoid a circular dependency on the service package.
type RecordFetcher interface {
	GetSalePrice(ctx context.Context, city, state string) (models.MedianSalePriceRecord, error)
}

// CacheWarmer prefetches sale-price records for a list of "City, ST" locations.
type CacheWarmer struct {
	fetcher RecordFetcher
	logger  *zap.Logger
}

func NewCacheWarmer(fetcher RecordFetcher, logger *zap.Logger) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{fetcher: fetcher, logger: logger}
}

// SplitLocation splits "City, ST" on the last comma.
func SplitLocation(location string) (city, state string, err error) {
	i := strings.LastIndex(location, ",")
	if i < 0 {
		return "", "", fmt.Errorf("location %q: want \"City, ST\"", location)
	}
	city = strings.TrimSpace(location[:i])
	state = strings.TrimSpace(location[i+1:])
	if city == "" || state == "" {
		return "", "", fmt.Errorf("location %q: want \"City, ST\"", location)
	}
	return city, state, nil
}

// Warm fetches each location in turn; every miss starts a browser, so they are
// not run concurrently. All failures are joined into the returned error.
func (w *CacheWarmer) Warm(ctx context.Context, locations []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("locations", len(locations)))

	var errs []error
	for _, loc := range locations {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		city, state, err := SplitLocation(loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := w.fetcher.GetSalePrice(ctx, city, state); err != nil {
			errs = append(errs, fmt.Errorf("warm %s: %w", loc, err))
		}
	}

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("locations", len(locations)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration),
	)
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until ctx is done.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, locations []string, interval time.Duration) error {
	if err := w.Warm(ctx, locations); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, locations); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
