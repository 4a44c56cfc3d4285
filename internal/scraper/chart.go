package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/sale-price-service/internal/backoff"
	"github.com/kjstillabower/sale-price-service/internal/browser"
	"github.com/kjstillabower/sale-price-service/internal/models"
	"github.com/kjstillabower/sale-price-service/internal/observability"
	"github.com/kjstillabower/sale-price-service/internal/useragent"
)

// ChartConfig holds ChartScraper parameters.
type ChartConfig struct {
	Launcher       browser.Launcher
	Identity       useragent.Selector
	InitialTimeout time.Duration
	TimeoutFactor  float64
	MaxRetries     int
	BaseDelay      time.Duration
	StepPx         int
	Settle         time.Duration
	// Sleep waits out retry backoff; Pause waits for the tooltip to settle.
	Sleep  backoff.Sleeper
	Pause  backoff.Sleeper
	Logger *zap.Logger
}

// ChartScraper sweeps the pointer across the median-sale-price chart and reads
// the tooltip at every step.
type ChartScraper struct {
	launcher       browser.Launcher
	identity       useragent.Selector
	initialTimeout time.Duration
	timeoutFactor  float64
	maxRetries     int
	baseDelay      time.Duration
	stepPx         int
	settle         time.Duration
	sleep          backoff.Sleeper
	pause          backoff.Sleeper
	logger         *zap.Logger
}

func NewChartScraper(cfg ChartConfig) *ChartScraper {
	if cfg.Identity == nil {
		cfg.Identity = useragent.NewRandom(nil, 0)
	}
	if cfg.InitialTimeout <= 0 {
		cfg.InitialTimeout = 30 * time.Second
	}
	if cfg.TimeoutFactor < 1 {
		cfg.TimeoutFactor = 1.5
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.StepPx <= 0 {
		cfg.StepPx = 2
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}
	if cfg.Sleep == nil {
		cfg.Sleep = backoff.Sleep
	}
	if cfg.Pause == nil {
		cfg.Pause = backoff.Sleep
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &ChartScraper{
		launcher:       cfg.Launcher,
		identity:       cfg.Identity,
		initialTimeout: cfg.InitialTimeout,
		timeoutFactor:  cfg.TimeoutFactor,
		maxRetries:     cfg.MaxRetries,
		baseDelay:      cfg.BaseDelay,
		stepPx:         cfg.StepPx,
		settle:         cfg.Settle,
		sleep:          cfg.Sleep,
		pause:          cfg.Pause,
		logger:         cfg.Logger,
	}
}

// ScrapeChart returns one point per distinct month, earliest first. A visibility
// timeout restarts the whole scrape with exponential backoff and a longer timeout;
// any other failure is returned immediately. Both wrap ErrScrapeFailed.
func (c *ChartScraper) ScrapeChart(ctx context.Context, url string) ([]models.ScrapePoint, error) {
	start := time.Now()
	logger := c.logger.With(zap.String("url", url))
	timeout := c.initialTimeout

	for attempt := 0; ; attempt++ {
		logger.Info("scraping chart", zap.Int("attempt", attempt+1), zap.Duration("timeout", timeout))
		points, err := c.scrapeOnce(ctx, url, timeout)
		if err == nil {
			observability.ChartScrapesTotal.WithLabelValues("success").Inc()
			observability.ChartScrapeDuration.Observe(time.Since(start).Seconds())
			observability.ChartPointsScraped.Observe(float64(len(points)))
			logger.Info("chart scraped", zap.Int("points", len(points)), zap.Duration("duration", time.Since(start)))
			return points, nil
		}

		if !errors.Is(err, browser.ErrVisibilityTimeout) {
			observability.ChartScrapesTotal.WithLabelValues("error").Inc()
			logger.Error("chart scrape failed", zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrScrapeFailed, err)
		}
		if attempt >= c.maxRetries {
			observability.ChartScrapesTotal.WithLabelValues("timeout").Inc()
			logger.Error("chart scrape timed out, retries exhausted", zap.Error(err), zap.Int("retries", attempt))
			return nil, fmt.Errorf("%w: %w", ErrScrapeFailed, err)
		}

		delay := backoff.Exponential(c.baseDelay, attempt)
		logger.Warn("chart not visible, retrying", zap.Error(err), zap.Duration("delay", delay))
		observability.ChartScrapeRetriesTotal.Inc()
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
		timeout = time.Duration(float64(timeout) * c.timeoutFactor)
	}
}

func (c *ChartScraper) scrapeOnce(ctx context.Context, url string, timeout time.Duration) ([]models.ScrapePoint, error) {
	session, err := c.launcher.Open(ctx, url, c.identity.UserAgent())
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			c.logger.Warn("browser session close failed", zap.Error(cerr))
		}
	}()
	return c.sweep(ctx, session, timeout)
}

func (c *ChartScraper) sweep(ctx context.Context, session browser.Session, timeout time.Duration) ([]models.ScrapePoint, error) {
	for _, selector := range []string{ChartSelector, EntriesSelector} {
		if err := session.WaitVisible(ctx, selector, timeout); err != nil {
			return nil, err
		}
	}

	box, err := session.BoundingBox(ctx, ChartSVGSelector)
	if err != nil {
		return nil, err
	}
	if box.Width <= 0 || box.Height <= 0 {
		return nil, fmt.Errorf("chart has empty bounding box %+v", box)
	}

	y := box.Y + box.Height*0.5
	seen := make(map[time.Time]struct{})
	var points []models.ScrapePoint
	for x := int(box.X); x < int(box.X+box.Width); x += c.stepPx {
		if err := session.MoveMouse(ctx, float64(x), y); err != nil {
			return nil, err
		}
		if err := c.pause(ctx, c.settle); err != nil {
			return nil, err
		}
		html, err := session.OuterHTML(ctx, PanelSelector)
		if err != nil {
			return nil, err
		}
		point, err := ExtractRow(html)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[point.Date]; dup {
			continue
		}
		seen[point.Date] = struct{}{}
		points = append(points, point)
	}
	return points, nil
}
