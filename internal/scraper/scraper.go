package scraper

import (
	"context"
	"fmt"

	"github.com/kjstillabower/sale-price-service/internal/models"
	"github.com/kjstillabower/sale-price-service/internal/resolver"
)

// ChartSource reads the chart behind a resolved housing-market URL.
type ChartSource interface {
	ScrapeChart(ctx context.Context, url string) ([]models.ScrapePoint, error)
}

// Scraper resolves a location and scrapes its chart.
type Scraper struct {
	resolver resolver.Resolver
	chart    ChartSource
}

func New(r resolver.Resolver, chart ChartSource) *Scraper {
	return &Scraper{resolver: r, chart: chart}
}

// Scrape returns the chart points for city/state as produced by the chart
// source, which may be empty. An unresolvable location fails with ErrBadInput
// before any browser is started.
func (s *Scraper) Scrape(ctx context.Context, city, state string) ([]models.ScrapePoint, error) {
	url, err := s.resolver.Resolve(ctx, city, state)
	if err != nil {
		return nil, err
	}
	if url == "" {
		return nil, fmt.Errorf("%w: no listing page found for %s, %s", ErrBadInput, city, state)
	}
	return s.chart.ScrapeChart(ctx, url)
}
