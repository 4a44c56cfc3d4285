package scraper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/sale-price-service/internal/browser"
	"github.com/kjstillabower/sale-price-service/internal/useragent"
)

const listingURL = "https://www.redfin.com/city/16163/WA/Seattle/housing-market"

// chartFrame maps the sweep 10,12,14 to January and 16 to February.
func chartFrame(x float64) string {
	switch {
	case x < 11:
		return tooltipHTML("Jan 2020", "Seattle, WA", "$700,000")
	case x < 16:
		return tooltipHTML("Jan 2020", "Seattle, WA", "$999,999")
	default:
		return tooltipHTML("Feb 2020", "Seattle, WA", "$710,000")
	}
}

func healthySession() *fakeSession {
	return &fakeSession{
		box:   browser.Box{X: 10, Y: 100, Width: 8, Height: 50},
		frame: chartFrame,
	}
}

func newTestChartScraper(l browser.Launcher, sleeper *recordingSleeper) *ChartScraper {
	return NewChartScraper(ChartConfig{
		Launcher:       l,
		Identity:       useragent.Fixed("test-agent"),
		InitialTimeout: 30 * time.Second,
		TimeoutFactor:  1.5,
		MaxRetries:     3,
		BaseDelay:      time.Second,
		StepPx:         2,
		Settle:         10 * time.Millisecond,
		Sleep:          sleeper.Sleep,
		Pause:          noPause,
	})
}

func TestScrapeChart_DedupFirstOccurrenceWins(t *testing.T) {
	session := healthySession()
	launcher := &fakeLauncher{sessions: []*fakeSession{session}}
	sleeper := &recordingSleeper{}

	points, err := newTestChartScraper(launcher, sleeper).ScrapeChart(context.Background(), listingURL)
	require.NoError(t, err)

	assert.Equal(t, []float64{10, 12, 14, 16}, session.moves)
	require.Len(t, points, 2)
	assert.Equal(t, time.January, points[0].Date.Month())
	require.NotNil(t, points[0].Value)
	assert.Equal(t, 700000.0, *points[0].Value, "first read for a month must win")
	assert.Equal(t, time.February, points[1].Date.Month())
	assert.True(t, session.closed)
	assert.Empty(t, sleeper.delays)
	assert.Equal(t, []string{listingURL}, launcher.urls)
	assert.Equal(t, []string{"test-agent"}, launcher.userAgents)
}

func TestScrapeChart_SweepsAtVerticalMidpoint(t *testing.T) {
	var ys []float64
	session := &yRecorder{fakeSession: healthySession(), ys: &ys}
	scraper := newTestChartScraper(&fakeLauncher{}, &recordingSleeper{})

	_, err := scraper.sweep(context.Background(), session, 30*time.Second)
	require.NoError(t, err)

	require.Len(t, ys, 4)
	for _, y := range ys {
		assert.Equal(t, 125.0, y)
	}
}

type yRecorder struct {
	*fakeSession
	ys *[]float64
}

func (r *yRecorder) MoveMouse(ctx context.Context, x, y float64) error {
	*r.ys = append(*r.ys, y)
	return r.fakeSession.MoveMouse(ctx, x, y)
}

func TestScrapeChart_TimeoutRetryThenSuccess(t *testing.T) {
	first := &fakeSession{waitErr: browser.ErrVisibilityTimeout}
	second := &fakeSession{waitErr: browser.ErrVisibilityTimeout}
	third := healthySession()
	launcher := &fakeLauncher{sessions: []*fakeSession{first, second, third}}
	sleeper := &recordingSleeper{}

	points, err := newTestChartScraper(launcher, sleeper).ScrapeChart(context.Background(), listingURL)
	require.NoError(t, err)
	assert.Len(t, points, 2)

	assert.Equal(t, 3, launcher.opened, "each retry restarts the whole scrape")
	assert.Equal(t, []time.Duration{30 * time.Second}, first.timeouts)
	assert.Equal(t, []time.Duration{45 * time.Second}, second.timeouts)
	assert.Equal(t, []time.Duration{67500 * time.Millisecond, 67500 * time.Millisecond}, third.timeouts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)
	for i, s := range []*fakeSession{first, second, third} {
		assert.True(t, s.closed, "session %d not closed", i)
	}
}

func TestScrapeChart_TimeoutRetriesExhausted(t *testing.T) {
	session := &fakeSession{waitErr: browser.ErrVisibilityTimeout}
	launcher := &fakeLauncher{sessions: []*fakeSession{session}}
	sleeper := &recordingSleeper{}

	_, err := newTestChartScraper(launcher, sleeper).ScrapeChart(context.Background(), listingURL)
	require.ErrorIs(t, err, ErrScrapeFailed)
	assert.ErrorIs(t, err, browser.ErrVisibilityTimeout)

	assert.Equal(t, 4, launcher.opened)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeper.delays)
	assert.True(t, session.closed)
}

func TestScrapeChart_OtherErrorsAreFatal(t *testing.T) {
	boom := errors.New("node not found")

	t.Run("bounding box", func(t *testing.T) {
		session := healthySession()
		session.boxErr = boom
		launcher := &fakeLauncher{sessions: []*fakeSession{session}}
		sleeper := &recordingSleeper{}

		_, err := newTestChartScraper(launcher, sleeper).ScrapeChart(context.Background(), listingURL)
		require.ErrorIs(t, err, ErrScrapeFailed)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, launcher.opened)
		assert.Empty(t, sleeper.delays)
		assert.True(t, session.closed)
	})

	t.Run("empty chart", func(t *testing.T) {
		session := healthySession()
		session.box = browser.Box{X: 10, Y: 10}
		launcher := &fakeLauncher{sessions: []*fakeSession{session}}

		_, err := newTestChartScraper(launcher, &recordingSleeper{}).ScrapeChart(context.Background(), listingURL)
		require.ErrorIs(t, err, ErrScrapeFailed)
		assert.True(t, session.closed)
	})

	t.Run("malformed tooltip", func(t *testing.T) {
		session := healthySession()
		session.frame = func(float64) string { return tooltipHTML("Jan 2020", "Seattle, WA", "N/A") }
		launcher := &fakeLauncher{sessions: []*fakeSession{session}}

		_, err := newTestChartScraper(launcher, &recordingSleeper{}).ScrapeChart(context.Background(), listingURL)
		require.ErrorIs(t, err, ErrScrapeFailed)
		assert.Equal(t, 1, launcher.opened)
		assert.True(t, session.closed)
	})

	t.Run("launch", func(t *testing.T) {
		launcher := &fakeLauncher{openErr: boom}

		_, err := newTestChartScraper(launcher, &recordingSleeper{}).ScrapeChart(context.Background(), listingURL)
		require.ErrorIs(t, err, ErrScrapeFailed)
		assert.Len(t, launcher.urls, 1)
	})
}

func TestScrapeChart_ContextCanceledDuringBackoff(t *testing.T) {
	session := &fakeSession{waitErr: browser.ErrVisibilityTimeout}
	launcher := &fakeLauncher{sessions: []*fakeSession{session}}
	sleeper := &recordingSleeper{err: context.Canceled}

	_, err := newTestChartScraper(launcher, sleeper).ScrapeChart(context.Background(), listingURL)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, launcher.opened)
}
