package scraper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kjstillabower/sale-price-service/internal/browser"
)

func tooltipHTML(month, region, value string) string {
	return fmt.Sprintf(`<div id="home_prices">
  <div class="locationHeader"><span class="locationSubheader">%s</span></div>
  <div class="locationEntries">
    <div class="locationEntry"><span class="swatch"></span><span class="name">%s</span><span class="value">%s</span></div>
    <div class="locationEntry"><span class="name">United States</span><span class="value">$400,000</span></div>
  </div>
</div>`, month, region, value)
}

// fakeSession renders the tooltip for the last pointer position via frame.
type fakeSession struct {
	mu       sync.Mutex
	waitErr  error
	box      browser.Box
	boxErr   error
	frame    func(x float64) string
	timeouts []time.Duration
	moves    []float64
	closed   bool
	x        float64
}

func (s *fakeSession) WaitVisible(_ context.Context, _ string, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeouts = append(s.timeouts, timeout)
	return s.waitErr
}

func (s *fakeSession) BoundingBox(context.Context, string) (browser.Box, error) {
	return s.box, s.boxErr
}

func (s *fakeSession) MoveMouse(_ context.Context, x, _ float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.x = x
	s.moves = append(s.moves, x)
	return nil
}

func (s *fakeSession) OuterHTML(context.Context, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame(s.x), nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakeLauncher hands out sessions in order; the last one is reused when exhausted.
type fakeLauncher struct {
	mu         sync.Mutex
	sessions   []*fakeSession
	openErr    error
	opened     int
	urls       []string
	userAgents []string
}

func (l *fakeLauncher) Open(_ context.Context, url, userAgent string) (browser.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.urls = append(l.urls, url)
	l.userAgents = append(l.userAgents, userAgent)
	if l.openErr != nil {
		return nil, l.openErr
	}
	i := l.opened
	if i >= len(l.sessions) {
		i = len(l.sessions) - 1
	}
	l.opened++
	return l.sessions[i], nil
}

type recordingSleeper struct {
	delays []time.Duration
	err    error
}

func (r *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return r.err
}

func noPause(context.Context, time.Duration) error { return nil }
