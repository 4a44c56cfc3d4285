package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/kjstillabower/sale-price-service/internal/useragent"
)

// stealthScript masks the most common headless-automation fingerprints.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', {get: () => undefined});
Object.defineProperty(navigator, 'languages', {get: () => ['en-US', 'en']});
Object.defineProperty(navigator, 'plugins', {get: () => [1, 2, 3, 4, 5]});
window.chrome = window.chrome || {runtime: {}};
`

// ChromeConfig configures ChromeLauncher. Empty strings and non-positive
// sizes or timeouts take defaults; Headless is used as given.
type ChromeConfig struct {
	ExecPath        string
	Headless        bool
	WindowWidth     int
	WindowHeight    int
	Timezone        string
	Locale          string
	NavigateTimeout time.Duration
	Logger          *zap.Logger
}

// ChromeLauncher starts one Chrome process per session so nothing is shared
// between scrapes.
type ChromeLauncher struct {
	cfg    ChromeConfig
	logger *zap.Logger
}

var _ Launcher = (*ChromeLauncher)(nil)

func NewChromeLauncher(cfg ChromeConfig) *ChromeLauncher {
	if cfg.ExecPath == "" {
		cfg.ExecPath = FindChromeBinary()
	}
	if cfg.WindowWidth <= 0 {
		cfg.WindowWidth = 1366
	}
	if cfg.WindowHeight <= 0 {
		cfg.WindowHeight = 900
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "America/New_York"
	}
	if cfg.Locale == "" {
		cfg.Locale = "en-US"
	}
	if cfg.NavigateTimeout <= 0 {
		cfg.NavigateTimeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromeLauncher{cfg: cfg, logger: logger}
}

func (l *ChromeLauncher) allocatorOptions(userAgent string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", l.cfg.Headless),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("disable-features", "VizDisplayCompositor"),
		chromedp.WindowSize(l.cfg.WindowWidth, l.cfg.WindowHeight),
		chromedp.UserAgent(userAgent),
	)
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	return opts
}

// Open launches Chrome, applies the identity, navigates to url and scrolls the
// chart area into view. The caller must Close the returned session.
func (l *ChromeLauncher) Open(ctx context.Context, url, userAgent string) (Session, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, l.allocatorOptions(userAgent)...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	s := &chromeSession{ctx: tabCtx, cancelTab: cancelTab, cancelAlloc: cancelAlloc}

	// Bind the browser to tabCtx before any per-action deadline is applied.
	if err := chromedp.Run(tabCtx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	headers := network.Headers{}
	for k, v := range useragent.PageHeaders() {
		headers[k] = v
	}

	navCtx, cancelNav := context.WithTimeout(tabCtx, l.cfg.NavigateTimeout)
	defer cancelNav()
	err := chromedp.Run(navCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(headers),
		emulation.SetTimezoneOverride(l.cfg.Timezone),
		emulation.SetLocaleOverride().WithLocale(l.cfg.Locale),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}),
		chromedp.Navigate(url),
		chromedp.Evaluate(`window.scrollTo(0, 500);`, nil),
	)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}
	l.logger.Debug("browser session opened", zap.String("url", url))
	return s, nil
}

type chromeSession struct {
	ctx         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
}

func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return chromedp.Run(s.ctx, actions...)
}

func (s *chromeSession) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	err := chromedp.Run(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery))
	if err != nil && errors.Is(err, context.DeadlineExceeded) && s.ctx.Err() == nil {
		return fmt.Errorf("%w: %s after %v", ErrVisibilityTimeout, selector, timeout)
	}
	return err
}

type jsBox struct {
	Found bool `json:"found"`
	Box
}

func (s *chromeSession) BoundingBox(ctx context.Context, selector string) (Box, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return Box{}, err
	}
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return {found: false};
		const r = el.getBoundingClientRect();
		return {found: true, x: r.x, y: r.y, width: r.width, height: r.height};
	})()`, quoted)

	var res jsBox
	if err := s.run(ctx, chromedp.Evaluate(script, &res)); err != nil {
		return Box{}, fmt.Errorf("bounding box %s: %w", selector, err)
	}
	if !res.Found {
		return Box{}, fmt.Errorf("bounding box %s: element not found", selector)
	}
	return res.Box, nil
}

func (s *chromeSession) MoveMouse(ctx context.Context, x, y float64) error {
	return s.run(ctx, chromedp.MouseEvent(input.MouseMoved, x, y))
}

func (s *chromeSession) OuterHTML(ctx context.Context, selector string) (string, error) {
	var html string
	if err := s.run(ctx, chromedp.OuterHTML(selector, &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("outer html %s: %w", selector, err)
	}
	return html, nil
}

// Close tears down the tab and kills the browser process. Safe to call twice.
func (s *chromeSession) Close() error {
	s.cancelTab()
	s.cancelAlloc()
	return nil
}

// FindChromeBinary locates a Chrome/Chromium binary. CHROME_BIN wins; an empty
// result lets chromedp use its own lookup.
func FindChromeBinary() string {
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}

	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
		"/opt/google/chrome/google-chrome",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
