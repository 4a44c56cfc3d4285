package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/sale-price-service/internal/backoff"
	"github.com/kjstillabower/sale-price-service/internal/observability"
	"github.com/kjstillabower/sale-price-service/internal/useragent"
)

// Resolver maps a free-text city/state to the listing site's housing-market page.
// An empty URL with a nil error means the lookup found no match.
type Resolver interface {
	Resolve(ctx context.Context, city, state string) (string, error)
}

var (
	ErrRateLimited     = errors.New("rate limited")
	ErrNoMatch         = errors.New("no exact match")
	ErrUpstreamFailure = errors.New("upstream failure")
)

const (
	DefaultLookupURL = "https://www.redfin.com/stingray/do/location-autocomplete"
	DefaultSiteURL   = "https://www.redfin.com"

	// responsePrefix guards the autocomplete JSON against script inclusion.
	responsePrefix = "{}&&"
)

// Config holds LocationResolver parameters. Empty strings, non-positive
// durations and nil hooks take defaults. MaxRetries 0 disables retries.
type Config struct {
	LookupURL  string
	SiteURL    string
	Timeout    time.Duration
	ProxyURL   string
	MaxRetries int
	BaseDelay  time.Duration
	Identity   useragent.Selector
	Sleep      backoff.Sleeper
	Logger     *zap.Logger
}

// LocationResolver resolves locations through the site's autocomplete endpoint.
// HTTP 429 is retried with exponential backoff; every other failure is logged
// and reported as "no match".
type LocationResolver struct {
	lookupURL  string
	siteURL    string
	maxRetries int
	baseDelay  time.Duration
	identity   useragent.Selector
	sleep      backoff.Sleeper
	logger     *zap.Logger
	client     *http.Client
}

func New(cfg Config) (*LocationResolver, error) {
	if cfg.LookupURL == "" {
		cfg.LookupURL = DefaultLookupURL
	}
	if _, err := url.Parse(cfg.LookupURL); err != nil {
		return nil, fmt.Errorf("invalid lookup URL: %w", err)
	}
	if cfg.SiteURL == "" {
		cfg.SiteURL = DefaultSiteURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.Identity == nil {
		cfg.Identity = useragent.NewRandom(nil, 0)
	}
	if cfg.Sleep == nil {
		cfg.Sleep = backoff.Sleep
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil || proxy.Host == "" {
			return nil, fmt.Errorf("invalid proxy URL %q", cfg.ProxyURL)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	return &LocationResolver{
		lookupURL:  cfg.LookupURL,
		siteURL:    strings.TrimRight(cfg.SiteURL, "/"),
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		identity:   cfg.Identity,
		sleep:      cfg.Sleep,
		logger:     cfg.Logger,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}, nil
}

type autocompleteResponse struct {
	Payload struct {
		ExactMatch *struct {
			URL string `json:"url"`
		} `json:"exactMatch"`
	} `json:"payload"`
}

// Resolve returns the absolute housing-market URL for city/state.
// After maxRetries rate-limited retries it fails with ErrRateLimited.
func (r *LocationResolver) Resolve(ctx context.Context, city, state string) (string, error) {
	logger := r.logger.With(zap.String("city", city), zap.String("state", state))

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			observability.LocationLookupRetriesTotal.Inc()
			if err := r.sleep(ctx, backoff.Exponential(r.baseDelay, attempt-1)); err != nil {
				return "", err
			}
		}

		path, err := r.lookup(ctx, city, state)
		if err == nil {
			return r.housingMarketURL(path), nil
		}

		if errors.Is(err, ErrRateLimited) {
			if attempt >= r.maxRetries {
				logger.Error("location lookup rate limited, retries exhausted", zap.Int("retries", attempt))
				return "", fmt.Errorf("location lookup for %s, %s: %w", city, state, err)
			}
			logger.Warn("location lookup rate limited, backing off",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", backoff.Exponential(r.baseDelay, attempt)))
			continue
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}

		// Transport and parse failures are indistinguishable from "no match" to callers.
		if errors.Is(err, ErrNoMatch) {
			logger.Info("location lookup found no exact match")
		} else {
			logger.Error("location lookup failed", zap.Error(err), zap.String("category", string(CategorizeError(err))))
		}
		return "", nil
	}
}

func (r *LocationResolver) lookup(ctx context.Context, city, state string) (string, error) {
	start := time.Now()

	req, err := r.buildRequest(ctx, city, state)
	if err != nil {
		observability.LocationLookupCallsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		observability.LocationLookupCallsTotal.WithLabelValues("error").Inc()
		observability.LocationLookupDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", fmt.Errorf("request timeout: %w", err)
		}
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.LocationLookupCallsTotal.WithLabelValues(status).Inc()
	observability.LocationLookupDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		return "", err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	return parseResponse(body)
}

func (r *LocationResolver) buildRequest(ctx context.Context, city, state string) (*http.Request, error) {
	u, err := url.Parse(r.lookupURL)
	if err != nil {
		return nil, fmt.Errorf("invalid lookup URL: %w", err)
	}
	u.RawQuery = "location=" + url.QueryEscape(city) + "," + url.QueryEscape(state) + "&v=2"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	useragent.ApplyHeaders(req.Header, r.identity.UserAgent())
	return req, nil
}

// parseResponse strips the optional "{}&&" guard and extracts payload.exactMatch.url.
func parseResponse(body []byte) (string, error) {
	text := strings.TrimPrefix(strings.TrimSpace(string(body)), responsePrefix)

	var parsed autocompleteResponse
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if parsed.Payload.ExactMatch == nil || parsed.Payload.ExactMatch.URL == "" {
		return "", ErrNoMatch
	}
	return parsed.Payload.ExactMatch.URL, nil
}

func (r *LocationResolver) housingMarketURL(path string) string {
	return r.siteURL + "/" + strings.TrimLeft(path, "/") + "/housing-market"
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return nil
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
