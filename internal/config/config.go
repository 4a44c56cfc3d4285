package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/sale-price-service/internal/cache"
)

// Config holds service configuration loaded from .env, YAML and environment.
// It is built once in main and passed to constructors.
type Config struct {
	ServerPort      string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string

	StoreBackend        string // "mongo", "postgres" or "in_memory"
	MongoURI            string
	MongoDatabase       string
	PostgresDSN         string
	StoreConnectTimeout time.Duration

	CacheBackend          string // "in_memory" or "memcached"
	CacheTTL              time.Duration
	MemcachedAddrs        []string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	LookupURL        string
	SiteURL          string
	ProxyURL         string
	LookupTimeout    time.Duration
	LookupMaxRetries int
	LookupBaseDelay  time.Duration

	ChromePath           string
	Headless             bool
	NavigateTimeout      time.Duration
	ScrapeInitialTimeout time.Duration
	ScrapeTimeoutFactor  float64
	ScrapeMaxRetries     int
	ScrapeBaseDelay      time.Duration
	SweepStepPx          int
	SweepSettle          time.Duration

	CoalesceEnabled         bool
	CoalesceTimeout         time.Duration
	BreakerEnabled          bool
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	RateLimitRPS         int
	RateLimitBurst       int
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	DegradedWindow       time.Duration
	DegradedErrorPct     int

	WarmLocations    []string
	WarmInterval     time.Duration
	TrackedLocations []string
}

type fileConfig struct {
	Server struct {
		Port            string   `yaml:"port"`
		RequestTimeout  string   `yaml:"request_timeout"`
		ShutdownTimeout string   `yaml:"shutdown_timeout"`
		CORSOrigins     []string `yaml:"cors_origins"`
	} `yaml:"server"`

	Store struct {
		Backend        string `yaml:"backend"`
		MongoDatabase  string `yaml:"mongo_database"`
		ConnectTimeout string `yaml:"connect_timeout"`
	} `yaml:"store"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Lookup struct {
		URL        string `yaml:"url"`
		SiteURL    string `yaml:"site_url"`
		Timeout    string `yaml:"timeout"`
		MaxRetries *int   `yaml:"max_retries"`
		BaseDelay  string `yaml:"base_delay"`
	} `yaml:"lookup"`

	Scraper struct {
		Headless        *bool   `yaml:"headless"`
		NavigateTimeout string  `yaml:"navigate_timeout"`
		InitialTimeout  string  `yaml:"initial_timeout"`
		TimeoutFactor   float64 `yaml:"timeout_factor"`
		MaxRetries      *int    `yaml:"max_retries"`
		BaseDelay       string  `yaml:"base_delay"`
		StepPx          int     `yaml:"step_px"`
		Settle          string  `yaml:"settle"`
	} `yaml:"scraper"`

	Reliability struct {
		CoalesceEnabled         *bool  `yaml:"coalesce_enabled"`
		CoalesceTimeout         string `yaml:"coalesce_timeout"`
		BreakerEnabled          bool   `yaml:"breaker_enabled"`
		BreakerFailureThreshold int    `yaml:"breaker_failure_threshold"`
		BreakerSuccessThreshold int    `yaml:"breaker_success_threshold"`
		BreakerTimeout          string `yaml:"breaker_timeout"`
		RateLimitRPS            int    `yaml:"rate_limit_rps"`
		RateLimitBurst          int    `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Lifecycle struct {
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	Warming struct {
		Locations []string `yaml:"locations"`
		Interval  string   `yaml:"interval"`
	} `yaml:"warming"`

	Metrics struct {
		TrackedLocations []string `yaml:"tracked_locations"`
	} `yaml:"metrics"`
}

// Load reads .env and config/{ENV_NAME}.yaml (default dev) from the working
// directory, then applies environment overrides. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFrom(cwd)
}

// LoadFrom is Load rooted at dir. Variables already set in the environment win
// over .env.
func LoadFrom(dir string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(dir, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}
	cfg.ServerPort = firstNonEmpty(fc.Server.Port, "8080")
	cfg.RequestTimeout = parseDuration(fc.Server.RequestTimeout, 5*time.Minute)
	cfg.ShutdownTimeout = parseDuration(fc.Server.ShutdownTimeout, 30*time.Second)
	cfg.CORSOrigins = fc.Server.CORSOrigins
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}

	cfg.StoreBackend = lower(firstNonEmpty(os.Getenv("STORE_BACKEND"), fc.Store.Backend, "mongo"))
	cfg.MongoURI = strings.TrimSpace(os.Getenv("MONGO_URI"))
	cfg.MongoDatabase = firstNonEmpty(os.Getenv("MONGO_DATABASE"), fc.Store.MongoDatabase)
	cfg.PostgresDSN = strings.TrimSpace(os.Getenv("POSTGRES_DSN"))
	cfg.StoreConnectTimeout = parseDuration(fc.Store.ConnectTimeout, 10*time.Second)

	// A cache URL in the environment selects memcached unless CACHE_BACKEND says otherwise.
	cacheAddrs := firstNonEmpty(os.Getenv("CACHE_URL"), os.Getenv("MEMCACHED_ADDRS"))
	cfg.CacheBackend = lower(os.Getenv("CACHE_BACKEND"))
	if cfg.CacheBackend == "" && cacheAddrs != "" {
		cfg.CacheBackend = "memcached"
	}
	cfg.CacheBackend = firstNonEmpty(cfg.CacheBackend, lower(fc.Cache.Backend), "in_memory")
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 24*time.Hour)
	cfg.MemcachedAddrs = cache.ParseAddrs(firstNonEmpty(cacheAddrs, fc.Cache.Memcached.Addrs, "localhost:11211"))
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.LookupURL = firstNonEmpty(fc.Lookup.URL, "https://www.redfin.com/stingray/do/location-autocomplete")
	cfg.SiteURL = firstNonEmpty(fc.Lookup.SiteURL, "https://www.redfin.com")
	cfg.ProxyURL = firstNonEmpty(os.Getenv("WEBSHARE_ROTATING_PROXY_URL"), os.Getenv("PROXY_URL"))
	cfg.LookupTimeout = parseDuration(fc.Lookup.Timeout, 15*time.Second)
	cfg.LookupMaxRetries = intOr(fc.Lookup.MaxRetries, 3)
	cfg.LookupBaseDelay = parseDuration(fc.Lookup.BaseDelay, time.Second)

	cfg.ChromePath = strings.TrimSpace(os.Getenv("CHROME_BIN"))
	cfg.Headless = true
	if fc.Scraper.Headless != nil {
		cfg.Headless = *fc.Scraper.Headless
	}
	cfg.NavigateTimeout = parseDuration(fc.Scraper.NavigateTimeout, 60*time.Second)
	cfg.ScrapeInitialTimeout = parseDuration(fc.Scraper.InitialTimeout, 30*time.Second)
	cfg.ScrapeTimeoutFactor = fc.Scraper.TimeoutFactor
	if cfg.ScrapeTimeoutFactor == 0 {
		cfg.ScrapeTimeoutFactor = 1.5
	}
	cfg.ScrapeMaxRetries = intOr(fc.Scraper.MaxRetries, 3)
	cfg.ScrapeBaseDelay = parseDuration(fc.Scraper.BaseDelay, time.Second)
	cfg.SweepStepPx = fc.Scraper.StepPx
	if cfg.SweepStepPx <= 0 {
		cfg.SweepStepPx = 2
	}
	cfg.SweepSettle = parseDuration(fc.Scraper.Settle, 10*time.Millisecond)

	cfg.CoalesceEnabled = true
	if fc.Reliability.CoalesceEnabled != nil {
		cfg.CoalesceEnabled = *fc.Reliability.CoalesceEnabled
	}
	cfg.CoalesceTimeout = parseDuration(fc.Reliability.CoalesceTimeout, 5*time.Minute)
	cfg.BreakerEnabled = fc.Reliability.BreakerEnabled
	cfg.BreakerFailureThreshold = fc.Reliability.BreakerFailureThreshold
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = 5
	}
	cfg.BreakerSuccessThreshold = fc.Reliability.BreakerSuccessThreshold
	if cfg.BreakerSuccessThreshold <= 0 {
		cfg.BreakerSuccessThreshold = 1
	}
	cfg.BreakerTimeout = parseDuration(fc.Reliability.BreakerTimeout, 5*time.Minute)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 5
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 10
	}

	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 5*time.Minute)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}

	cfg.WarmLocations = fc.Warming.Locations
	cfg.WarmInterval = parseDurationOrZero(fc.Warming.Interval, 0)
	cfg.TrackedLocations = fc.Metrics.TrackedLocations

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

func validate(cfg *Config) error {
	switch cfg.StoreBackend {
	case "mongo":
		if cfg.MongoURI == "" {
			return fmt.Errorf("MONGO_URI required when store backend is mongo")
		}
	case "postgres":
		if cfg.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN required when store backend is postgres")
		}
	case "in_memory":
	default:
		return fmt.Errorf("store.backend must be mongo, postgres or in_memory, got %q", cfg.StoreBackend)
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("proxy URL is invalid")
		}
	}
	if cfg.ScrapeTimeoutFactor < 1 {
		return fmt.Errorf("scraper.timeout_factor must be >= 1, got %v", cfg.ScrapeTimeoutFactor)
	}
	if cfg.LookupMaxRetries < 0 || cfg.ScrapeMaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if cfg.WarmInterval < 0 {
		return fmt.Errorf("warming.interval must not be negative")
	}
	return nil
}
