package scraper

import "errors"

var (
	// ErrBadInput means the location could not be resolved to a listing page.
	ErrBadInput = errors.New("invalid city or state")

	// ErrScrapeFailed means the chart could not be read: visibility timeouts
	// exhausted their retries, or an unexpected page or parse failure occurred.
	ErrScrapeFailed = errors.New("chart scrape failed")
)
