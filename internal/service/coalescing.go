package service

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/sale-price-service/internal/models"
)

// inFlightRequest is one scrape that any number of callers may wait for.
type inFlightRequest struct {
	done   chan struct{}
	result models.MedianSalePriceRecord
	err    error
}

// requestCoalescer shares a single in-flight scrape between concurrent requests
// for the same key. The work runs in its own goroutine, so a caller that gives up
// waiting does not cancel it.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightRequest
	timeout  time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightRequest),
		timeout:  timeout,
	}
}

// GetOrDo joins the request in flight for key or starts fn for it. shared reports
// whether the caller joined an existing request. Waiting is bounded by ctx and
// the coalescer timeout (0 means no timeout).
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func() (models.MedianSalePriceRecord, error)) (result models.MedianSalePriceRecord, shared bool, err error) {
	rc.mu.Lock()
	req, shared := rc.inFlight[key]
	if !shared {
		req = &inFlightRequest{done: make(chan struct{})}
		rc.inFlight[key] = req
		go rc.run(key, req, fn)
	}
	rc.mu.Unlock()

	if rc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rc.timeout)
		defer cancel()
	}
	select {
	case <-req.done:
		return req.result, shared, req.err
	case <-ctx.Done():
		return models.MedianSalePriceRecord{}, shared, ctx.Err()
	}
}

func (rc *requestCoalescer) run(key string, req *inFlightRequest, fn func() (models.MedianSalePriceRecord, error)) {
	req.result, req.err = fn()

	rc.mu.Lock()
	delete(rc.inFlight, key)
	rc.mu.Unlock()
	close(req.done)
}
