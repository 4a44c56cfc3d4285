package browser

import (
	"context"
	"errors"
	"time"
)

// ErrVisibilityTimeout is returned by Session.WaitVisible when the element did
// not become visible before the timeout.
var ErrVisibilityTimeout = errors.New("timed out waiting for element visibility")

// Box is an element's bounding rectangle in viewport pixels.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Launcher opens an isolated browser session already navigated to a URL.
type Launcher interface {
	Open(ctx context.Context, url, userAgent string) (Session, error)
}

// Session is a single page in its own browser process. Close releases all of it.
type Session interface {
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	BoundingBox(ctx context.Context, selector string) (Box, error)
	MoveMouse(ctx context.Context, x, y float64) error
	OuterHTML(ctx context.Context, selector string) (string, error)
	Close() error
}
