// Package browser opens the rendering surfaces the harvester scrolls: a
// stealth go-rod page, a chromedp tab, or a static colly fetch.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aluiziolira/go-scrape-actors/config"
	"github.com/aluiziolira/go-scrape-actors/dom"
	"github.com/aluiziolira/go-scrape-actors/scraper"
)

// Surface is a rendering surface the caller must close when the run ends.
type Surface interface {
	scraper.Surface
	Close() error
}

// Open launches the surface named by cfg.Browser and navigates it to the
// target URL.
func Open(ctx context.Context, cfg *config.Config) (Surface, error) {
	switch cfg.Browser {
	case "rod":
		return OpenRod(ctx, cfg)
	case "chromedp":
		return OpenChromedp(ctx, cfg)
	case "static":
		s, err := NewStaticSurface(cfg)
		if err != nil {
			return nil, err
		}
		if err := s.Load(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported browser: %s", cfg.Browser)
	}
}

// goneMarkers are substrings of driver errors raised once the page or
// browser process is gone.
var goneMarkers = []string{
	"target closed",
	"session closed",
	"no target with given id",
	"session with given id not found",
	"websocket: close",
	"use of closed network connection",
	"browser has disconnected",
}

func isGone(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range goneMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// surfaceError wraps a driver error for op. Context errors pass through
// untouched so the harvester can tell cancellation apart.
func surfaceError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isGone(err) {
		return dom.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// quiescenceError drops the surface's own wait timeout: a page that keeps
// loading past the timeout is not a failure.
func quiescenceError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return surfaceError("quiescence", err)
}

// sleepCtx pauses between scroll steps.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// A page counts as quiescent once it has held still for quiescenceStable.
const (
	quiescenceStable = 300 * time.Millisecond
	quiescencePoll   = 100 * time.Millisecond
)

// scrollStepDelay separates incremental scroll steps so lazy loaders fire.
const scrollStepDelay = 100 * time.Millisecond

// maxScrollSteps bounds one ScrollToBottom call on pages that keep growing
// while being scrolled.
const maxScrollSteps = 200
