package browser

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/go-scrape-actors/config"
	"github.com/aluiziolira/go-scrape-actors/dom"
)

// StaticSurface serves a server-rendered catalog fetched once with colly.
// Scrolling cannot load anything new, so a harvest over it converges after
// the stagnation threshold.
type StaticSurface struct {
	collector *colly.Collector
	targetURL string
	selector  string

	snapshot *dom.Snapshot
	lastBody []byte
	lastErr  error
}

// NewStaticSurface builds the collector without fetching anything.
func NewStaticSurface(cfg *config.Config) (*StaticSurface, error) {
	parsed, err := url.Parse(cfg.TargetURL)
	if err != nil {
		return nil, fmt.Errorf("parse target url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("target url must include a host")
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Hostname()),
		colly.UserAgent(cfg.UserAgent),
	)
	collector.SetRequestTimeout(cfg.NavigationTimeout)

	s := &StaticSurface{
		collector: collector,
		targetURL: cfg.TargetURL,
		selector:  cfg.Selectors.Record,
	}

	collector.OnResponse(func(r *colly.Response) {
		s.lastBody = r.Body
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			err = fmt.Errorf("status %d: %w", r.StatusCode, err)
		}
		s.lastErr = err
	})

	return s, nil
}

// Load fetches and parses the target URL.
func (s *StaticSurface) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	slog.Info("loading catalog page", slog.String("url", s.targetURL), slog.String("browser", "static"))

	s.lastBody, s.lastErr = nil, nil
	if err := s.collector.Visit(s.targetURL); err != nil && s.lastErr == nil {
		s.lastErr = err
	}
	s.collector.Wait()
	if s.lastErr != nil {
		return fmt.Errorf("fetch %s: %w", s.targetURL, s.lastErr)
	}

	snap, err := dom.ParseSnapshot(bytes.NewReader(s.lastBody))
	if err != nil {
		return err
	}
	s.snapshot = snap
	return nil
}

func (s *StaticSurface) ScrollToBottom(ctx context.Context) error {
	return ctx.Err()
}

// ScrollHeight reports the markup size of the fetched page.
func (s *StaticSurface) ScrollHeight(ctx context.Context) (float64, error) {
	if s.snapshot == nil {
		return 0, ctx.Err()
	}
	return float64(s.snapshot.Len()), ctx.Err()
}

func (s *StaticSurface) WaitForQuiescence(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func (s *StaticSurface) RecordElements(ctx context.Context) ([]dom.Element, error) {
	if s.snapshot == nil {
		return nil, dom.Unavailable("query", fmt.Errorf("no page loaded"))
	}
	return s.snapshot.Query(s.selector), ctx.Err()
}

func (s *StaticSurface) PageText(ctx context.Context) (string, error) {
	if s.snapshot == nil {
		return "", nil
	}
	return s.snapshot.Text(), ctx.Err()
}

func (s *StaticSurface) Close() error {
	return nil
}
