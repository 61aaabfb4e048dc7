package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/aluiziolira/go-scrape-actors/config"
	"github.com/aluiziolira/go-scrape-actors/dom"
)

const scrollStepJS = `(step) => {
	window.scrollBy(0, step);
	return window.innerHeight + window.pageYOffset >= document.documentElement.scrollHeight - 10;
}`

// RodSurface drives a stealth Chromium page through go-rod.
type RodSurface struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	selector string
	step     int
}

// OpenRod launches Chromium, opens a stealth page and loads the target URL.
func OpenRod(ctx context.Context, cfg *config.Config) (*RodSurface, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		Set("window-size", fmt.Sprintf("%d,%d", cfg.WindowWidth, cfg.WindowHeight))
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	s := &RodSurface{
		launcher: l,
		browser:  b,
		selector: cfg.Selectors.Record,
		step:     cfg.ScrollStep,
	}

	page, err := stealth.Page(b)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open stealth page: %w", err)
	}
	s.page = page

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: cfg.UserAgent}); err != nil {
		slog.Warn("set user agent failed", slog.Any("error", err))
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             cfg.WindowWidth,
		Height:            cfg.WindowHeight,
		DeviceScaleFactor: 1,
	}); err != nil {
		slog.Warn("set viewport failed", slog.Any("error", err))
	}

	slog.Info("loading catalog page", slog.String("url", cfg.TargetURL), slog.String("browser", "rod"))
	nav, release := timed(ctx, page, cfg.NavigationTimeout)
	defer release()
	if err := nav.Navigate(cfg.TargetURL); err != nil {
		s.Close()
		return nil, fmt.Errorf("navigate %s: %w", cfg.TargetURL, err)
	}
	if err := nav.WaitLoad(); err != nil {
		slog.Warn("wait load failed, continuing anyway", slog.Any("error", err))
	}
	if _, err := nav.Element(cfg.Selectors.Record); err != nil {
		slog.Warn("no record element before navigation timeout", slog.String("selector", cfg.Selectors.Record), slog.Any("error", err))
	}

	return s, nil
}

// ScrollToBottom scrolls in ScrollStep increments until the viewport
// reaches the bottom, then jumps to the very end.
func (s *RodSurface) ScrollToBottom(ctx context.Context) error {
	page := s.page.Context(ctx)
	if s.step > 0 {
		for i := 0; i < maxScrollSteps; i++ {
			res, err := page.Eval(scrollStepJS, s.step)
			if err != nil {
				return surfaceError("scroll", err)
			}
			if res.Value.Bool() {
				break
			}
			if err := sleepCtx(ctx, scrollStepDelay); err != nil {
				return err
			}
		}
	}
	if _, err := page.Eval(`() => window.scrollTo(0, document.documentElement.scrollHeight)`); err != nil {
		return surfaceError("scroll", err)
	}
	return nil
}

func (s *RodSurface) ScrollHeight(ctx context.Context) (float64, error) {
	res, err := s.page.Context(ctx).Eval(`() => document.documentElement.scrollHeight`)
	if err != nil {
		return 0, surfaceError("height", err)
	}
	return res.Value.Num(), nil
}

// WaitForQuiescence waits until the DOM and network settle, up to timeout.
func (s *RodSurface) WaitForQuiescence(ctx context.Context, timeout time.Duration) error {
	page, release := timed(ctx, s.page, timeout)
	defer release()
	return quiescenceError(ctx, page.WaitStable(quiescenceStable))
}

// timed bounds calls on page by d under ctx. release stops the timer and
// must be called once the calls are done.
func timed(ctx context.Context, page *rod.Page, d time.Duration) (*rod.Page, func()) {
	p := page.Context(ctx).Timeout(d)
	return p, func() { p.CancelTimeout() }
}

func (s *RodSurface) RecordElements(ctx context.Context) ([]dom.Element, error) {
	found, err := s.page.Context(ctx).Elements(s.selector)
	if err != nil {
		return nil, surfaceError("query", err)
	}
	out := make([]dom.Element, len(found))
	for i, el := range found {
		out[i] = rodElement{el: el}
	}
	return out, nil
}

// ClickLoadMore presses the first visible element matching selector.
func (s *RodSurface) ClickLoadMore(ctx context.Context, selector string) (bool, error) {
	page := s.page.Context(ctx)
	has, btn, err := page.Has(selector)
	if err != nil {
		return false, surfaceError("load_more", err)
	}
	if !has {
		return false, nil
	}
	visible, err := btn.Visible()
	if err != nil || !visible {
		return false, surfaceError("load_more", err)
	}
	if err := btn.ScrollIntoView(); err != nil {
		return false, surfaceError("load_more", err)
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return false, surfaceError("load_more", err)
	}
	return true, nil
}

func (s *RodSurface) PageText(ctx context.Context) (string, error) {
	res, err := s.page.Context(ctx).Eval(`() => document.body.innerText`)
	if err != nil {
		return "", surfaceError("page_text", err)
	}
	return res.Value.Str(), nil
}

// Close closes the page and browser and kills the launched process.
func (s *RodSurface) Close() error {
	var err error
	if s.page != nil {
		if cerr := s.page.Close(); cerr != nil {
			slog.Debug("close page", slog.Any("error", cerr))
		}
	}
	if s.browser != nil {
		err = s.browser.Close()
	}
	if s.launcher != nil {
		s.launcher.Kill()
	}
	return err
}

// rodElement adapts a live rod element to dom.Element.
type rodElement struct {
	el *rod.Element
}

func (e rodElement) Attribute(name string) (string, bool, error) {
	v, err := e.el.Attribute(name)
	if err != nil {
		return "", false, surfaceError("attribute "+strconv.Quote(name), err)
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (e rodElement) Text() (string, error) {
	text, err := e.el.Text()
	if err != nil {
		return "", surfaceError("text", err)
	}
	return text, nil
}

func (e rodElement) QueryAll(selector string) ([]dom.Element, error) {
	found, err := e.el.Elements(selector)
	if err != nil {
		return nil, surfaceError("query "+strconv.Quote(selector), err)
	}
	out := make([]dom.Element, len(found))
	for i, el := range found {
		out[i] = rodElement{el: el}
	}
	return out, nil
}
