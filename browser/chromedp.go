package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/aluiziolira/go-scrape-actors/config"
	"github.com/aluiziolira/go-scrape-actors/dom"
)

const scrollToBottomJS = `(async (step, delay, maxSteps) => {
	const atBottom = () => window.innerHeight + window.pageYOffset >= document.documentElement.scrollHeight - 10;
	for (let i = 0; step > 0 && i < maxSteps && !atBottom(); i++) {
		window.scrollBy(0, step);
		await new Promise(r => setTimeout(r, delay));
	}
	window.scrollTo(0, document.documentElement.scrollHeight);
	return document.documentElement.scrollHeight;
})(%d, %d, %d)`

const clickLoadMoreJS = `((sel) => {
	const btn = document.querySelector(sel);
	if (!btn || btn.offsetParent === null || btn.disabled) return false;
	btn.scrollIntoView({block: "center"});
	btn.click();
	return true;
})(%s)`

// quiescenceJS resolves true once the record count and the page height have
// held still for stableMs on a fully loaded document, or false at timeoutMs.
const quiescenceJS = `(async (sel, stableMs, timeoutMs, intervalMs) => {
	const probe = () => document.querySelectorAll(sel).length + ":" + document.documentElement.scrollHeight;
	const deadline = Date.now() + timeoutMs;
	let last = probe();
	let since = Date.now();
	while (Date.now() < deadline) {
		await new Promise(r => setTimeout(r, intervalMs));
		const current = probe();
		if (current !== last) {
			last = current;
			since = Date.now();
		} else if (document.readyState === "complete" && Date.now() - since >= stableMs) {
			return true;
		}
	}
	return false;
})(%s, %d, %d, %d)`

// ChromedpSurface drives a Chromium tab through chromedp. Record elements
// are read from an outer-HTML snapshot taken per iteration.
type ChromedpSurface struct {
	ctx         context.Context
	cancelAlloc context.CancelFunc
	cancelTab   context.CancelFunc
	selector    string
	step        int
}

// OpenChromedp starts Chromium and loads the target URL. The browser lives
// until Close, independent of ctx.
func OpenChromedp(ctx context.Context, cfg *config.Config) (*ChromedpSurface, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(cfg.UserAgent),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	s := &ChromedpSurface{
		ctx:         tabCtx,
		cancelAlloc: cancelAlloc,
		cancelTab:   cancelTab,
		selector:    cfg.Selectors.Record,
		step:        cfg.ScrollStep,
	}

	// The first Run allocates the browser and ties it to tabCtx, so it must
	// not carry a deadline.
	if err := chromedp.Run(tabCtx); err != nil {
		s.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	slog.Info("loading catalog page", slog.String("url", cfg.TargetURL), slog.String("browser", "chromedp"))
	navCtx, cancel := context.WithTimeout(ctx, cfg.NavigationTimeout)
	defer cancel()
	err := s.run(navCtx,
		chromedp.EmulateViewport(int64(cfg.WindowWidth), int64(cfg.WindowHeight)),
		chromedp.Navigate(cfg.TargetURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("navigate %s: %w", cfg.TargetURL, err)
	}
	if err := s.run(navCtx, chromedp.WaitVisible(cfg.Selectors.Record, chromedp.ByQuery)); err != nil {
		slog.Warn("no record element before navigation timeout", slog.String("selector", cfg.Selectors.Record), slog.Any("error", err))
	}

	return s, nil
}

// run executes actions on the tab, aborting when ctx is done.
func (s *ChromedpSurface) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *ChromedpSurface) wrap(op string, err error) error {
	if errors.Is(err, chromedp.ErrInvalidContext) || errors.Is(err, chromedp.ErrChannelClosed) {
		return dom.Unavailable(op, err)
	}
	return surfaceError(op, err)
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

// ScrollToBottom scrolls in ScrollStep increments inside the page, then
// jumps to the very end.
func (s *ChromedpSurface) ScrollToBottom(ctx context.Context) error {
	var height float64
	js := fmt.Sprintf(scrollToBottomJS, s.step, scrollStepDelay.Milliseconds(), maxScrollSteps)
	if err := s.run(ctx, chromedp.Evaluate(js, &height, awaitPromise)); err != nil {
		return s.wrap("scroll", err)
	}
	return nil
}

func (s *ChromedpSurface) ScrollHeight(ctx context.Context) (float64, error) {
	var height float64
	if err := s.run(ctx, chromedp.Evaluate(`document.documentElement.scrollHeight`, &height)); err != nil {
		return 0, s.wrap("height", err)
	}
	return height, nil
}

// WaitForQuiescence waits until no records are appended and the page stops
// growing, up to timeout.
func (s *ChromedpSurface) WaitForQuiescence(ctx context.Context, timeout time.Duration) error {
	js, err := quiescenceScript(s.selector, quiescenceStable, timeout)
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	var settled bool
	err = s.run(waitCtx, chromedp.Evaluate(js, &settled, awaitPromise))
	if err == nil && !settled {
		slog.Debug("page still changing after quiescence timeout", slog.Duration("timeout", timeout))
	}
	return quiescenceError(ctx, s.wrap("quiescence", err))
}

func quiescenceScript(selector string, stable, timeout time.Duration) (string, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(quiescenceJS, quoted, stable.Milliseconds(), timeout.Milliseconds(), quiescencePoll.Milliseconds()), nil
}

func (s *ChromedpSurface) RecordElements(ctx context.Context) ([]dom.Element, error) {
	var html string
	if err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return nil, s.wrap("query", err)
	}
	snap, err := dom.ParseSnapshotString(html)
	if err != nil {
		return nil, err
	}
	return snap.Query(s.selector), nil
}

func (s *ChromedpSurface) ClickLoadMore(ctx context.Context, selector string) (bool, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return false, err
	}
	var clicked bool
	if err := s.run(ctx, chromedp.Evaluate(fmt.Sprintf(clickLoadMoreJS, quoted), &clicked)); err != nil {
		return false, s.wrap("load_more", err)
	}
	return clicked, nil
}

func (s *ChromedpSurface) PageText(ctx context.Context) (string, error) {
	var text string
	if err := s.run(ctx, chromedp.Evaluate(`document.body.innerText`, &text)); err != nil {
		return "", s.wrap("page_text", err)
	}
	return text, nil
}

// Close shuts the tab and the browser process.
func (s *ChromedpSurface) Close() error {
	if s.cancelTab != nil {
		s.cancelTab()
	}
	if s.cancelAlloc != nil {
		s.cancelAlloc()
	}
	return nil
}
