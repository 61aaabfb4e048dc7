// Package scraper drives the scroll-and-extract loop over a rendered
// catalog page until it stops producing new records.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aluiziolira/go-scrape-actors/config"
	"github.com/aluiziolira/go-scrape-actors/models"
	"github.com/aluiziolira/go-scrape-actors/parser"
	"github.com/aluiziolira/go-scrape-actors/pipeline"
)

// Options tunes the harvest loop. The threshold and delays are empirical:
// the right values depend on how the target site loads content.
type Options struct {
	StagnationThreshold int
	MaxIterations       int
	SettleDelay         time.Duration
	SettleDelayMax      time.Duration
	SettleJitter        time.Duration
	QuiescenceTimeout   time.Duration
	LoadMoreSelector    string
	TotalPattern        string
	CheckpointEvery     int

	// OnCheckpoint receives the ordered accumulation every CheckpointEvery
	// iterations.
	OnCheckpoint func(iteration int, records []models.Record)

	Clock   Clock
	Jitter  func(max time.Duration) time.Duration
	Metrics *Metrics
}

// OptionsFromConfig maps configuration onto loop options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		StagnationThreshold: cfg.StagnationThreshold,
		MaxIterations:       cfg.MaxIterations,
		SettleDelay:         cfg.SettleDelay,
		SettleDelayMax:      cfg.SettleDelayMax,
		SettleJitter:        cfg.SettleJitter,
		QuiescenceTimeout:   cfg.QuiescenceTimeout,
		LoadMoreSelector:    cfg.Selectors.LoadMore,
		TotalPattern:        cfg.TotalPattern,
		CheckpointEvery:     cfg.CheckpointEvery,
	}
}

// Harvester is the scroll driver. It is single-threaded: one scroll, one
// settle, one extraction at a time.
type Harvester struct {
	surface   Surface
	extractor Extractor
	acc       *pipeline.Accumulator
	opts      Options
	clock     Clock
	totalRe   *regexp.Regexp
	Metrics   *Metrics
}

// scrollState is reset only at the start of a run.
type scrollState struct {
	lastKnownHeight float64
	stagnantRounds  int
	lastKnownCount  int
}

// NewHarvester wires a surface, an extractor and the accumulation the run
// will grow. acc may already hold seeded records.
func NewHarvester(surface Surface, extractor Extractor, acc *pipeline.Accumulator, opts Options) (*Harvester, error) {
	if surface == nil || extractor == nil {
		return nil, fmt.Errorf("harvester needs a surface and an extractor")
	}
	if opts.StagnationThreshold <= 0 {
		return nil, fmt.Errorf("stagnation threshold must be positive")
	}
	if acc == nil {
		acc = pipeline.NewAccumulator()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Jitter == nil {
		opts.Jitter = randomJitter
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}

	var totalRe *regexp.Regexp
	if opts.TotalPattern != "" {
		re, err := regexp.Compile(opts.TotalPattern)
		if err != nil {
			return nil, fmt.Errorf("compile total pattern: %w", err)
		}
		totalRe = re
	}

	return &Harvester{
		surface:   surface,
		extractor: extractor,
		acc:       acc,
		opts:      opts,
		clock:     opts.Clock,
		totalRe:   totalRe,
		Metrics:   opts.Metrics,
	}, nil
}

// Accumulation returns the accumulation the harvester merges into.
func (h *Harvester) Accumulation() *pipeline.Accumulator {
	return h.acc
}

// Run scrolls and extracts until the page converges, the iteration cap is
// hit, the surface fails, or ctx is done. The result is never nil and
// always carries every record merged so far; the error is non-nil only
// when the run ends ABORTED.
func (h *Harvester) Run(ctx context.Context) (*models.HarvestResult, error) {
	result := &models.HarvestResult{
		State:         models.StateRunning,
		SeededRecords: h.acc.Len(),
		ErrorsByType:  make(map[string]int),
		StartTime:     h.clock.Now(),
	}
	state := scrollState{lastKnownHeight: -1, lastKnownCount: h.acc.Len()}
	backoff := newSettleBackoff(h.opts.SettleDelay, h.opts.SettleDelayMax)

	h.probeTotal(ctx, result)

	var runErr error
	for !result.State.Terminal() {
		iteration := result.Iterations + 1

		newCount, err := h.harvestOnce(ctx, result)
		if err != nil {
			runErr = h.abort(result, err)
			break
		}
		result.Iterations = iteration

		stagnant := newCount == 0
		if stagnant {
			state.stagnantRounds++
		} else {
			state.stagnantRounds = 0
		}
		state.lastKnownCount = h.acc.Len()
		h.Metrics.ObserveIteration(newCount, state.lastKnownCount, state.stagnantRounds)

		if stagnant {
			slog.Debug("no new records",
				slog.Int("iteration", iteration),
				slog.Int("stagnant_rounds", state.stagnantRounds),
				slog.Int("threshold", h.opts.StagnationThreshold),
			)
		} else {
			slog.Info("harvest progress",
				slog.Int("iteration", iteration),
				slog.Int("new", newCount),
				slog.Int("total", state.lastKnownCount),
			)
		}
		h.checkpoint(iteration)

		if h.finished(result, &state, iteration) {
			break
		}

		softFailure, err := h.advance(ctx, result, &state, backoff, stagnant)
		if err != nil {
			runErr = h.abort(result, err)
			break
		}
		if softFailure {
			if !stagnant {
				state.stagnantRounds = 1
			}
			if h.finished(result, &state, iteration) {
				break
			}
		}
	}

	result.Records = h.acc.Records()
	result.NewRecords = len(result.Records) - result.SeededRecords
	result.StagnantRounds = state.stagnantRounds
	result.EndTime = h.clock.Now()
	if state.lastKnownHeight >= 0 {
		result.FinalHeight = state.lastKnownHeight
	}

	slog.Info("harvest finished",
		slog.String("state", result.State.String()),
		slog.String("reason", result.Reason),
		slog.Int("iterations", result.Iterations),
		slog.Int("records", len(result.Records)),
	)
	return result, runErr
}

// harvestOnce reads the currently rendered records and merges them.
func (h *Harvester) harvestOnce(ctx context.Context, result *models.HarvestResult) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, ErrCancelled{Err: err}
	}
	elements, err := h.surface.RecordElements(ctx)
	if err != nil {
		return 0, fatal(ctx, "query", err)
	}
	batch, report, err := h.extractor.Extract(elements)
	if err != nil {
		return 0, fatal(ctx, "extract", err)
	}

	result.SkippedElements += report.Skipped()
	result.ParseErrors += report.ParseErrors
	h.Metrics.ObserveElements(report)
	if report.MissingIdentifier > 0 {
		result.ErrorsByType[errorTypeLabel(parser.ErrIdentifierMissing)] += report.MissingIdentifier
	}
	if report.Unreadable > 0 {
		result.ErrorsByType[labelElementUnreadable] += report.Unreadable
	}

	return h.acc.Merge(batch), nil
}

// finished applies the termination rules and reports whether the loop
// must stop.
func (h *Harvester) finished(result *models.HarvestResult, state *scrollState, iteration int) bool {
	if state.stagnantRounds >= h.opts.StagnationThreshold {
		result.State = models.StateConverged
		result.Reason = fmt.Sprintf("no new records for %d consecutive rounds", state.stagnantRounds)
		return true
	}
	if h.opts.MaxIterations > 0 && iteration >= h.opts.MaxIterations {
		result.State = models.StateExhausted
		result.Reason = fmt.Sprintf("reached max iterations (%d)", h.opts.MaxIterations)
		return true
	}
	return false
}

// advance scrolls, waits for the page to settle, and sleeps. softFailure
// is true when the scroll command failed without taking the surface down.
func (h *Harvester) advance(ctx context.Context, result *models.HarvestResult, state *scrollState, backoff *settleBackoff, stagnant bool) (softFailure bool, err error) {
	if stagnant && h.opts.LoadMoreSelector != "" {
		if clicker, ok := h.surface.(LoadMoreClicker); ok {
			clicked, err := clicker.ClickLoadMore(ctx, h.opts.LoadMoreSelector)
			if err != nil {
				if hard := hardFailure(ctx, "load_more", err); hard != nil {
					return false, hard
				}
				slog.Warn("load more click failed", slog.Any("error", err))
			} else if clicked {
				slog.Info("clicked load more control", slog.String("selector", h.opts.LoadMoreSelector))
			}
		}
	}

	start := h.clock.Now()
	if err := h.surface.ScrollToBottom(ctx); err != nil {
		classified := classify(ctx, "scroll", err)
		var scrollErr ErrScrollFailed
		if !errors.As(classified, &scrollErr) {
			return false, classified
		}
		result.ScrollFailures++
		h.recordError(result, classified)
		slog.Warn("scroll failed, counting round as stagnant", slog.Any("error", err))
		return true, h.settle(ctx, backoff.next(false))
	}

	if h.opts.QuiescenceTimeout > 0 {
		if err := h.surface.WaitForQuiescence(ctx, h.opts.QuiescenceTimeout); err != nil {
			if hard := hardFailure(ctx, "quiescence", err); hard != nil {
				return false, hard
			}
			slog.Debug("page did not quiesce before timeout", slog.Any("error", err))
		}
	}

	grew := false
	height, err := h.surface.ScrollHeight(ctx)
	if err != nil {
		if hard := hardFailure(ctx, "height", err); hard != nil {
			return false, hard
		}
		slog.Debug("could not read scroll height", slog.Any("error", err))
	} else {
		grew = height > state.lastKnownHeight
		state.lastKnownHeight = height
	}
	h.Metrics.ObserveScroll(h.clock.Now().Sub(start), state.lastKnownHeight)

	return false, h.settle(ctx, backoff.next(grew))
}

func (h *Harvester) settle(ctx context.Context, delay time.Duration) error {
	if h.opts.SettleJitter > 0 {
		delay += h.opts.Jitter(h.opts.SettleJitter)
	}
	h.Metrics.SetSettleDelay(delay)
	if err := h.clock.Sleep(ctx, delay); err != nil {
		return ErrCancelled{Err: err}
	}
	return nil
}

func (h *Harvester) checkpoint(iteration int) {
	if h.opts.OnCheckpoint == nil || h.opts.CheckpointEvery <= 0 {
		return
	}
	if iteration%h.opts.CheckpointEvery != 0 || h.acc.Len() == 0 {
		return
	}
	h.opts.OnCheckpoint(iteration, h.acc.Records())
}

// probeTotal reads the advertised catalog size, when the page shows one.
// It is informational only and never affects termination.
func (h *Harvester) probeTotal(ctx context.Context, result *models.HarvestResult) {
	source, ok := h.surface.(TextSource)
	if !ok || h.totalRe == nil {
		return
	}
	text, err := source.PageText(ctx)
	if err != nil {
		slog.Warn("could not read page text for total", slog.Any("error", err))
		return
	}
	m := h.totalRe.FindStringSubmatch(text)
	if len(m) < 2 {
		slog.Debug("no advertised total on page")
		return
	}
	total, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return
	}
	result.ExpectedTotal = total
	slog.Info("advertised catalog size", slog.Int("expected_total", total))
}

func (h *Harvester) abort(result *models.HarvestResult, err error) error {
	result.State = models.StateAborted
	h.recordError(result, err)
	if errorTypeLabel(err) == "cancelled" {
		result.Reason = "cancelled"
		slog.Warn("harvest cancelled, keeping partial results", slog.Any("error", err))
	} else {
		result.Reason = err.Error()
		slog.Error("rendering surface failed, keeping partial results", slog.Any("error", err))
	}
	return err
}

func (h *Harvester) recordError(result *models.HarvestResult, err error) {
	label := errorTypeLabel(err)
	result.ErrorsByType[label]++
	h.Metrics.IncError(label)
}

// fatal classifies an error that must end the run.
func fatal(ctx context.Context, op string, err error) error {
	classified := classify(ctx, op, err)
	var cancelled ErrCancelled
	var unavailable ErrSurfaceUnavailable
	if errors.As(classified, &cancelled) || errors.As(classified, &unavailable) {
		return classified
	}
	return ErrSurfaceUnavailable{Op: op, Err: err}
}

// hardFailure returns the classified error when err must end the run, or
// nil when it can be logged and ignored.
func hardFailure(ctx context.Context, op string, err error) error {
	classified := classify(ctx, op, err)
	var cancelled ErrCancelled
	var unavailable ErrSurfaceUnavailable
	if errors.As(classified, &cancelled) || errors.As(classified, &unavailable) {
		return classified
	}
	return nil
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
