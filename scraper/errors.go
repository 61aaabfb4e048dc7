package scraper

import (
	"context"
	"errors"
	"fmt"

	"github.com/aluiziolira/go-scrape-actors/dom"
	"github.com/aluiziolira/go-scrape-actors/parser"
)

// ErrSurfaceUnavailable indicates the rendering surface can no longer be
// used. It always wraps dom.ErrUnavailable.
type ErrSurfaceUnavailable struct {
	Op  string
	Err error
}

func (e ErrSurfaceUnavailable) Error() string {
	return fmt.Errorf("surface unavailable during %s: %w", e.Op, e.Err).Error()
}

func (e ErrSurfaceUnavailable) Unwrap() []error {
	return []error{dom.ErrUnavailable, e.Err}
}

// ErrScrollFailed indicates a scroll command failed without taking the
// surface down. The round counts as stagnant.
type ErrScrollFailed struct {
	Err error
}

func (e ErrScrollFailed) Error() string {
	return fmt.Errorf("scroll failed: %w", e.Err).Error()
}

func (e ErrScrollFailed) Unwrap() error {
	return e.Err
}

// ErrCancelled indicates the run was stopped from outside, by a signal or
// the run watchdog.
type ErrCancelled struct {
	Err error
}

func (e ErrCancelled) Error() string {
	return fmt.Errorf("cancelled: %w", e.Err).Error()
}

func (e ErrCancelled) Unwrap() error {
	return e.Err
}

// classify maps an error from op onto the harvester's error kinds.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		var cancelled ErrCancelled
		if errors.As(err, &cancelled) {
			return err
		}
		return ErrCancelled{Err: err}
	}
	if errors.Is(err, dom.ErrUnavailable) {
		var unavailable ErrSurfaceUnavailable
		if errors.As(err, &unavailable) {
			return err
		}
		return ErrSurfaceUnavailable{Op: op, Err: err}
	}
	if op == "scroll" {
		return ErrScrollFailed{Err: err}
	}
	return err
}

const (
	labelIdentifierMissing = "identifier_missing"
	labelElementUnreadable = "element_unreadable"
)

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var cancelled ErrCancelled
	if errors.As(err, &cancelled) {
		return "cancelled"
	}
	var unavailable ErrSurfaceUnavailable
	if errors.As(err, &unavailable) {
		return "surface_unavailable"
	}
	var scroll ErrScrollFailed
	if errors.As(err, &scroll) {
		return "scroll_failed"
	}
	if errors.Is(err, parser.ErrIdentifierMissing) {
		return labelIdentifierMissing
	}
	return "other"
}
