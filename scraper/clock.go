package scraper

import (
	"context"
	"time"
)

// Clock suspends the harvest loop. Tests substitute a fake so settle
// delays cost no wall-clock time.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// RealClock returns a Clock backed by the time package.
func RealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// settleBackoff grows the settle delay while the page height stays flat
// and snaps back to the base delay once it grows again.
type settleBackoff struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
}

func newSettleBackoff(base, max time.Duration) *settleBackoff {
	return &settleBackoff{base: base, max: max, current: base}
}

func (b *settleBackoff) next(heightGrew bool) time.Duration {
	if heightGrew || b.current <= 0 {
		b.current = b.base
		return b.current
	}
	grown := b.current * 2
	if b.max > 0 && grown > b.max {
		grown = b.max
	}
	b.current = grown
	return b.current
}
