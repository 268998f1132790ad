// Package clock wraps a swappable monotonic clock behind the small surface
// the media and voice packages pace against. Production code runs on the
// wall clock; tests drive a mock.
package clock

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// FrameClock is the single timing source for pacing, staggering and timeouts.
type FrameClock struct {
	c clock.Clock
}

// New returns a FrameClock backed by the wall clock.
func New() *FrameClock {
	return &FrameClock{c: clock.New()}
}

// NewMock returns a FrameClock backed by a mock clock, plus the mock itself
// so tests can advance time.
func NewMock() (*FrameClock, *clock.Mock) {
	m := clock.NewMock()
	return &FrameClock{c: m}, m
}

// Now returns the current instant.
func (f *FrameClock) Now() time.Time {
	return f.c.Now()
}

// Since returns the time elapsed since t.
func (f *FrameClock) Since(t time.Time) time.Duration {
	return f.c.Since(t)
}

// Sleep blocks for d or until ctx is cancelled, returning ctx.Err() in the
// latter case.
func (f *FrameClock) Sleep(ctx context.Context, d time.Duration) error {
	t := f.c.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// After returns a channel that delivers the current time after d.
func (f *FrameClock) After(d time.Duration) <-chan time.Time {
	return f.c.After(d)
}

// AfterFunc schedules fn to run after d. The returned timer can be stopped
// to cancel the call.
func (f *FrameClock) AfterFunc(d time.Duration, fn func()) *clock.Timer {
	return f.c.AfterFunc(d, fn)
}

// Ticker returns a ticker firing every d. The caller must stop it.
func (f *FrameClock) Ticker(d time.Duration) *clock.Ticker {
	return f.c.Ticker(d)
}
