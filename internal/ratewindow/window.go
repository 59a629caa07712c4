// Package ratewindow throttles outbound calls to N requests per rolling
// window, tracked separately per call category.
//
// State is process-local: a fresh process starts with an empty window and may
// briefly exceed the platform's view of the budget.
package ratewindow

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Categories used by the scan engine.
const (
	Default  = "default"
	Dispatch = "dispatch"
	Auth     = "auth"
)

// Window is a sliding-window request counter. It is safe for concurrent use
// and meant to be constructed once per process.
type Window struct {
	limits map[string]int
	window time.Duration
	buffer time.Duration
	clock  clock.Clock

	mu     sync.Mutex
	stamps map[string][]time.Time
}

// New creates a Window with the given per-category limits over a 60-second
// window. Categories without an entry use the "default" limit. buffer is
// added to every computed wait.
func New(limits map[string]int, buffer time.Duration, clk clock.Clock) *Window {
	if clk == nil {
		clk = clock.RealClock{}
	}
	l := make(map[string]int, len(limits))
	for k, v := range limits {
		l[k] = v
	}
	return &Window{
		limits: l,
		window: time.Minute,
		buffer: buffer,
		clock:  clk,
		stamps: make(map[string][]time.Time),
	}
}

func (w *Window) limit(category string) int {
	if n, ok := w.limits[category]; ok {
		return n
	}
	return w.limits[Default]
}

// prune drops timestamps that left the window. Caller holds mu.
func (w *Window) prune(category string, now time.Time) []time.Time {
	ts := w.stamps[category]
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		ts = append(ts[:0], ts[i:]...)
		w.stamps[category] = ts
	}
	return ts
}

// ShouldThrottle reports whether another request in category would exceed
// its limit right now. A category with no positive limit is never throttled.
func (w *Window) ShouldThrottle(category string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.throttledLocked(category, w.clock.Now())
}

func (w *Window) throttledLocked(category string, now time.Time) bool {
	n := w.limit(category)
	if n <= 0 {
		return false
	}
	return len(w.prune(category, now)) >= n
}

// RecordRequest counts a request in category at the current time.
func (w *Window) RecordRequest(category string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stamps[category] = append(w.stamps[category], w.clock.Now())
}

// waitLocked returns how long until the oldest request leaves the window.
func (w *Window) waitLocked(category string, now time.Time) time.Duration {
	ts := w.stamps[category]
	if len(ts) == 0 {
		return w.buffer
	}
	d := ts[0].Add(w.window).Sub(now) + w.buffer
	if d < 0 {
		return 0
	}
	return d
}

// WaitUntilAllowed blocks until category has room for one more request or
// ctx is done. It does not record the request.
func (w *Window) WaitUntilAllowed(ctx context.Context, category string) error {
	for {
		w.mu.Lock()
		now := w.clock.Now()
		if !w.throttledLocked(category, now) {
			w.mu.Unlock()
			return nil
		}
		wait := w.waitLocked(category, now)
		w.mu.Unlock()

		if err := w.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Acquire waits for room in category and records the request in one step,
// so two callers cannot both take the last slot.
func (w *Window) Acquire(ctx context.Context, category string) error {
	for {
		w.mu.Lock()
		now := w.clock.Now()
		if !w.throttledLocked(category, now) {
			w.stamps[category] = append(w.stamps[category], now)
			w.mu.Unlock()
			return nil
		}
		wait := w.waitLocked(category, now)
		w.mu.Unlock()

		if err := w.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Count returns the number of requests currently inside the window.
func (w *Window) Count(category string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.prune(category, w.clock.Now()))
}

func (w *Window) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-w.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
