package ratewindow

import (
	"context"
	"errors"
	"testing"
	"time"

	testclock "k8s.io/utils/clock/testing"
)

var start = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestShouldThrottle_PerCategory(t *testing.T) {
	clk := testclock.NewFakeClock(start)
	w := New(map[string]int{Default: 2, Dispatch: 1}, 0, clk)

	w.RecordRequest(Dispatch)
	if !w.ShouldThrottle(Dispatch) {
		t.Error("dispatch should be throttled after 1 request")
	}
	if w.ShouldThrottle(Default) {
		t.Error("default should not be affected by dispatch requests")
	}

	w.RecordRequest(Default)
	w.RecordRequest(Default)
	if !w.ShouldThrottle(Default) {
		t.Error("default should be throttled after 2 requests")
	}
}

func TestShouldThrottle_UnknownCategoryUsesDefault(t *testing.T) {
	clk := testclock.NewFakeClock(start)
	w := New(map[string]int{Default: 1}, 0, clk)

	w.RecordRequest("feed")
	if !w.ShouldThrottle("feed") {
		t.Error("unknown category should fall back to the default limit")
	}
	if w.ShouldThrottle(Default) {
		t.Error("fallback must not share the default category's counter")
	}
}

func TestShouldThrottle_WindowSlides(t *testing.T) {
	clk := testclock.NewFakeClock(start)
	w := New(map[string]int{Default: 1}, 0, clk)

	w.RecordRequest(Default)
	clk.Step(59 * time.Second)
	if !w.ShouldThrottle(Default) {
		t.Error("request 59s old should still count")
	}
	clk.Step(time.Second)
	if w.ShouldThrottle(Default) {
		t.Error("request 60s old should have left the window")
	}
	if got := w.Count(Default); got != 0 {
		t.Errorf("Count = %d, want 0", got)
	}
}

func TestShouldThrottle_ZeroLimitNeverThrottles(t *testing.T) {
	w := New(map[string]int{}, 0, testclock.NewFakeClock(start))
	for i := 0; i < 100; i++ {
		w.RecordRequest(Auth)
	}
	if w.ShouldThrottle(Auth) {
		t.Error("category without a limit should not throttle")
	}
}

func TestWaitUntilAllowed_BlocksUntilOldestExpires(t *testing.T) {
	clk := testclock.NewFakeClock(start)
	w := New(map[string]int{Default: 1}, 2*time.Second, clk)
	w.RecordRequest(Default)
	clk.Step(10 * time.Second)

	done := make(chan error, 1)
	go func() { done <- w.WaitUntilAllowed(context.Background(), Default) }()

	for !clk.HasWaiters() {
		time.Sleep(time.Millisecond)
	}
	select {
	case <-done:
		t.Fatal("WaitUntilAllowed returned while throttled")
	default:
	}

	// Oldest request exits at +60s, plus the 2s buffer.
	clk.Step(52 * time.Second)
	if err := <-done; err != nil {
		t.Fatalf("WaitUntilAllowed: %v", err)
	}
}

func TestWaitUntilAllowed_ContextCancelled(t *testing.T) {
	clk := testclock.NewFakeClock(start)
	w := New(map[string]int{Default: 1}, 0, clk)
	w.RecordRequest(Default)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.WaitUntilAllowed(ctx, Default); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestAcquire_RecordsRequest(t *testing.T) {
	clk := testclock.NewFakeClock(start)
	w := New(map[string]int{Default: 3}, 0, clk)

	for i := 0; i < 3; i++ {
		if err := w.Acquire(context.Background(), Default); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if got := w.Count(Default); got != 3 {
		t.Errorf("Count = %d, want 3", got)
	}
	if !w.ShouldThrottle(Default) {
		t.Error("window should be full")
	}
}
