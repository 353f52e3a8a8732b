package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleRefusesSecondTimer(t *testing.T) {
	var s Scheduler
	var calls int32
	if !s.Schedule(20*time.Millisecond, func() { atomic.AddInt32(&calls, 1) }) {
		t.Fatalf("first schedule refused")
	}
	if s.Schedule(time.Millisecond, func() { atomic.AddInt32(&calls, 100) }) {
		t.Fatalf("second schedule accepted while pending")
	}
	time.Sleep(80 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one callback, got %d", got)
	}
	if s.Pending() {
		t.Fatalf("scheduler still pending after fire")
	}
	if s.Fired() != 1 {
		t.Fatalf("fired = %d", s.Fired())
	}
}

func TestCancelPreventsCallback(t *testing.T) {
	var s Scheduler
	var calls int32
	s.Schedule(10*time.Millisecond, func() { atomic.AddInt32(&calls, 1) })
	if !s.Cancel() {
		t.Fatalf("cancel reported nothing pending")
	}
	time.Sleep(40 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("cancelled callback ran")
	}
	if s.Cancel() {
		t.Fatalf("second cancel should report false")
	}
	if !s.Schedule(time.Millisecond, func() {}) {
		t.Fatalf("schedule after cancel refused")
	}
}

func TestExponentialDelay(t *testing.T) {
	e := Exponential{Base: 200 * time.Millisecond, Max: time.Second}
	want := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second}
	for i, w := range want {
		if got := e.Delay(i); got != w {
			t.Fatalf("Delay(%d) = %v, want %v", i, got, w)
		}
	}
}

var errTemp = errors.New("temp")

func TestDoStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	n := 0
	err := Do(context.Background(), 5, Fixed(time.Millisecond), func(err error) bool { return errors.Is(err, errTemp) },
		func(ctx context.Context, attempt int) error {
			n++
			if attempt == 0 {
				return errTemp
			}
			return fatal
		})
	if !errors.Is(err, fatal) || n != 2 {
		t.Fatalf("err=%v n=%d", err, n)
	}
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, 3, Fixed(time.Hour), nil, func(context.Context, int) error { return errTemp })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
