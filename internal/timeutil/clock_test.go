package timeutil

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_NewTimer(t *testing.T) {
	clock := RealClock{}
	timer := clock.NewTimer(10 * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C():
		// Timer fired as expected
	case <-time.After(time.Second):
		t.Error("timer did not fire")
	}
}

func TestMockClock_Set(t *testing.T) {
	clock := NewMockClock(time.Time{})
	newTime := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	clock.Set(newTime)

	if !clock.Now().Equal(newTime) {
		t.Errorf("got %v, want %v", clock.Now(), newTime)
	}
}

func TestMockClock_TimerFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	timer := clock.NewTimer(100 * time.Millisecond)

	clock.Advance(50 * time.Millisecond)
	select {
	case <-timer.C():
		t.Fatal("timer fired before deadline")
	default:
	}

	clock.Advance(50 * time.Millisecond)
	select {
	case got := <-timer.C():
		if !got.Equal(start.Add(100 * time.Millisecond)) {
			t.Errorf("fired at %v, want %v", got, start.Add(100*time.Millisecond))
		}
	default:
		t.Fatal("timer did not fire at deadline")
	}
}

func TestMockClock_StoppedTimerDoesNotFire(t *testing.T) {
	clock := NewMockClock(time.Time{})
	timer := clock.NewTimer(time.Second)
	if !timer.Stop() {
		t.Error("Stop() on active timer should return true")
	}
	clock.Advance(2 * time.Second)
	select {
	case <-timer.C():
		t.Error("stopped timer fired")
	default:
	}
}

func TestSimClock_TimerAdvancesTime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewSimClock(start)

	for i := 0; i < 100; i++ {
		if err := SleepContext(context.Background(), clock, 10*time.Millisecond); err != nil {
			t.Fatalf("SleepContext: %v", err)
		}
	}

	if got := clock.Since(start); got != time.Second {
		t.Errorf("elapsed = %v, want 1s", got)
	}
	if got := clock.Slept(); got != time.Second {
		t.Errorf("Slept() = %v, want 1s", got)
	}
}

func TestSleepContext_NonPositiveDuration(t *testing.T) {
	clock := NewSimClock(time.Time{})
	if err := SleepContext(context.Background(), clock, 0); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if clock.Slept() != 0 {
		t.Errorf("zero sleep advanced the clock by %v", clock.Slept())
	}
}

func TestSleepContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	clock := NewMockClock(time.Time{})
	err := SleepContext(ctx, clock, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
