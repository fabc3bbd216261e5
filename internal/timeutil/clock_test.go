package timeutil

import (
	"sync"
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

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	d := clock.Since(past)

	if d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestMockClock_Now(t *testing.T) {
	fixedTime := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(fixedTime)

	if now := clock.Now(); !now.Equal(fixedTime) {
		t.Errorf("got %v, want %v", now, fixedTime)
	}
	if now := clock.Now(); !now.Equal(fixedTime) {
		t.Errorf("clock moved without a step: got %v", now)
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

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.Advance(90 * time.Second)

	if got := clock.Since(start); got != 90*time.Second {
		t.Errorf("Since() = %v, want 90s", got)
	}
}

func TestMockClock_Step(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.SetStep(100 * time.Millisecond)

	first := clock.Now()
	second := clock.Now()
	if got := second.Sub(first); got != 100*time.Millisecond {
		t.Errorf("step = %v, want 100ms", got)
	}
	if got := clock.Since(start); got != 200*time.Millisecond {
		t.Errorf("Since() = %v, want 200ms", got)
	}
}

func TestMockClock_Concurrent(t *testing.T) {
	clock := NewMockClock(time.Time{})
	clock.SetStep(time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				clock.Now()
			}
		}()
	}
	wg.Wait()

	if got := clock.Since(time.Time{}); got != time.Second {
		t.Errorf("Since() = %v, want 1s", got)
	}
}
