package clock_test

import (
	"testing"
	"time"

	"pkt.systems/scopedstore/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestManualAdvanceFiresTimers(t *testing.T) {
	t.Parallel()

	start := time.Date(2023, 8, 20, 15, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	ch := m.After(time.Minute)
	select {
	case <-ch:
		t.Fatal("timer fired before advance")
	default:
	}
	m.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}
	m.Advance(30 * time.Second)
	select {
	case fired := <-ch:
		if !fired.Equal(start.Add(time.Minute)) {
			t.Fatalf("unexpected fire time %v", fired)
		}
	default:
		t.Fatal("timer did not fire")
	}
}

func TestManualSleepAdvancesWithoutBlocking(t *testing.T) {
	t.Parallel()

	start := time.Unix(1692543600, 0)
	m := clock.NewManual(start)
	m.Sleep(5 * time.Second)
	if got := m.Now(); !got.Equal(start.Add(5 * time.Second)) {
		t.Fatalf("expected clock advanced by sleep, got %v", got)
	}
	if slept := m.Slept(); len(slept) != 1 || slept[0] != 5*time.Second {
		t.Fatalf("unexpected sleeps %v", slept)
	}
	m.Set(start)
	if !m.Now().Equal(start.UTC()) {
		t.Fatalf("expected Set to move clock back")
	}
}
