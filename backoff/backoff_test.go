package backoff_test

import (
	"testing"
	"time"

	"github.com/flowline-dev/flowline/backoff"
)

func TestConstant(t *testing.T) {
	s := backoff.NewConstant(5 * time.Second)
	for _, attempt := range []int{1, 3, 100} {
		if got := s.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want 5s", attempt, got)
		}
	}
}

func TestLinear(t *testing.T) {
	s := backoff.NewLinear(2*time.Second, 7*time.Second)

	if got := s.Delay(1); got != 2*time.Second {
		t.Errorf("Delay(1) = %v, want 2s", got)
	}
	if got := s.Delay(3); got != 6*time.Second {
		t.Errorf("Delay(3) = %v, want 6s", got)
	}
	if got := s.Delay(10); got != 7*time.Second {
		t.Errorf("Delay(10) = %v, want cap of 7s", got)
	}
}

func TestExponential(t *testing.T) {
	s := backoff.NewExponential(time.Second, time.Minute)

	if got := s.Delay(1); got != time.Second {
		t.Errorf("Delay(1) = %v, want 1s", got)
	}
	if got := s.Delay(4); got != 8*time.Second {
		t.Errorf("Delay(4) = %v, want 8s", got)
	}
	if got := s.Delay(20); got != time.Minute {
		t.Errorf("Delay(20) = %v, want cap of 1m", got)
	}
}

func TestJitteredStaysUnderCap(t *testing.T) {
	s := backoff.NewJittered(time.Second, 10*time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		for range 50 {
			d := s.Delay(attempt)
			if d < 0 || d > 10*time.Second {
				t.Fatalf("Delay(%d) = %v, out of [0, 10s]", attempt, d)
			}
		}
	}
}
