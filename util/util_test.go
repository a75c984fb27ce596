package util_test

import (
	"testing"
	"time"

	"github.com/crest-lab/zwscan/util"
)

func TestClampHigh(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = 20.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != high {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestClampLow(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = -1.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != low {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestSecsToDuration(t *testing.T) {
	var dur time.Duration = 123456789
	secs := dur.Seconds()
	out := util.SecsToDuration(secs)
	if out != dur {
		t.Errorf("expected SecsToDuration to round trip, output %v != expected %v", out, dur)
	}
}

func TestLimiterZeroValuePermitsAll(t *testing.T) {
	l := util.Limiter{}
	if !l.Check(-1e9) || !l.Check(1e9) {
		t.Error("zero limiter should not restrict motion")
	}
}

func TestLimiterBounds(t *testing.T) {
	l := util.Limiter{Min: 0, Max: 25000}
	cases := map[float64]bool{-1: false, 0: true, 12500: true, 25000: true, 25000.1: false}
	for in, expected := range cases {
		if got := l.Check(in); got != expected {
			t.Errorf("Check(%v) = %v, expected %v", in, got, expected)
		}
	}
}
