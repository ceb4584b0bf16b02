package staking

import (
	"math"
	"testing"
)

func TestAccrue(t *testing.T) {
	cases := []struct {
		name                           string
		principal, rate, elapsed, want int64
	}{
		{"simple", 1000, 1e15, 1000, 1000},
		{"one unit per second", 1, 1e18, 10, 10},
		{"floors fractional yield", 1, 1e15, 999, 0},
		{"zero principal", 0, 1e18, 100, 0},
		{"zero rate", 1000, 0, 100, 0},
		{"zero elapsed", 1000, 1e18, 0, 0},
		{"large principal no overflow", math.MaxInt64, 1e9, 3600, 33204139332677},
	}
	for _, c := range cases {
		got, err := Accrue(c.principal, c.rate, c.elapsed)
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if got != c.want {
			t.Fatalf("%s: got %d, want %d", c.name, got, c.want)
		}
	}
}

func TestAccrueOverflow(t *testing.T) {
	if _, err := Accrue(math.MaxInt64, 1e18, math.MaxInt64); err == nil {
		t.Fatalf("expected overflow error")
	}
}
