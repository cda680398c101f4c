package exchange

import "testing"

func TestRoundStep(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value, step, want float64
	}{
		{0.1637, 0.001, 0.163}, // always down
		{0.9999, 0.001, 0.999},
		{5.0, 1.0, 5.0},
		{123.456, 0.01, 123.45},
		{0.0009, 0.001, 0},
		{7.3, 0, 7.3}, // degenerate step passes through
	}
	for _, tt := range tests {
		if got := RoundStep(tt.value, tt.step); got != tt.want {
			t.Errorf("RoundStep(%v, %v) = %v, want %v", tt.value, tt.step, got, tt.want)
		}
	}
}

func TestRoundTick(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value, tick, want float64
	}{
		{61234.567, 0.1, 61234.6}, // nearest, not down
		{61234.54, 0.1, 61234.5},
		{0.12345, 0.0001, 0.1235},
		{0.12344, 0.0001, 0.1234},
		{100, 0.5, 100},
	}
	for _, tt := range tests {
		if got := RoundTick(tt.value, tt.tick); got != tt.want {
			t.Errorf("RoundTick(%v, %v) = %v, want %v", tt.value, tt.tick, got, tt.want)
		}
	}
}

func TestFmtNum(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float64
		want string
	}{
		{0.001, "0.001"},
		{61000, "61000"},
		{0.0000012, "0.0000012"}, // no exponent notation
	}
	for _, tt := range tests {
		if got := fmtNum(tt.in); got != tt.want {
			t.Errorf("fmtNum(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
