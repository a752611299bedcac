package math_test

import (
	"ClaimLedger/internal/math"
	stdmath "math"
	"testing"
)

func TestFlatSettlement(t *testing.T) {
	if got := math.FlatSettlement(2_000_000, 5_000_000); got != 2_000_000 {
		t.Errorf("got %d, want 2000000", got)
	}
	if got := math.FlatSettlement(9_000_000, 5_000_000); got != 5_000_000 {
		t.Errorf("got %d, want coverage cap 5000000", got)
	}
}

func TestRiskMultiplier_Bands(t *testing.T) {
	cases := []struct {
		score uint8
		want  uint64
	}{
		{0, 100}, {30, 100}, {31, 80}, {70, 80}, {71, 60}, {100, 60},
	}
	for _, tc := range cases {
		if got := math.RiskMultiplier(tc.score); got != tc.want {
			t.Errorf("RiskMultiplier(%d) = %d, want %d", tc.score, got, tc.want)
		}
	}
}

func TestDamageMultiplier_Bands(t *testing.T) {
	cases := []struct {
		score uint8
		want  uint64
	}{
		{0, 50}, {49, 50}, {50, 75}, {79, 75}, {80, 100}, {100, 100},
	}
	for _, tc := range cases {
		if got := math.DamageMultiplier(tc.score); got != tc.want {
			t.Errorf("DamageMultiplier(%d) = %d, want %d", tc.score, got, tc.want)
		}
	}
}

func TestFraudPenaltyFor(t *testing.T) {
	if math.FraudPenaltyFor(2) != 0 {
		t.Error("two indicators should not be penalised")
	}
	if math.FraudPenaltyFor(3) != 20 {
		t.Error("three indicators should cost 20 points")
	}
}

func TestShouldAutoReject(t *testing.T) {
	cases := []struct {
		risk  uint8
		count int
		want  bool
	}{
		{85, 4, true},
		{80, 4, false}, // risk must be strictly above 80
		{85, 3, false}, // count must be strictly above 3
		{100, 5, true},
	}
	for _, tc := range cases {
		if got := math.ShouldAutoReject(tc.risk, tc.count); got != tc.want {
			t.Errorf("ShouldAutoReject(%d, %d) = %t, want %t", tc.risk, tc.count, got, tc.want)
		}
	}
}

func TestRiskAdjustedPayout_FullPayout(t *testing.T) {
	got := math.RiskAdjustedPayout(2_000_000, 25, 0, 90)
	if got != 2_000_000 {
		t.Errorf("got %d, want 2000000", got)
	}
}

func TestRiskAdjustedPayout_CombinedFactors(t *testing.T) {
	// 1_000_000 * 80 * (75 - 20) / 10000 = 440_000
	got := math.RiskAdjustedPayout(1_000_000, 50, 3, 60)
	if got != 440_000 {
		t.Errorf("got %d, want 440000", got)
	}
}

func TestRiskAdjustedPayout_SingleTruncation(t *testing.T) {
	// 333 * 60 * 30 / 10000 = 59.94 → 59
	// 7 * 80 * 75 / 10000 = 4.2 → 4, where dividing per factor would give 3
	if got := math.RiskAdjustedPayout(333, 90, 3, 0); got != 59 {
		t.Errorf("got %d, want 59", got)
	}
	if got := math.RiskAdjustedPayout(7, 50, 0, 60); got != 4 {
		t.Errorf("got %d, want 4", got)
	}
}

func TestRiskAdjustedPayout_NoOverflow(t *testing.T) {
	got := math.RiskAdjustedPayout(stdmath.MaxUint64, 0, 0, 100)
	if got != stdmath.MaxUint64 {
		t.Errorf("got %d, want MaxUint64", got)
	}
}

func TestMulDiv(t *testing.T) {
	if _, ok := math.MulDiv(1, 1, 1, 0, math.RoundDown); ok {
		t.Error("division by zero should fail")
	}
	if _, ok := math.MulDiv(stdmath.MaxUint64, 2, 1, 1, math.RoundDown); ok {
		t.Error("overflowing result should fail")
	}
	// 5 / 2 = 2.5 → 2 (even)
	if got, _ := math.MulDiv(5, 1, 1, 2, math.RoundHalfEven); got != 2 {
		t.Errorf("half-even 2.5 = %d, want 2", got)
	}
	// 7 / 2 = 3.5 → 4 (even)
	if got, _ := math.MulDiv(7, 1, 1, 2, math.RoundHalfEven); got != 4 {
		t.Errorf("half-even 3.5 = %d, want 4", got)
	}
	if got, _ := math.MulDiv(7, 1, 1, 2, math.RoundDown); got != 3 {
		t.Errorf("truncated 3.5 = %d, want 3", got)
	}
}
