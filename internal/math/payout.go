package math

// Risk scoring bands and multipliers, all on PercentScale
const (
	MaxScore = 100

	LowRiskCeiling    = 30
	MediumRiskCeiling = 70

	LowRiskMultiplier    = 100
	MediumRiskMultiplier = 80
	HighRiskMultiplier   = 60

	FraudPenaltyThreshold = 2  // penalty applies above this many indicators
	FraudPenalty          = 20 // percentage points

	SevereDamageFloor   = 80
	ModerateDamageFloor = 50

	SevereDamageMultiplier   = 100
	ModerateDamageMultiplier = 75
	MinorDamageMultiplier    = 50

	AutoRejectRiskFloor      = 80 // reject above this risk score...
	AutoRejectFraudThreshold = 3  // ...when indicators exceed this count
)

// FlatSettlement caps a claimed amount at the policy's coverage.
func FlatSettlement(claimAmount, coverage uint64) uint64 {
	if claimAmount < coverage {
		return claimAmount
	}
	return coverage
}

// RiskMultiplier maps a 0-100 risk score to its payout factor.
func RiskMultiplier(riskScore uint8) uint64 {
	switch {
	case riskScore <= LowRiskCeiling:
		return LowRiskMultiplier
	case riskScore <= MediumRiskCeiling:
		return MediumRiskMultiplier
	default:
		return HighRiskMultiplier
	}
}

// FraudPenaltyFor returns the percentage points deducted for fraudCount indicators.
func FraudPenaltyFor(fraudCount int) uint64 {
	if fraudCount > FraudPenaltyThreshold {
		return FraudPenalty
	}
	return 0
}

// DamageMultiplier maps a 0-100 damage score to its payout factor.
func DamageMultiplier(damageScore uint8) uint64 {
	switch {
	case damageScore >= SevereDamageFloor:
		return SevereDamageMultiplier
	case damageScore >= ModerateDamageFloor:
		return ModerateDamageMultiplier
	default:
		return MinorDamageMultiplier
	}
}

// ShouldAutoReject reports whether a risk-assessed claim is rejected outright.
func ShouldAutoReject(riskScore uint8, fraudCount int) bool {
	return riskScore > AutoRejectRiskFloor && fraudCount > AutoRejectFraudThreshold
}

// RiskAdjustedPayout computes
//
//	base * risk_multiplier * (damage_multiplier - fraud_penalty) / 10000
//
// with a single truncating division after both multiplications.
// base * 100 * 100 always fits the wide intermediate and the result is
// never larger than base, so the computation cannot fail.
func RiskAdjustedPayout(base uint64, riskScore uint8, fraudCount int, damageScore uint8) uint64 {
	rm := RiskMultiplier(riskScore)
	factor := DamageMultiplier(damageScore) - FraudPenaltyFor(fraudCount)

	result, _ := MulDiv(base, rm, factor, PercentScale*PercentScale, RoundDown)
	return result
}
