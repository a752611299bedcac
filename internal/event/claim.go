package event

import "github.com/google/uuid"

type SubmitClaim struct {
	Call
	RequestID   uuid.UUID
	PolicyID    uint64
	Amount      uint64
	Description string
}

func (e *SubmitClaim) IdempotencyKey() string {
	return e.RequestID.String()
}

func (e *SubmitClaim) EventType() EventType {
	return EventTypeSubmitClaim
}

type VerifyClaim struct {
	Call
	RequestID uuid.UUID
	ClaimID   uint64
	Verified  bool
}

func (e *VerifyClaim) IdempotencyKey() string {
	return e.RequestID.String()
}

func (e *VerifyClaim) EventType() EventType {
	return EventTypeVerifyClaim
}

// SettleFlat pays an approved claim up to the policy coverage.
// Any principal may trigger it; the oracle flag gates the payout.
type SettleFlat struct {
	Call
	RequestID uuid.UUID
	ClaimID   uint64
}

func (e *SettleFlat) IdempotencyKey() string {
	return e.RequestID.String()
}

func (e *SettleFlat) EventType() EventType {
	return EventTypeSettleFlat
}

// SettleWithRiskAssessment verifies and settles a pending claim in one step.
type SettleWithRiskAssessment struct {
	Call
	RequestID       uuid.UUID
	ClaimID         uint64
	RiskScore       uint8
	FraudIndicators []string
	EvidenceHash    string
	DamageScore     uint8
}

func (e *SettleWithRiskAssessment) IdempotencyKey() string {
	return e.RequestID.String()
}

func (e *SettleWithRiskAssessment) EventType() EventType {
	return EventTypeSettleWithRiskAssessment
}
