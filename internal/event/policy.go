package event

import (
	"ClaimLedger/internal/ledger"

	"github.com/google/uuid"
)

type CreatePolicy struct {
	Call
	RequestID      uuid.UUID
	Premium        uint64
	CoverageAmount uint64
	PolicyType     string
	Duration       uint64 // In logical clock ticks
}

func (e *CreatePolicy) IdempotencyKey() string {
	return e.RequestID.String()
}

func (e *CreatePolicy) EventType() EventType {
	return EventTypeCreatePolicy
}

// FundWallet credits a holder wallet from outside the ledger.
// Only verifiers may submit it.
type FundWallet struct {
	Call
	RequestID uuid.UUID
	Holder    ledger.Identity
	Amount    uint64
}

func (e *FundWallet) IdempotencyKey() string {
	return e.RequestID.String()
}

func (e *FundWallet) EventType() EventType {
	return EventTypeFundWallet
}
