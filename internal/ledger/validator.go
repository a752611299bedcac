package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateCustodyMatchesReserve verifies that the custody account holds exactly
// the aggregate reserve: every escrowed unit is in custody and nothing else is.
func (v *InvariantValidator) ValidateCustodyMatchesReserve(reserve uint64) error {
	custody := v.tracker.GetCustodyBalance()
	if custody < 0 || uint64(custody) != reserve {
		return fmt.Errorf("custody balance %d does not match reserve %d", custody, reserve)
	}
	return nil
}

// ValidateWalletNonNegative checks a holder wallet is >= 0
func (v *InvariantValidator) ValidateWalletNonNegative(holder Identity) error {
	return v.tracker.ValidateNonNegative(NewHolderAccountKey(holder))
}

// ValidateGlobalBalance verifies the ledger is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("global balance is non-zero: %d", total)
	}
	return nil
}
