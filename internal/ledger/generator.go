package ledger

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientBalance is returned when the paying account cannot fund a transfer.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrAmountOutOfRange is returned for zero amounts or amounts the ledger cannot represent.
	ErrAmountOutOfRange = errors.New("amount out of range")
)

// JournalGenerator creates balanced journal batches for the calls that move funds.
// It only reads balances; batches are applied by the core after every
// precondition of the call has passed.
type JournalGenerator struct {
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		balanceTracker: tracker,
	}
}

// TransferRef identifies the call a transfer belongs to.
type TransferRef struct {
	EventRef string
	Sequence int64
	Height   uint64
}

// GenerateWalletFunding credits a holder wallet.
// Moves funds: external:deposits → holder:wallet
func (jg *JournalGenerator) GenerateWalletFunding(ref TransferRef, holder Identity, amount uint64) (*Batch, error) {
	return jg.transfer(ref, ExternalDepositsKey(), NewHolderAccountKey(holder), amount, JournalTypeWalletFunding)
}

// GeneratePremiumEscrow takes a premium into engine custody.
// Moves funds: holder:wallet → system:custody
func (jg *JournalGenerator) GeneratePremiumEscrow(ref TransferRef, holder Identity, premium uint64) (*Batch, error) {
	return jg.transfer(ref, NewHolderAccountKey(holder), CustodyAccountKey(), premium, JournalTypePremiumEscrow)
}

// GenerateClaimPayout pays a settlement out of custody.
// Moves funds: system:custody → holder:wallet
func (jg *JournalGenerator) GenerateClaimPayout(ref TransferRef, claimant Identity, settlement uint64) (*Batch, error) {
	return jg.transfer(ref, CustodyAccountKey(), NewHolderAccountKey(claimant), settlement, JournalTypeClaimPayout)
}

func (jg *JournalGenerator) transfer(
	ref TransferRef,
	from, to AccountKey,
	amount uint64,
	journalType JournalType,
) (*Batch, error) {
	if amount == 0 || amount > math.MaxInt64 {
		return nil, fmt.Errorf("%s of %d: %w", journalType, amount, ErrAmountOutOfRange)
	}
	signed := int64(amount)

	// PRE-CHECK: paying account must hold the amount
	if err := jg.balanceTracker.ValidateSufficient(from, signed); err != nil {
		return nil, fmt.Errorf("%s pre-check failed: %w: %v", journalType, ErrInsufficientBalance, err)
	}

	// Credit side must not overflow
	if !to.IsExternal() && jg.balanceTracker.GetBalance(to) > math.MaxInt64-signed {
		return nil, fmt.Errorf("%s would overflow %s: %w", journalType, to.AccountPath(), ErrAmountOutOfRange)
	}

	batchID := uuid.New()
	batch := &Batch{
		BatchID:  batchID,
		EventRef: ref.EventRef,
		Sequence: ref.Sequence,
		Height:   ref.Height,
		Journals: []Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      ref.EventRef,
			Sequence:      ref.Sequence,
			DebitAccount:  to,
			CreditAccount: from,
			Amount:        signed,
			JournalType:   journalType,
			Height:        ref.Height,
		}},
	}

	return batch, nil
}
