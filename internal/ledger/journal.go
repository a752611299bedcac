package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeWalletFunding JournalType = iota
	JournalTypePremiumEscrow
	JournalTypeClaimPayout
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeWalletFunding:
		return "wallet_funding"
	case JournalTypePremiumEscrow:
		return "premium_escrow"
	case JournalTypeClaimPayout:
		return "claim_payout"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source call
	Sequence      int64       // Global call sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Amount        int64       // Minor currency units (ALWAYS positive)
	JournalType   JournalType // Entry type
	Height        uint64      // Logical clock of the call
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID  uuid.UUID
	EventRef string
	Sequence int64
	Height   uint64
	Journals []Journal
}

// Validate ensures the batch is well-formed.
// Each journal entry moves a single positive amount from the credit account to
// the debit account, so debits equal credits per entry.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		// No self-transfers
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}

// Total returns the sum of all journal amounts in the batch.
func (b *Batch) Total() int64 {
	var total int64
	for _, j := range b.Journals {
		total += j.Amount
	}
	return total
}
