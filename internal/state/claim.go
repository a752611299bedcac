package state

import "ClaimLedger/internal/ledger"

// ClaimStatus tracks a claim through verification and payment
type ClaimStatus uint8

const (
	ClaimStatusPending ClaimStatus = iota
	ClaimStatusApproved
	ClaimStatusRejected
	ClaimStatusPaid
)

func (s ClaimStatus) String() string {
	switch s {
	case ClaimStatusPending:
		return "Pending"
	case ClaimStatusApproved:
		return "Approved"
	case ClaimStatusRejected:
		return "Rejected"
	case ClaimStatusPaid:
		return "Paid"
	default:
		return "Unknown"
	}
}

// ParseClaimStatus is the inverse of String.
func ParseClaimStatus(s string) (ClaimStatus, bool) {
	for _, st := range []ClaimStatus{ClaimStatusPending, ClaimStatusApproved, ClaimStatusRejected, ClaimStatusPaid} {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// IsTerminal reports whether no further transition is possible.
func (s ClaimStatus) IsTerminal() bool {
	return s == ClaimStatusRejected || s == ClaimStatusPaid
}

// CanTransitionTo validates status transitions.
// Pending may jump straight to Paid through a risk-assessed settlement.
func (s ClaimStatus) CanTransitionTo(next ClaimStatus) bool {
	validTransitions := map[ClaimStatus][]ClaimStatus{
		ClaimStatusPending: {
			ClaimStatusApproved,
			ClaimStatusRejected,
			ClaimStatusPaid,
		},
		ClaimStatusApproved: {
			ClaimStatusPaid,
		},
	}

	for _, valid := range validTransitions[s] {
		if valid == next {
			return true
		}
	}
	return false
}

// Claim is a holder's request to draw funds from a policy's escrow.
type Claim struct {
	ID              uint64
	PolicyID        uint64 // Non-owning reference
	Claimant        ledger.Identity
	Amount          uint64 // Requested payout
	Description     string
	SubmittedHeight uint64
	Status          ClaimStatus
	OracleVerified  bool

	// Set on settlement
	Settlement   uint64
	EvidenceHash string
}

// CanonicalBytes for deterministic hashing
func (c Claim) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = appendUint64LE(buf, c.ID)
	buf = appendUint64LE(buf, c.PolicyID)
	buf = appendString(buf, string(c.Claimant))
	buf = appendUint64LE(buf, c.Amount)
	buf = appendString(buf, c.Description)
	buf = appendUint64LE(buf, c.SubmittedHeight)
	buf = append(buf, byte(c.Status))
	buf = appendBool(buf, c.OracleVerified)
	buf = appendUint64LE(buf, c.Settlement)
	buf = appendString(buf, c.EvidenceHash)
	return buf
}
