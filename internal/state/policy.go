package state

import "ClaimLedger/internal/ledger"

// Policy is an escrow-backed coverage agreement valid over a logical-clock window.
// Holder and bounds never change after creation; only Active is cleared.
type Policy struct {
	ID             uint64
	Holder         ledger.Identity
	Premium        uint64 // Minor currency units
	CoverageAmount uint64 // Upper bound on any single payout
	PolicyType     string
	StartHeight    uint64
	EndHeight      uint64
	Active         bool
}

// IsValidAt reports whether claims may be filed against the policy at height.
func (p Policy) IsValidAt(height uint64) bool {
	return p.Active && p.StartHeight <= height && height <= p.EndHeight
}

// CanonicalBytes for deterministic hashing
func (p Policy) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)
	buf = appendUint64LE(buf, p.ID)
	buf = appendString(buf, string(p.Holder))
	buf = appendUint64LE(buf, p.Premium)
	buf = appendUint64LE(buf, p.CoverageAmount)
	buf = appendString(buf, p.PolicyType)
	buf = appendUint64LE(buf, p.StartHeight)
	buf = appendUint64LE(buf, p.EndHeight)
	buf = appendBool(buf, p.Active)
	return buf
}

// PolicyBalance tracks the remaining escrow of one policy.
type PolicyBalance struct {
	PolicyID uint64
	Balance  uint64
}

// CanonicalBytes for deterministic hashing
func (b PolicyBalance) CanonicalBytes() []byte {
	buf := make([]byte, 0, 16)
	buf = appendUint64LE(buf, b.PolicyID)
	buf = appendUint64LE(buf, b.Balance)
	return buf
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// appendString writes a length-prefixed string.
func appendString(buf []byte, s string) []byte {
	buf = appendUint64LE(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}
