package ledger

import (
	"fmt"
	"strings"
)

// Identity is an authenticated principal supplied by the host on every call.
type Identity string

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeHolder AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Holder sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypeSystemCustody

	// External sub-types
	SubTypeExternalDeposits
)

// AccountKey is the in-memory key for balance tracking.
type AccountKey struct {
	Scope   AccountScope
	Owner   Identity
	SubType AccountSubType
}

// NewHolderAccountKey creates the wallet key for a holder or claimant.
func NewHolderAccountKey(holder Identity) AccountKey {
	return AccountKey{
		Scope:   AccountScopeHolder,
		Owner:   holder,
		SubType: SubTypeWallet,
	}
}

// CustodyAccountKey is the engine's own escrow account. Every escrowed premium
// sits here until it is paid out against a claim.
func CustodyAccountKey() AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: SubTypeSystemCustody,
	}
}

// ExternalDepositsKey is the boundary account funds enter the ledger from.
func ExternalDepositsKey() AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: SubTypeExternalDeposits,
	}
}

// IsExternal reports whether the account may go negative.
func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeHolder:
		return fmt.Sprintf("holder:%s:%s", k.Owner, k.subTypeName())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeSystemCustody:
		return "custody"
	case SubTypeExternalDeposits:
		return "deposits"
	default:
		return "unknown"
	}
}

// ParseAccountPath is the inverse of AccountPath. Used when restoring balances
// from a snapshot.
func ParseAccountPath(path string) (AccountKey, error) {
	switch {
	case path == CustodyAccountKey().AccountPath():
		return CustodyAccountKey(), nil
	case path == ExternalDepositsKey().AccountPath():
		return ExternalDepositsKey(), nil
	case strings.HasPrefix(path, "holder:") && strings.HasSuffix(path, ":wallet"):
		owner := strings.TrimSuffix(strings.TrimPrefix(path, "holder:"), ":wallet")
		if owner == "" {
			return AccountKey{}, fmt.Errorf("account path %q has empty owner", path)
		}
		return NewHolderAccountKey(Identity(owner)), nil
	}
	return AccountKey{}, fmt.Errorf("unknown account path %q", path)
}
