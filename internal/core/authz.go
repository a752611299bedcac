package core

import (
	"ClaimLedger/internal/ledger"
	"sort"
)

// Authorizer decides which principals hold the verifier role.
type Authorizer interface {
	IsVerifier(caller ledger.Identity) bool
}

// VerifierSet grants the verifier role to a fixed set of identities.
type VerifierSet struct {
	members map[ledger.Identity]struct{}
}

func NewVerifierSet(ids ...ledger.Identity) *VerifierSet {
	vs := &VerifierSet{members: make(map[ledger.Identity]struct{}, len(ids))}
	for _, id := range ids {
		if id != "" {
			vs.members[id] = struct{}{}
		}
	}
	return vs
}

func (vs *VerifierSet) IsVerifier(caller ledger.Identity) bool {
	_, ok := vs.members[caller]
	return ok
}

// Members returns the verifiers in sorted order.
func (vs *VerifierSet) Members() []ledger.Identity {
	out := make([]ledger.Identity, 0, len(vs.members))
	for id := range vs.members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
