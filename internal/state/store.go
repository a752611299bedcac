package state

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidTransition is returned when a staged claim write would move a
// claim along an edge the status machine does not allow.
var ErrInvalidTransition = errors.New("invalid claim status transition")

// Sequence hands out monotonically increasing ids, starting at 1.
type Sequence struct {
	last uint64
}

// Last returns the most recently allocated id (0 if none).
func (s *Sequence) Last() uint64 {
	return s.last
}

// Store owns policies, their balances, claims and the reserve.
// Not thread-safe: only accessed from the single-threaded deterministic core.
// All writes go through a Tx so a failed call leaves nothing behind.
type Store struct {
	policies map[uint64]Policy
	balances map[uint64]PolicyBalance
	claims   map[uint64]Claim
	reserve  uint64

	policySeq Sequence
	claimSeq  Sequence
}

func NewStore() *Store {
	return &Store{
		policies: make(map[uint64]Policy),
		balances: make(map[uint64]PolicyBalance),
		claims:   make(map[uint64]Claim),
	}
}

// GetPolicy returns a copy of a committed policy.
func (s *Store) GetPolicy(id uint64) (Policy, bool) {
	p, ok := s.policies[id]
	return p, ok
}

// GetBalance returns a copy of a committed policy balance.
func (s *Store) GetBalance(policyID uint64) (PolicyBalance, bool) {
	b, ok := s.balances[policyID]
	return b, ok
}

// GetClaim returns a copy of a committed claim.
func (s *Store) GetClaim(id uint64) (Claim, bool) {
	c, ok := s.claims[id]
	return c, ok
}

// Reserve returns the committed aggregate reserve.
func (s *Store) Reserve() uint64 {
	return s.reserve
}

// PolicyCount and ClaimCount report the number of entities ever created.
func (s *Store) PolicyCount() int { return len(s.policies) }
func (s *Store) ClaimCount() int  { return len(s.claims) }

// SumBalances recomputes Σ PolicyBalance.balance.
func (s *Store) SumBalances() (uint64, error) {
	var total uint64
	for _, b := range s.balances {
		if total+b.Balance < total {
			return 0, fmt.Errorf("policy balances overflow uint64")
		}
		total += b.Balance
	}
	return total, nil
}

// ReconcileReserve checks the reserve against the per-policy balances it is
// derived from, and every balance against its premium.
func (s *Store) ReconcileReserve() error {
	total, err := s.SumBalances()
	if err != nil {
		return err
	}
	if total != s.reserve {
		return fmt.Errorf("reserve %d does not match sum of policy balances %d", s.reserve, total)
	}
	for id, b := range s.balances {
		p, ok := s.policies[id]
		if !ok {
			return fmt.Errorf("balance for unknown policy %d", id)
		}
		if b.Balance > p.Premium {
			return fmt.Errorf("policy %d balance %d exceeds premium %d", id, b.Balance, p.Premium)
		}
	}
	return nil
}

// Begin starts a transaction over the store.
func (s *Store) Begin() *Tx {
	return &Tx{
		store:        s,
		policies:     make(map[uint64]Policy),
		balances:     make(map[uint64]PolicyBalance),
		claims:       make(map[uint64]Claim),
		reserve:      s.reserve,
		lastPolicyID: s.policySeq.last,
		lastClaimID:  s.claimSeq.last,
	}
}

// Tx stages writes until Commit. Discarding a Tx (not committing it) is the
// rollback: the store is untouched until Commit runs.
type Tx struct {
	store *Store

	policies map[uint64]Policy
	balances map[uint64]PolicyBalance
	claims   map[uint64]Claim

	reserve         uint64
	reserveAdjusted bool

	lastPolicyID uint64
	lastClaimID  uint64

	committed bool
}

// Policy reads a policy, staged writes first.
func (tx *Tx) Policy(id uint64) (Policy, bool) {
	if p, ok := tx.policies[id]; ok {
		return p, true
	}
	return tx.store.GetPolicy(id)
}

// Balance reads a policy balance, staged writes first.
func (tx *Tx) Balance(policyID uint64) (PolicyBalance, bool) {
	if b, ok := tx.balances[policyID]; ok {
		return b, true
	}
	return tx.store.GetBalance(policyID)
}

// Claim reads a claim, staged writes first.
func (tx *Tx) Claim(id uint64) (Claim, bool) {
	if c, ok := tx.claims[id]; ok {
		return c, true
	}
	return tx.store.GetClaim(id)
}

// NextPolicyID allocates a policy id. The allocation is only kept if the Tx commits.
func (tx *Tx) NextPolicyID() uint64 {
	tx.lastPolicyID++
	return tx.lastPolicyID
}

// NextClaimID allocates a claim id. The allocation is only kept if the Tx commits.
func (tx *Tx) NextClaimID() uint64 {
	tx.lastClaimID++
	return tx.lastClaimID
}

// PutPolicy stages a policy write. Holder and bounds are immutable and the
// active flag may only be cleared.
func (tx *Tx) PutPolicy(p Policy) error {
	if p.StartHeight > p.EndHeight {
		return fmt.Errorf("policy %d: start height %d after end height %d", p.ID, p.StartHeight, p.EndHeight)
	}
	if prev, ok := tx.Policy(p.ID); ok {
		if prev.Holder != p.Holder || prev.StartHeight != p.StartHeight || prev.EndHeight != p.EndHeight ||
			prev.Premium != p.Premium || prev.CoverageAmount != p.CoverageAmount {
			return fmt.Errorf("policy %d: immutable fields changed", p.ID)
		}
		if !prev.Active && p.Active {
			return fmt.Errorf("policy %d: cannot reactivate", p.ID)
		}
	}
	tx.policies[p.ID] = p
	return nil
}

// PutBalance stages a balance write. A balance never increases after creation.
func (tx *Tx) PutBalance(b PolicyBalance) error {
	if prev, ok := tx.Balance(b.PolicyID); ok && b.Balance > prev.Balance {
		return fmt.Errorf("policy %d: balance may not increase (%d -> %d)", b.PolicyID, prev.Balance, b.Balance)
	}
	tx.balances[b.PolicyID] = b
	return nil
}

// PutClaim stages a claim write, enforcing the status machine.
func (tx *Tx) PutClaim(c Claim) error {
	if prev, ok := tx.Claim(c.ID); ok {
		if prev.Status != c.Status && !prev.Status.CanTransitionTo(c.Status) {
			return fmt.Errorf("claim %d %s -> %s: %w", c.ID, prev.Status, c.Status, ErrInvalidTransition)
		}
	} else if c.Status != ClaimStatusPending {
		return fmt.Errorf("claim %d created as %s: %w", c.ID, c.Status, ErrInvalidTransition)
	}
	verified := c.Status == ClaimStatusApproved || c.Status == ClaimStatusPaid
	if c.OracleVerified != verified {
		return fmt.Errorf("claim %d: oracle_verified=%t inconsistent with status %s", c.ID, c.OracleVerified, c.Status)
	}
	tx.claims[c.ID] = c
	return nil
}

// Changes is the set of entities a committed Tx wrote, ordered by id.
type Changes struct {
	Policies []Policy
	Balances []PolicyBalance
	Claims   []Claim
	Reserve  uint64
}

// IsEmpty reports whether the commit wrote nothing.
func (c Changes) IsEmpty() bool {
	return len(c.Policies) == 0 && len(c.Balances) == 0 && len(c.Claims) == 0
}

// CanonicalBytes for deterministic hashing
func (c Changes) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)
	for _, p := range c.Policies {
		buf = append(buf, p.CanonicalBytes()...)
	}
	for _, b := range c.Balances {
		buf = append(buf, b.CanonicalBytes()...)
	}
	for _, cl := range c.Claims {
		buf = append(buf, cl.CanonicalBytes()...)
	}
	return appendUint64LE(buf, c.Reserve)
}

// Commit writes every staged change back to the store. A Tx can be committed once.
func (tx *Tx) Commit() Changes {
	if tx.committed {
		panic("state: transaction committed twice")
	}
	tx.committed = true

	s := tx.store
	changes := Changes{Reserve: tx.reserve}

	for _, id := range sortedKeys(tx.policies) {
		p := tx.policies[id]
		s.policies[id] = p
		changes.Policies = append(changes.Policies, p)
	}
	for _, id := range sortedKeys(tx.balances) {
		b := tx.balances[id]
		s.balances[id] = b
		changes.Balances = append(changes.Balances, b)
	}
	for _, id := range sortedKeys(tx.claims) {
		c := tx.claims[id]
		s.claims[id] = c
		changes.Claims = append(changes.Claims, c)
	}

	s.reserve = tx.reserve
	s.policySeq.last = tx.lastPolicyID
	s.claimSeq.last = tx.lastClaimID

	return changes
}

func sortedKeys[V any](m map[uint64]V) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// --- Snapshots ---

// StoreSnapshot is a point-in-time copy of the store, ordered by id.
type StoreSnapshot struct {
	Policies     []Policy
	Balances     []PolicyBalance
	Claims       []Claim
	Reserve      uint64
	LastPolicyID uint64
	LastClaimID  uint64
}

// Snapshot copies the committed state.
func (s *Store) Snapshot() StoreSnapshot {
	snap := StoreSnapshot{
		Reserve:      s.reserve,
		LastPolicyID: s.policySeq.last,
		LastClaimID:  s.claimSeq.last,
	}
	for _, id := range sortedKeys(s.policies) {
		snap.Policies = append(snap.Policies, s.policies[id])
	}
	for _, id := range sortedKeys(s.balances) {
		snap.Balances = append(snap.Balances, s.balances[id])
	}
	for _, id := range sortedKeys(s.claims) {
		snap.Claims = append(snap.Claims, s.claims[id])
	}
	return snap
}

// Restore replaces the store contents with a snapshot and reconciles the reserve.
func (s *Store) Restore(snap StoreSnapshot) error {
	s.policies = make(map[uint64]Policy, len(snap.Policies))
	s.balances = make(map[uint64]PolicyBalance, len(snap.Balances))
	s.claims = make(map[uint64]Claim, len(snap.Claims))

	for _, p := range snap.Policies {
		s.policies[p.ID] = p
	}
	for _, b := range snap.Balances {
		s.balances[b.PolicyID] = b
	}
	for _, c := range snap.Claims {
		s.claims[c.ID] = c
	}
	s.reserve = snap.Reserve
	s.policySeq.last = snap.LastPolicyID
	s.claimSeq.last = snap.LastClaimID

	return s.ReconcileReserve()
}
