package state_test

import (
	"ClaimLedger/internal/ledger"
	"ClaimLedger/internal/state"
	"errors"
	"testing"
)

const holder = ledger.Identity("alice")

// mustCreatePolicy commits a policy with a matching balance and reserve increase.
func mustCreatePolicy(t *testing.T, s *state.Store, premium, coverage uint64) state.Policy {
	t.Helper()
	tx := s.Begin()
	p := state.Policy{
		ID:             tx.NextPolicyID(),
		Holder:         holder,
		Premium:        premium,
		CoverageAmount: coverage,
		PolicyType:     "Auto",
		StartHeight:    10,
		EndHeight:      1010,
		Active:         true,
	}
	if err := tx.PutPolicy(p); err != nil {
		t.Fatalf("PutPolicy: %v", err)
	}
	if err := tx.PutBalance(state.PolicyBalance{PolicyID: p.ID, Balance: premium}); err != nil {
		t.Fatalf("PutBalance: %v", err)
	}
	if err := tx.AdjustReserve(premium, state.ReserveIncrease); err != nil {
		t.Fatalf("AdjustReserve: %v", err)
	}
	tx.Commit()
	return p
}

func mustSubmitClaim(t *testing.T, s *state.Store, policyID, amount uint64) state.Claim {
	t.Helper()
	tx := s.Begin()
	c := state.Claim{
		ID:              tx.NextClaimID(),
		PolicyID:        policyID,
		Claimant:        holder,
		Amount:          amount,
		SubmittedHeight: 20,
		Status:          state.ClaimStatusPending,
	}
	if err := tx.PutClaim(c); err != nil {
		t.Fatalf("PutClaim: %v", err)
	}
	tx.Commit()
	return c
}

// ============================================================================
// Test: Store transactions
// ============================================================================

func TestStore_IDsStartAtOne(t *testing.T) {
	s := state.NewStore()
	p := mustCreatePolicy(t, s, 1_000_000, 5_000_000)
	if p.ID != 1 {
		t.Errorf("first policy id = %d, want 1", p.ID)
	}
	c := mustSubmitClaim(t, s, p.ID, 10)
	if c.ID != 1 {
		t.Errorf("first claim id = %d, want 1", c.ID)
	}
	p2 := mustCreatePolicy(t, s, 1_000, 1_000)
	if p2.ID != 2 {
		t.Errorf("second policy id = %d, want 2", p2.ID)
	}
}

func TestStore_DiscardedTxLeavesNothing(t *testing.T) {
	s := state.NewStore()

	tx := s.Begin()
	id := tx.NextPolicyID()
	_ = tx.PutPolicy(state.Policy{ID: id, Holder: holder, Premium: 5, EndHeight: 1, Active: true})
	_ = tx.PutBalance(state.PolicyBalance{PolicyID: id, Balance: 5})
	_ = tx.AdjustReserve(5, state.ReserveIncrease)
	// no Commit

	if _, ok := s.GetPolicy(id); ok {
		t.Error("uncommitted policy should not be visible")
	}
	if s.Reserve() != 0 {
		t.Errorf("reserve = %d, want 0", s.Reserve())
	}

	// The discarded id is reused
	p := mustCreatePolicy(t, s, 1_000, 1_000)
	if p.ID != 1 {
		t.Errorf("policy id after discarded tx = %d, want 1", p.ID)
	}
}

func TestStore_TxReadsOwnWrites(t *testing.T) {
	s := state.NewStore()
	p := mustCreatePolicy(t, s, 1_000, 1_000)

	tx := s.Begin()
	if err := tx.PutBalance(state.PolicyBalance{PolicyID: p.ID, Balance: 400}); err != nil {
		t.Fatal(err)
	}
	b, _ := tx.Balance(p.ID)
	if b.Balance != 400 {
		t.Errorf("staged balance = %d, want 400", b.Balance)
	}
	committed, _ := s.GetBalance(p.ID)
	if committed.Balance != 1_000 {
		t.Errorf("committed balance = %d, want 1000", committed.Balance)
	}
}

func TestStore_BalanceMayNotIncrease(t *testing.T) {
	s := state.NewStore()
	p := mustCreatePolicy(t, s, 1_000, 1_000)

	tx := s.Begin()
	if err := tx.PutBalance(state.PolicyBalance{PolicyID: p.ID, Balance: 1_001}); err == nil {
		t.Error("expected error when increasing a policy balance")
	}
}

func TestStore_PolicyCannotReactivate(t *testing.T) {
	s := state.NewStore()
	p := mustCreatePolicy(t, s, 1_000, 1_000)

	tx := s.Begin()
	p.Active = false
	if err := tx.PutPolicy(p); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	tx.Commit()

	tx = s.Begin()
	p.Active = true
	if err := tx.PutPolicy(p); err == nil {
		t.Error("expected error reactivating a policy")
	}
}

func TestStore_PolicyHolderImmutable(t *testing.T) {
	s := state.NewStore()
	p := mustCreatePolicy(t, s, 1_000, 1_000)

	tx := s.Begin()
	p.Holder = "mallory"
	if err := tx.PutPolicy(p); err == nil {
		t.Error("expected error changing policy holder")
	}
}

func TestStore_ClaimTransitions(t *testing.T) {
	s := state.NewStore()
	p := mustCreatePolicy(t, s, 1_000, 1_000)
	c := mustSubmitClaim(t, s, p.ID, 100)

	tx := s.Begin()
	c.Status = state.ClaimStatusRejected
	if err := tx.PutClaim(c); err != nil {
		t.Fatalf("Pending -> Rejected: %v", err)
	}
	tx.Commit()

	tx = s.Begin()
	c.Status = state.ClaimStatusApproved
	c.OracleVerified = true
	err := tx.PutClaim(c)
	if !errors.Is(err, state.ErrInvalidTransition) {
		t.Errorf("Rejected -> Approved: got %v, want ErrInvalidTransition", err)
	}
}

func TestStore_ClaimMustBeCreatedPending(t *testing.T) {
	s := state.NewStore()
	tx := s.Begin()
	err := tx.PutClaim(state.Claim{ID: tx.NextClaimID(), Status: state.ClaimStatusPaid, OracleVerified: true})
	if !errors.Is(err, state.ErrInvalidTransition) {
		t.Errorf("got %v, want ErrInvalidTransition", err)
	}
}

func TestStore_OracleFlagFollowsStatus(t *testing.T) {
	s := state.NewStore()
	p := mustCreatePolicy(t, s, 1_000, 1_000)
	c := mustSubmitClaim(t, s, p.ID, 100)

	tx := s.Begin()
	c.Status = state.ClaimStatusApproved
	c.OracleVerified = false
	if err := tx.PutClaim(c); err == nil {
		t.Error("approved claim without oracle flag should be rejected")
	}
}

func TestStore_ChangesSortedByID(t *testing.T) {
	s := state.NewStore()
	tx := s.Begin()
	for i := 0; i < 5; i++ {
		id := tx.NextPolicyID()
		_ = tx.PutPolicy(state.Policy{ID: id, Holder: holder, Premium: 1, EndHeight: 1, Active: true})
		_ = tx.PutBalance(state.PolicyBalance{PolicyID: id, Balance: 1})
	}
	_ = tx.AdjustReserve(5, state.ReserveIncrease)
	changes := tx.Commit()

	if len(changes.Policies) != 5 {
		t.Fatalf("got %d policies, want 5", len(changes.Policies))
	}
	for i, p := range changes.Policies {
		if p.ID != uint64(i+1) {
			t.Errorf("changes.Policies[%d].ID = %d", i, p.ID)
		}
	}
	if changes.Reserve != 5 {
		t.Errorf("changes.Reserve = %d, want 5", changes.Reserve)
	}
}

// ============================================================================
// Test: Reserve accountant
// ============================================================================

func TestAdjustReserve_OncePerTx(t *testing.T) {
	s := state.NewStore()
	tx := s.Begin()
	if err := tx.AdjustReserve(10, state.ReserveIncrease); err != nil {
		t.Fatal(err)
	}
	if err := tx.AdjustReserve(10, state.ReserveIncrease); !errors.Is(err, state.ErrReserveAlreadyAdjusted) {
		t.Errorf("got %v, want ErrReserveAlreadyAdjusted", err)
	}
}

func TestAdjustReserve_Underflow(t *testing.T) {
	s := state.NewStore()
	tx := s.Begin()
	err := tx.AdjustReserve(1, state.ReserveDecrease)
	if !errors.Is(err, state.ErrReserveOutOfRange) {
		t.Errorf("got %v, want ErrReserveOutOfRange", err)
	}
	// A failed adjustment does not consume the slot
	if err := tx.AdjustReserve(1, state.ReserveIncrease); err != nil {
		t.Errorf("retry after failed adjustment: %v", err)
	}
}

func TestReconcileReserve(t *testing.T) {
	s := state.NewStore()
	mustCreatePolicy(t, s, 1_000, 1_000)
	mustCreatePolicy(t, s, 2_500, 1_000)

	if err := s.ReconcileReserve(); err != nil {
		t.Fatalf("ReconcileReserve: %v", err)
	}
	if s.Reserve() != 3_500 {
		t.Errorf("reserve = %d, want 3500", s.Reserve())
	}

	// Balance write without the paired reserve adjustment breaks the invariant
	tx := s.Begin()
	_ = tx.PutBalance(state.PolicyBalance{PolicyID: 1, Balance: 900})
	tx.Commit()
	if err := s.ReconcileReserve(); err == nil {
		t.Error("expected reconcile failure when reserve is not adjusted")
	}
}

// ============================================================================
// Test: Snapshot / Restore
// ============================================================================

func TestStore_SnapshotRestore(t *testing.T) {
	s := state.NewStore()
	p := mustCreatePolicy(t, s, 1_000, 5_000)
	mustSubmitClaim(t, s, p.ID, 300)

	snap := s.Snapshot()

	restored := state.NewStore()
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.Reserve() != 1_000 {
		t.Errorf("reserve = %d, want 1000", restored.Reserve())
	}
	if c, ok := restored.GetClaim(1); !ok || c.Amount != 300 {
		t.Errorf("claim 1 = %+v, %t", c, ok)
	}

	// Id sequences continue from the snapshot
	tx := restored.Begin()
	if id := tx.NextClaimID(); id != 2 {
		t.Errorf("next claim id = %d, want 2", id)
	}
}

func TestStore_RestoreRejectsInconsistentReserve(t *testing.T) {
	s := state.NewStore()
	mustCreatePolicy(t, s, 1_000, 5_000)
	snap := s.Snapshot()
	snap.Reserve = 999

	if err := state.NewStore().Restore(snap); err == nil {
		t.Error("expected error restoring a snapshot with a mismatched reserve")
	}
}

// ============================================================================
// Test: Policy / Claim
// ============================================================================

func TestPolicy_IsValidAt(t *testing.T) {
	p := state.Policy{StartHeight: 10, EndHeight: 20, Active: true}
	cases := []struct {
		height uint64
		want   bool
	}{
		{9, false}, {10, true}, {15, true}, {20, true}, {21, false},
	}
	for _, tc := range cases {
		if got := p.IsValidAt(tc.height); got != tc.want {
			t.Errorf("IsValidAt(%d) = %t, want %t", tc.height, got, tc.want)
		}
	}
	p.Active = false
	if p.IsValidAt(15) {
		t.Error("inactive policy should not be valid")
	}
}

func TestClaimStatus_TerminalStatesHaveNoExit(t *testing.T) {
	all := []state.ClaimStatus{
		state.ClaimStatusPending, state.ClaimStatusApproved, state.ClaimStatusRejected, state.ClaimStatusPaid,
	}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			if from.CanTransitionTo(to) {
				t.Errorf("%s -> %s should not be allowed", from, to)
			}
		}
	}
}

func TestParseClaimStatus(t *testing.T) {
	for _, st := range []state.ClaimStatus{state.ClaimStatusPending, state.ClaimStatusPaid} {
		got, ok := state.ParseClaimStatus(st.String())
		if !ok || got != st {
			t.Errorf("ParseClaimStatus(%q) = %v, %t", st.String(), got, ok)
		}
	}
	if _, ok := state.ParseClaimStatus("Settled"); ok {
		t.Error("unknown status should not parse")
	}
}
