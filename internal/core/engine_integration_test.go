package core_test

import (
	"ClaimLedger/internal/core"
	"ClaimLedger/internal/event"
	"ClaimLedger/internal/ingestion"
	"ClaimLedger/internal/ledger"
	"ClaimLedger/internal/state"
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

const (
	alice    = ledger.Identity("alice")
	bob      = ledger.Identity("bob")
	verifier = ledger.Identity("oracle")
)

// --- Test helpers ---

// newTestCore creates an Engine with buffered channels, default params and no DB checker.
func newTestCore() (*core.Engine, chan core.CoreOutput, chan core.CoreOutput) {
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c := core.NewEngine(0, core.DefaultParams(), core.NewVerifierSet(verifier), persistChan, projChan, nil, nil)
	return c, persistChan, projChan
}

func at(caller ledger.Identity, height uint64) event.Call {
	return event.Call{From: caller, At: height}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func mustFund(t *testing.T, c *core.Engine, holder ledger.Identity, amount uint64) {
	t.Helper()
	if err := c.FundWallet(at(verifier, 1), holder, amount); err != nil {
		t.Fatalf("FundWallet: %v", err)
	}
}

// mustPolicy funds alice and creates a policy at height 10 lasting 1000 ticks.
func mustPolicy(t *testing.T, c *core.Engine, premium, coverage uint64) uint64 {
	t.Helper()
	mustFund(t, c, alice, premium)
	id, err := c.CreatePolicy(at(alice, 10), premium, coverage, "Auto", 1000)
	if err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}
	return id
}

func mustClaim(t *testing.T, c *core.Engine, policyID, amount uint64) uint64 {
	t.Helper()
	id, err := c.SubmitClaim(at(alice, 20), policyID, amount, "rear-ended at junction")
	if err != nil {
		t.Fatalf("SubmitClaim: %v", err)
	}
	return id
}

func mustApproved(t *testing.T, c *core.Engine, policyID, amount uint64) uint64 {
	t.Helper()
	claimID := mustClaim(t, c, policyID, amount)
	if _, err := c.VerifyClaim(at(verifier, 30), claimID, true); err != nil {
		t.Fatalf("VerifyClaim: %v", err)
	}
	return claimID
}

// snapshotOf captures everything a failed call must leave untouched.
type snapshotOf struct {
	reserve  uint64
	custody  int64
	wallet   int64
	hash     [32]byte
	sequence int64
	policies map[uint64]state.Policy
	balances map[uint64]state.PolicyBalance
	claims   map[uint64]state.Claim
}

func capture(c *core.Engine) snapshotOf {
	s := snapshotOf{
		reserve:  c.Reserve(),
		custody:  c.CustodyBalance(),
		wallet:   c.WalletBalance(alice),
		hash:     c.GetStateHash(),
		sequence: c.GetSequence(),
		policies: map[uint64]state.Policy{},
		balances: map[uint64]state.PolicyBalance{},
		claims:   map[uint64]state.Claim{},
	}
	for id := uint64(1); id <= 5; id++ {
		if p, ok := c.GetPolicy(id); ok {
			s.policies[id] = p
		}
		if b, ok := c.GetPolicyBalance(id); ok {
			s.balances[id] = b
		}
		if cl, ok := c.GetClaim(id); ok {
			s.claims[id] = cl
		}
	}
	return s
}

func assertUnchanged(t *testing.T, before snapshotOf, c *core.Engine) {
	t.Helper()
	after := capture(c)
	if after.reserve != before.reserve || after.custody != before.custody || after.wallet != before.wallet {
		t.Errorf("funds changed: reserve %d→%d custody %d→%d wallet %d→%d",
			before.reserve, after.reserve, before.custody, after.custody, before.wallet, after.wallet)
	}
	if after.hash != before.hash || after.sequence != before.sequence {
		t.Error("state hash or sequence advanced on a failed call")
	}
	for id, p := range before.policies {
		if after.policies[id] != p {
			t.Errorf("policy %d changed: %+v → %+v", id, p, after.policies[id])
		}
	}
	for id, b := range before.balances {
		if after.balances[id] != b {
			t.Errorf("balance %d changed: %+v → %+v", id, b, after.balances[id])
		}
	}
	for id, cl := range before.claims {
		if after.claims[id] != cl {
			t.Errorf("claim %d changed: %+v → %+v", id, cl, after.claims[id])
		}
	}
	if len(after.claims) != len(before.claims) || len(after.policies) != len(before.policies) {
		t.Error("entities created on a failed call")
	}
}

// ============================================================================
// Test: Policy Ledger
// ============================================================================

func TestCreatePolicy_EscrowsPremium(t *testing.T) {
	c, persistCh, _ := newTestCore()
	mustFund(t, c, alice, 1_000_000)
	drainOutputs(persistCh)

	id, err := c.CreatePolicy(at(alice, 10), 1_000_000, 5_000_000, "Auto", 1000)
	if err != nil {
		t.Fatalf("CreatePolicy failed: %v", err)
	}
	if id != 1 {
		t.Errorf("policy id = %d, want 1", id)
	}

	p, _ := c.GetPolicy(id)
	if p.Holder != alice || p.StartHeight != 10 || p.EndHeight != 1010 || !p.Active {
		t.Errorf("unexpected policy: %+v", p)
	}
	b, _ := c.GetPolicyBalance(id)
	if b.Balance != 1_000_000 {
		t.Errorf("balance = %d, want 1000000", b.Balance)
	}
	if c.Reserve() != 1_000_000 {
		t.Errorf("reserve = %d, want 1000000", c.Reserve())
	}
	if c.CustodyBalance() != 1_000_000 || c.WalletBalance(alice) != 0 {
		t.Errorf("custody = %d wallet = %d", c.CustodyBalance(), c.WalletBalance(alice))
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	j := outputs[0].Batch.Journals[0]
	if j.JournalType != ledger.JournalTypePremiumEscrow || j.Amount != 1_000_000 {
		t.Errorf("unexpected journal: %+v", j)
	}
	if j.DebitAccount != ledger.CustodyAccountKey() || j.CreditAccount != ledger.NewHolderAccountKey(alice) {
		t.Errorf("premium should move wallet → custody, got %s → %s",
			j.CreditAccount.AccountPath(), j.DebitAccount.AccountPath())
	}
}

func TestCreatePolicy_Bounds(t *testing.T) {
	cases := []struct {
		name     string
		premium  uint64
		coverage uint64
		duration uint64
	}{
		{"premium below minimum", 999, 5_000, 10},
		{"coverage above maximum", 1_000, 1_000_000_000_001, 10},
		{"zero coverage", 1_000, 0, 10},
		{"zero duration", 1_000, 5_000, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _, _ := newTestCore()
			mustFund(t, c, alice, 10_000)
			before := capture(c)

			_, err := c.CreatePolicy(at(alice, 10), tc.premium, tc.coverage, "Auto", tc.duration)
			if !errors.Is(err, core.ErrInvalidAmount) {
				t.Fatalf("got %v, want ErrInvalidAmount", err)
			}
			assertUnchanged(t, before, c)
		})
	}
}

func TestCreatePolicy_UnfundedCaller_TransferFailed(t *testing.T) {
	c, _, _ := newTestCore()
	mustFund(t, c, alice, 500)
	before := capture(c)

	_, err := c.CreatePolicy(at(alice, 10), 1_000, 5_000, "Auto", 100)
	if !errors.Is(err, core.ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}
	assertUnchanged(t, before, c)

	// The failed call did not consume a policy id
	mustFund(t, c, alice, 500)
	id, err := c.CreatePolicy(at(alice, 10), 1_000, 5_000, "Auto", 100)
	if err != nil || id != 1 {
		t.Errorf("retry: id=%d err=%v, want 1", id, err)
	}
}

func TestIsPolicyValid_Window(t *testing.T) {
	c, _, _ := newTestCore()
	id := mustPolicy(t, c, 1_000, 5_000)

	if c.IsPolicyValid(id, 9) {
		t.Error("policy should not be valid before start")
	}
	if !c.IsPolicyValid(id, 1010) {
		t.Error("policy should be valid at end height")
	}
	if c.IsPolicyValid(id, 1011) {
		t.Error("policy should not be valid after end")
	}
	if c.IsPolicyValid(99, 10) {
		t.Error("unknown policy should not be valid")
	}
}

// ============================================================================
// Test: Claim Ledger
// ============================================================================

func TestSubmitClaim_Pending(t *testing.T) {
	c, _, _ := newTestCore()
	policyID := mustPolicy(t, c, 1_000_000, 5_000_000)

	claimID, err := c.SubmitClaim(at(alice, 20), policyID, 2_000_000, "hail damage")
	if err != nil {
		t.Fatalf("SubmitClaim failed: %v", err)
	}
	if claimID != 1 {
		t.Errorf("claim id = %d, want 1", claimID)
	}
	cl, _ := c.GetClaim(claimID)
	if cl.Status != state.ClaimStatusPending || cl.OracleVerified || cl.SubmittedHeight != 20 {
		t.Errorf("unexpected claim: %+v", cl)
	}
	if c.Reserve() != 1_000_000 {
		t.Error("submitting a claim must not touch the reserve")
	}
}

func TestSubmitClaim_Errors(t *testing.T) {
	long := make([]byte, 501)
	for i := range long {
		long[i] = 'x'
	}

	cases := []struct {
		name     string
		caller   ledger.Identity
		height   uint64
		policyID uint64
		amount   uint64
		desc     string
		want     error
	}{
		{"unknown policy", alice, 20, 42, 100, "", core.ErrPolicyNotFound},
		{"after window", alice, 1011, 1, 100, "", core.ErrPolicyExpired},
		{"not holder", bob, 20, 1, 100, "", core.ErrUnauthorized},
		{"zero amount", alice, 20, 1, 0, "", core.ErrInvalidAmount},
		{"description too long", alice, 20, 1, 100, string(long), core.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _, _ := newTestCore()
			mustPolicy(t, c, 1_000, 5_000)
			before := capture(c)

			_, err := c.SubmitClaim(at(tc.caller, tc.height), tc.policyID, tc.amount, tc.desc)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
			assertUnchanged(t, before, c)
		})
	}
}

func TestSubmitClaim_ExhaustedPolicyExpired(t *testing.T) {
	c, _, _ := newTestCore()
	policyID := mustPolicy(t, c, 1_000, 5_000)
	claimID := mustApproved(t, c, policyID, 1_000)
	if _, err := c.SettleFlat(at(bob, 40), claimID); err != nil {
		t.Fatalf("SettleFlat: %v", err)
	}

	_, err := c.SubmitClaim(at(alice, 50), policyID, 10, "")
	if !errors.Is(err, core.ErrPolicyExpired) {
		t.Errorf("got %v, want ErrPolicyExpired for a deactivated policy", err)
	}
}

func TestVerifyClaim(t *testing.T) {
	c, _, _ := newTestCore()
	policyID := mustPolicy(t, c, 1_000, 5_000)
	claimID := mustClaim(t, c, policyID, 500)

	// Holder cannot verify their own claim
	before := capture(c)
	if _, err := c.VerifyClaim(at(alice, 30), claimID, true); !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
	assertUnchanged(t, before, c)

	if _, err := c.VerifyClaim(at(verifier, 30), 99, true); !errors.Is(err, core.ErrClaimNotFound) {
		t.Fatalf("got %v, want ErrClaimNotFound", err)
	}

	verified, err := c.VerifyClaim(at(verifier, 30), claimID, false)
	if err != nil || verified {
		t.Fatalf("VerifyClaim(false) = %t, %v", verified, err)
	}
	cl, _ := c.GetClaim(claimID)
	if cl.Status != state.ClaimStatusRejected || cl.OracleVerified {
		t.Errorf("unexpected claim: %+v", cl)
	}

	// Rejected is terminal
	if _, err := c.VerifyClaim(at(verifier, 31), claimID, true); !errors.Is(err, core.ErrClaimAlreadyProcessed) {
		t.Errorf("re-verify: got %v, want ErrClaimAlreadyProcessed", err)
	}
}

// ============================================================================
// Test: Settlement Engine
// ============================================================================

func TestSettleFlat_InsufficientEscrow(t *testing.T) {
	c, _, _ := newTestCore()
	policyID := mustPolicy(t, c, 1_000_000, 5_000_000)
	claimID := mustApproved(t, c, policyID, 2_000_000)

	cl, _ := c.GetClaim(claimID)
	if cl.Status != state.ClaimStatusApproved || !cl.OracleVerified {
		t.Fatalf("claim should be approved and verified: %+v", cl)
	}

	before := capture(c)
	_, err := c.SettleFlat(at(bob, 40), claimID)
	if !errors.Is(err, core.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	assertUnchanged(t, before, c)
}

func TestSettleFlat_PaysAndDecrementsReserve(t *testing.T) {
	c, persistCh, _ := newTestCore()
	policyID := mustPolicy(t, c, 5_000_000, 5_000_000)
	claimID := mustApproved(t, c, policyID, 2_000_000)
	drainOutputs(persistCh)

	paid, err := c.SettleFlat(at(bob, 40), claimID)
	if err != nil {
		t.Fatalf("SettleFlat failed: %v", err)
	}
	if paid != 2_000_000 {
		t.Errorf("paid = %d, want 2000000", paid)
	}

	b, _ := c.GetPolicyBalance(policyID)
	if b.Balance != 3_000_000 {
		t.Errorf("balance = %d, want 3000000", b.Balance)
	}
	if c.Reserve() != 3_000_000 {
		t.Errorf("reserve = %d, want 3000000", c.Reserve())
	}
	cl, _ := c.GetClaim(claimID)
	if cl.Status != state.ClaimStatusPaid || cl.Settlement != 2_000_000 {
		t.Errorf("unexpected claim: %+v", cl)
	}
	p, _ := c.GetPolicy(policyID)
	if !p.Active {
		t.Error("policy with remaining balance should stay active")
	}
	if c.WalletBalance(alice) != 2_000_000 {
		t.Errorf("claimant wallet = %d, want 2000000", c.WalletBalance(alice))
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 || outputs[0].Receipt.Amount != 2_000_000 {
		t.Fatalf("unexpected outputs: %+v", outputs)
	}
	if outputs[0].Batch.Journals[0].JournalType != ledger.JournalTypeClaimPayout {
		t.Errorf("expected claim payout journal")
	}
}

func TestSettleFlat_CappedAtCoverage(t *testing.T) {
	c, _, _ := newTestCore()
	policyID := mustPolicy(t, c, 5_000_000, 1_500_000)
	claimID := mustApproved(t, c, policyID, 2_000_000)

	paid, err := c.SettleFlat(at(bob, 40), claimID)
	if err != nil {
		t.Fatalf("SettleFlat failed: %v", err)
	}
	if paid != 1_500_000 {
		t.Errorf("paid = %d, want coverage 1500000", paid)
	}
}

func TestSettleFlat_ExhaustionDeactivatesPolicy(t *testing.T) {
	c, _, _ := newTestCore()
	policyID := mustPolicy(t, c, 1_000, 5_000)
	claimID := mustApproved(t, c, policyID, 1_000)

	if _, err := c.SettleFlat(at(bob, 40), claimID); err != nil {
		t.Fatalf("SettleFlat failed: %v", err)
	}
	p, _ := c.GetPolicy(policyID)
	if p.Active {
		t.Error("exhausted policy should be deactivated")
	}
}

func TestSettleFlat_Twice_AlreadyProcessed(t *testing.T) {
	c, _, _ := newTestCore()
	policyID := mustPolicy(t, c, 5_000_000, 5_000_000)
	claimID := mustApproved(t, c, policyID, 1_000_000)

	if _, err := c.SettleFlat(at(bob, 40), claimID); err != nil {
		t.Fatalf("first SettleFlat failed: %v", err)
	}
	before := capture(c)

	_, err := c.SettleFlat(at(bob, 41), claimID)
	if !errors.Is(err, core.ErrClaimAlreadyProcessed) {
		t.Fatalf("got %v, want ErrClaimAlreadyProcessed", err)
	}
	assertUnchanged(t, before, c)
}

func TestSettleFlat_PendingClaim(t *testing.T) {
	c, _, _ := newTestCore()
	policyID := mustPolicy(t, c, 5_000, 5_000)
	claimID := mustClaim(t, c, policyID, 1_000)

	_, err := c.SettleFlat(at(bob, 40), claimID)
	if !errors.Is(err, core.ErrClaimAlreadyProcessed) {
		t.Errorf("got %v, want ErrClaimAlreadyProcessed for a pending claim", err)
	}
	if _, err := c.SettleFlat(at(bob, 40), 77); !errors.Is(err, core.ErrClaimNotFound) {
		t.Errorf("got %v, want ErrClaimNotFound", err)
	}
}

func TestSettleWithRiskAssessment_FullPayout(t *testing.T) {
	c, _, _ := newTestCore()
	policyID := mustPolicy(t, c, 5_000_000, 5_000_000)
	claimID := mustClaim(t, c, policyID, 2_000_000)

	paid, err := c.SettleWithRiskAssessment(at(verifier, 30), claimID, 25, nil, "sha256:abc", 90)
	if err != nil {
		t.Fatalf("SettleWithRiskAssessment failed: %v", err)
	}
	if paid != 2_000_000 {
		t.Errorf("paid = %d, want 2000000", paid)
	}
	cl, _ := c.GetClaim(claimID)
	if cl.Status != state.ClaimStatusPaid || !cl.OracleVerified || cl.EvidenceHash != "sha256:abc" {
		t.Errorf("unexpected claim: %+v", cl)
	}
	if c.Reserve() != 3_000_000 {
		t.Errorf("reserve = %d, want 3000000", c.Reserve())
	}
}

func TestSettleWithRiskAssessment_AutoReject(t *testing.T) {
	c, _, _ := newTestCore()
	policyID := mustPolicy(t, c, 5_000_000, 5_000_000)
	claimID := mustClaim(t, c, policyID, 2_000_000)
	reserveBefore := c.Reserve()
	balanceBefore, _ := c.GetPolicyBalance(policyID)

	paid, err := c.SettleWithRiskAssessment(at(verifier, 30), claimID, 85,
		[]string{"dup-invoice", "late-report", "prior-claims", "mismatched-vin"}, "", 50)
	if err != nil {
		t.Fatalf("SettleWithRiskAssessment failed: %v", err)
	}
	if paid != 0 {
		t.Errorf("paid = %d, want 0", paid)
	}
	cl, _ := c.GetClaim(claimID)
	if cl.Status != state.ClaimStatusRejected {
		t.Errorf("status = %s, want Rejected", cl.Status)
	}
	if c.Reserve() != reserveBefore {
		t.Error("auto-reject must not touch the reserve")
	}
	if b, _ := c.GetPolicyBalance(policyID); b != balanceBefore {
		t.Error("auto-reject must not touch the policy balance")
	}
}

func TestSettleWithRiskAssessment_Adjusted(t *testing.T) {
	c, _, _ := newTestCore()
	policyID := mustPolicy(t, c, 5_000_000, 5_000_000)
	claimID := mustClaim(t, c, policyID, 1_000_000)

	// 1_000_000 * 80 * (75 - 20) / 10000
	paid, err := c.SettleWithRiskAssessment(at(verifier, 30), claimID, 50,
		[]string{"a", "b", "c"}, "", 60)
	if err != nil {
		t.Fatalf("SettleWithRiskAssessment failed: %v", err)
	}
	if paid != 440_000 {
		t.Errorf("paid = %d, want 440000", paid)
	}
}

func TestSettleWithRiskAssessment_NoDeactivation(t *testing.T) {
	c, _, _ := newTestCore()
	policyID := mustPolicy(t, c, 1_000, 5_000)
	claimID := mustClaim(t, c, policyID, 1_000)

	if _, err := c.SettleWithRiskAssessment(at(verifier, 30), claimID, 0, nil, "", 100); err != nil {
		t.Fatalf("SettleWithRiskAssessment failed: %v", err)
	}
	b, _ := c.GetPolicyBalance(policyID)
	p, _ := c.GetPolicy(policyID)
	if b.Balance != 0 || !p.Active {
		t.Errorf("balance=%d active=%t, want 0 and still active", b.Balance, p.Active)
	}
}

func TestSettleWithRiskAssessment_Errors(t *testing.T) {
	c, _, _ := newTestCore()
	policyID := mustPolicy(t, c, 1_000, 5_000)
	claimID := mustClaim(t, c, policyID, 5_000)
	before := capture(c)

	cases := []struct {
		name       string
		caller     ledger.Identity
		claimID    uint64
		risk       uint8
		damage     uint8
		indicators []string
		want       error
	}{
		{"not verifier", alice, claimID, 10, 90, nil, core.ErrUnauthorized},
		{"unknown claim", verifier, 9, 10, 90, nil, core.ErrClaimNotFound},
		{"risk out of range", verifier, claimID, 101, 90, nil, core.ErrInvalidAmount},
		{"damage out of range", verifier, claimID, 10, 200, nil, core.ErrInvalidAmount},
		{"too many indicators", verifier, claimID, 10, 90, []string{"1", "2", "3", "4", "5", "6"}, core.ErrInvalidInput},
		// 5000 capped at coverage 5000, balance 1000
		{"insufficient escrow", verifier, claimID, 10, 90, nil, core.ErrInsufficientFunds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.SettleWithRiskAssessment(at(tc.caller, 30), tc.claimID, tc.risk, tc.indicators, "", tc.damage)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
			assertUnchanged(t, before, c)
		})
	}
}

func TestSettleWithRiskAssessment_ApprovedClaim(t *testing.T) {
	c, _, _ := newTestCore()
	policyID := mustPolicy(t, c, 5_000, 5_000)
	claimID := mustApproved(t, c, policyID, 1_000)

	_, err := c.SettleWithRiskAssessment(at(verifier, 40), claimID, 10, nil, "", 90)
	if !errors.Is(err, core.ErrClaimAlreadyProcessed) {
		t.Errorf("got %v, want ErrClaimAlreadyProcessed", err)
	}
}

// ============================================================================
// Test: Pipeline
// ============================================================================

func TestFundWallet_VerifierOnly(t *testing.T) {
	c, _, _ := newTestCore()
	if err := c.FundWallet(at(alice, 1), alice, 100); !errors.Is(err, core.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
	if err := c.FundWallet(at(verifier, 1), alice, 0); !errors.Is(err, core.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
}

func TestApply_DuplicateRequest(t *testing.T) {
	c, persistCh, _ := newTestCore()
	mustFund(t, c, alice, 10_000)
	drainOutputs(persistCh)

	evt := &event.CreatePolicy{
		Call:           at(alice, 10),
		RequestID:      uuid.New(),
		Premium:        1_000,
		CoverageAmount: 5_000,
		PolicyType:     "Home",
		Duration:       100,
	}
	first, err := c.Apply(evt)
	if err != nil || first.Duplicate {
		t.Fatalf("first apply: %+v, %v", first, err)
	}
	second, err := c.Apply(evt)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if !second.Duplicate {
		t.Error("second apply should be reported as duplicate")
	}
	if c.Reserve() != 1_000 {
		t.Errorf("reserve = %d, want 1000 (premium escrowed once)", c.Reserve())
	}
	if n := len(drainOutputs(persistCh)); n != 1 {
		t.Errorf("expected 1 output, got %d", n)
	}
}

func TestApply_ClockRegression(t *testing.T) {
	c, _, _ := newTestCore()
	mustPolicy(t, c, 1_000, 5_000)

	_, err := c.SubmitClaim(at(alice, 5), 1, 100, "")
	if !errors.Is(err, core.ErrClockRegression) {
		t.Errorf("got %v, want ErrClockRegression", err)
	}
}

func TestApply_MissingCaller(t *testing.T) {
	c, _, _ := newTestCore()
	_, err := c.CreatePolicy(event.Call{At: 1}, 1_000, 5_000, "Auto", 10)
	if !errors.Is(err, core.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}

func TestApply_SequencesAndHashChain(t *testing.T) {
	c, persistCh, _ := newTestCore()
	policyID := mustPolicy(t, c, 5_000, 5_000)
	claimID := mustApproved(t, c, policyID, 1_000)
	if _, err := c.SettleFlat(at(bob, 40), claimID); err != nil {
		t.Fatalf("SettleFlat: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 5 {
		t.Fatalf("expected 5 outputs, got %d", len(outputs))
	}

	prev := core.GenesisHash()
	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i) {
			t.Errorf("output %d: sequence %d", i, o.Envelope.Sequence)
		}
		if o.Envelope.PrevHash != prev {
			t.Errorf("output %d: prev hash does not chain", i)
		}
		prev = o.Envelope.StateHash
	}
	if prev != c.GetStateHash() {
		t.Error("chain tip does not match engine state hash")
	}

	// Calls that move no funds carry no batch
	if outputs[2].Batch != nil || outputs[3].Batch != nil {
		t.Error("SubmitClaim/VerifyClaim should not produce journals")
	}
}

func TestReserveInvariant_AcrossMixedFlow(t *testing.T) {
	c, _, _ := newTestCore()
	mustFund(t, c, alice, 100_000)
	mustFund(t, c, bob, 100_000)

	p1, _ := c.CreatePolicy(at(alice, 10), 40_000, 30_000, "Auto", 500)
	p2, _ := c.CreatePolicy(at(bob, 10), 20_000, 50_000, "Home", 500)

	c1, _ := c.SubmitClaim(at(alice, 20), p1, 25_000, "")
	c2, _ := c.SubmitClaim(at(bob, 20), p2, 60_000, "")
	c3, _ := c.SubmitClaim(at(alice, 21), p1, 5_000, "")

	c.VerifyClaim(at(verifier, 30), c1, true)
	c.SettleFlat(at(bob, 31), c1)
	c.SettleWithRiskAssessment(at(verifier, 32), c2, 40, []string{"x"}, "", 55) // 50000*80*75/10000 = 30000 > 20000
	c.SettleWithRiskAssessment(at(verifier, 33), c3, 10, nil, "", 90)

	if err := c.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}

	var sum uint64
	for _, id := range []uint64{p1, p2} {
		b, _ := c.GetPolicyBalance(id)
		sum += b.Balance
	}
	if sum != c.Reserve() {
		t.Errorf("Σ balances %d != reserve %d", sum, c.Reserve())
	}
	if c.Reserve() != 40_000-25_000-5_000+20_000 {
		t.Errorf("reserve = %d, want 30000", c.Reserve())
	}
}

// ============================================================================
// Test: Snapshot & Replay
// ============================================================================

func TestSnapshotRestore_ResumesChain(t *testing.T) {
	c, _, _ := newTestCore()
	policyID := mustPolicy(t, c, 5_000, 5_000)
	mustApproved(t, c, policyID, 1_000)

	snap := c.CreateSnapshotState()

	restored, persistCh, _ := newTestCore()
	if err := restored.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("RestoreFromSnapshot: %v", err)
	}
	if restored.GetStateHash() != c.GetStateHash() || restored.GetSequence() != c.GetSequence() {
		t.Fatal("restored engine does not resume the chain")
	}

	// Both engines must agree on the next call
	for _, e := range []*core.Engine{c, restored} {
		if _, err := e.SettleFlat(at(bob, 40), 1); err != nil {
			t.Fatalf("SettleFlat: %v", err)
		}
	}
	if restored.GetStateHash() != c.GetStateHash() {
		t.Error("engines diverged after restore")
	}
	if out := drainOutputs(persistCh); len(out) != 1 || out[0].Envelope.Sequence != snap.Sequence+1 {
		t.Errorf("unexpected outputs after restore: %+v", out)
	}
}

func TestReplay_ReproducesHashes(t *testing.T) {
	live, persistCh, _ := newTestCore()
	policyID := mustPolicy(t, live, 5_000, 5_000)
	claimID := mustClaim(t, live, policyID, 2_000)
	live.SettleWithRiskAssessment(at(verifier, 30), claimID, 50, nil, "", 90)
	log := drainOutputs(persistCh)

	replayed, replayCh, _ := newTestCore()
	for _, o := range log {
		if err := replayed.Replay(o.Event, o.Envelope.Sequence, o.Envelope.StateHash); err != nil {
			t.Fatalf("Replay: %v", err)
		}
	}
	if replayed.GetStateHash() != live.GetStateHash() {
		t.Error("replayed chain tip differs from live")
	}
	if len(drainOutputs(replayCh)) != 0 {
		t.Error("replay must not emit outputs")
	}
}

func TestReplay_DetectsTampering(t *testing.T) {
	live, persistCh, _ := newTestCore()
	mustPolicy(t, live, 5_000, 5_000)
	log := drainOutputs(persistCh)

	replayed, _, _ := newTestCore()
	if err := replayed.Replay(log[0].Event, 0, log[0].Envelope.StateHash); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	var bogus [32]byte
	if err := replayed.Replay(log[1].Event, 1, bogus); err == nil {
		t.Error("expected state hash mismatch")
	}
}

func TestApply_RejectsInvalidUTF8(t *testing.T) {
	c, _, _ := newTestCore()
	policyID := mustPolicy(t, c, 5_000, 5_000)
	claimID := mustClaim(t, c, policyID, 1_000)
	before := capture(c)

	bad := "bad\xffbytes"
	calls := map[string]func() error{
		"policy type": func() error {
			_, err := c.CreatePolicy(at(alice, 40), 1_000, 1_000, bad, 10)
			return err
		},
		"description": func() error {
			_, err := c.SubmitClaim(at(alice, 40), policyID, 10, bad)
			return err
		},
		"fraud indicator": func() error {
			_, err := c.SettleWithRiskAssessment(at(verifier, 40), claimID, 10, []string{"ok", bad}, "", 90)
			return err
		},
		"evidence hash": func() error {
			_, err := c.SettleWithRiskAssessment(at(verifier, 40), claimID, 10, nil, bad, 90)
			return err
		},
		"holder": func() error {
			return c.FundWallet(at(verifier, 40), ledger.Identity(bad), 10)
		},
		"caller": func() error {
			_, err := c.SubmitClaim(at(ledger.Identity(bad), 40), policyID, 10, "hail")
			return err
		},
	}
	for name, call := range calls {
		if err := call(); !errors.Is(err, core.ErrInvalidInput) {
			t.Errorf("%s: got %v, want ErrInvalidInput", name, err)
		}
	}
	assertUnchanged(t, before, c)
}

func TestReplay_FromWirePayloads(t *testing.T) {
	live, persistCh, _ := newTestCore()
	mustFund(t, live, alice, 5_000)
	policyID, err := live.CreatePolicy(at(alice, 10), 5_000, 5_000, "Habitação", 1000)
	if err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}
	claimID, err := live.SubmitClaim(at(alice, 20), policyID, 2_000, "granizo no telhado ☔")
	if err != nil {
		t.Fatalf("SubmitClaim: %v", err)
	}
	live.SettleWithRiskAssessment(at(verifier, 30), claimID, 50, []string{"é"}, "sha256:ab", 90)

	replayed, _, _ := newTestCore()
	for _, o := range drainOutputs(persistCh) {
		payload, err := ingestion.EncodeEvent(o.Event)
		if err != nil {
			t.Fatalf("EncodeEvent: %v", err)
		}
		decoded, err := ingestion.DecodeEvent(o.Envelope.EventType.String(), payload)
		if err != nil {
			t.Fatalf("DecodeEvent: %v", err)
		}
		if err := replayed.Replay(decoded, o.Envelope.Sequence, o.Envelope.StateHash); err != nil {
			t.Fatalf("Replay seq %d: %v", o.Envelope.Sequence, err)
		}
	}
	if replayed.GetStateHash() != live.GetStateHash() {
		t.Error("replayed chain tip differs from live")
	}
}

func TestRestore_RejectsInconsistentSnapshot(t *testing.T) {
	c, _, _ := newTestCore()
	mustPolicy(t, c, 5_000, 5_000)
	snap := c.CreateSnapshotState()
	snap.Balances[ledger.CustodyAccountKey()] = 1

	restored, _, _ := newTestCore()
	if err := restored.RestoreFromSnapshot(snap); err == nil {
		t.Error("expected custody/reserve mismatch to be rejected")
	}
}

// ============================================================================
// Test: Run loop
// ============================================================================

func TestRun_RepliesAndServesSnapshots(t *testing.T) {
	c, _, _ := newTestCore()
	in := make(chan event.Submission)
	snaps := make(chan chan<- *core.SnapshotState)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var rejected []error
	go func() {
		c.Run(ctx, in, snaps, func(_ event.Event, err error) { rejected = append(rejected, err) })
		close(done)
	}()

	submit := func(evt event.Event) event.Result {
		reply := make(chan event.Result, 1)
		in <- event.Submission{Event: evt, Reply: reply}
		return <-reply
	}

	res := submit(&event.FundWallet{Call: at(verifier, 1), RequestID: uuid.New(), Holder: alice, Amount: 5_000})
	if res.Err != nil {
		t.Fatalf("FundWallet: %v", res.Err)
	}
	res = submit(&event.CreatePolicy{Call: at(alice, 2), RequestID: uuid.New(), Premium: 1, CoverageAmount: 10, Duration: 5})
	if !errors.Is(res.Err, core.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", res.Err)
	}

	reply := make(chan *core.SnapshotState, 1)
	snaps <- reply
	snap := <-reply
	if snap.Sequence != 0 || snap.LastHeight != 1 {
		t.Errorf("snapshot at seq=%d height=%d, want 0 and 1", snap.Sequence, snap.LastHeight)
	}

	cancel()
	<-done
	if len(rejected) != 1 {
		t.Errorf("onError called %d times, want 1", len(rejected))
	}
}
