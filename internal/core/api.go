package core

import (
	"ClaimLedger/internal/event"
	"ClaimLedger/internal/ledger"
	"ClaimLedger/internal/state"

	"github.com/google/uuid"
)

// Direct entry points for embedding the engine without a transport. Each call
// gets a fresh request id, so retries through these are not deduplicated.

// CreatePolicy escrows premium from the caller and returns the new policy id.
func (c *Engine) CreatePolicy(call event.Call, premium, coverageAmount uint64, policyType string, duration uint64) (uint64, error) {
	r, err := c.Apply(&event.CreatePolicy{
		Call:           call,
		RequestID:      uuid.New(),
		Premium:        premium,
		CoverageAmount: coverageAmount,
		PolicyType:     policyType,
		Duration:       duration,
	})
	return r.PolicyID, err
}

// SubmitClaim files a claim against one of the caller's policies.
func (c *Engine) SubmitClaim(call event.Call, policyID, amount uint64, description string) (uint64, error) {
	r, err := c.Apply(&event.SubmitClaim{
		Call:        call,
		RequestID:   uuid.New(),
		PolicyID:    policyID,
		Amount:      amount,
		Description: description,
	})
	return r.ClaimID, err
}

// VerifyClaim records a verifier's decision and echoes it back.
func (c *Engine) VerifyClaim(call event.Call, claimID uint64, verified bool) (bool, error) {
	r, err := c.Apply(&event.VerifyClaim{
		Call:      call,
		RequestID: uuid.New(),
		ClaimID:   claimID,
		Verified:  verified,
	})
	return r.Verified, err
}

// SettleFlat pays an approved claim and returns the amount paid.
func (c *Engine) SettleFlat(call event.Call, claimID uint64) (uint64, error) {
	r, err := c.Apply(&event.SettleFlat{
		Call:      call,
		RequestID: uuid.New(),
		ClaimID:   claimID,
	})
	return r.Amount, err
}

// SettleWithRiskAssessment verifies and settles a pending claim in one step.
// It returns 0 when the claim is auto-rejected.
func (c *Engine) SettleWithRiskAssessment(
	call event.Call,
	claimID uint64,
	riskScore uint8,
	fraudIndicators []string,
	evidenceHash string,
	damageScore uint8,
) (uint64, error) {
	r, err := c.Apply(&event.SettleWithRiskAssessment{
		Call:            call,
		RequestID:       uuid.New(),
		ClaimID:         claimID,
		RiskScore:       riskScore,
		FraudIndicators: fraudIndicators,
		EvidenceHash:    evidenceHash,
		DamageScore:     damageScore,
	})
	return r.Amount, err
}

// FundWallet credits holder from outside the ledger.
func (c *Engine) FundWallet(call event.Call, holder ledger.Identity, amount uint64) error {
	_, err := c.Apply(&event.FundWallet{
		Call:      call,
		RequestID: uuid.New(),
		Holder:    holder,
		Amount:    amount,
	})
	return err
}

// --- Read accessors (core goroutine only) ---

// IsPolicyValid reports whether claims may be filed against policyID at height.
func (c *Engine) IsPolicyValid(policyID, height uint64) bool {
	p, ok := c.store.GetPolicy(policyID)
	return ok && p.IsValidAt(height)
}

func (c *Engine) GetPolicy(id uint64) (state.Policy, bool) {
	return c.store.GetPolicy(id)
}

func (c *Engine) GetPolicyBalance(policyID uint64) (state.PolicyBalance, bool) {
	return c.store.GetBalance(policyID)
}

func (c *Engine) GetClaim(id uint64) (state.Claim, bool) {
	return c.store.GetClaim(id)
}

// Reserve returns the aggregate escrow across all policies.
func (c *Engine) Reserve() uint64 {
	return c.store.Reserve()
}

// WalletBalance returns a holder's spendable balance.
func (c *Engine) WalletBalance(holder ledger.Identity) int64 {
	return c.balanceTracker.GetWalletBalance(holder)
}

// CustodyBalance returns the engine's escrow account balance.
func (c *Engine) CustodyBalance() int64 {
	return c.balanceTracker.GetCustodyBalance()
}

// CheckInvariants runs the full reconciliation on demand.
func (c *Engine) CheckInvariants() error {
	if err := c.store.ReconcileReserve(); err != nil {
		return err
	}
	if err := c.validator.ValidateCustodyMatchesReserve(c.store.Reserve()); err != nil {
		return err
	}
	return c.validator.ValidateGlobalBalance()
}

// GetSequence returns the next sequence to be assigned.
func (c *Engine) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *Engine) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// LastHeight returns the highest logical clock value applied.
func (c *Engine) LastHeight() uint64 {
	return c.clock.LastHeight()
}
