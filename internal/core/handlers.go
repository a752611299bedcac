package core

import (
	"ClaimLedger/internal/event"
	"ClaimLedger/internal/ledger"
	fpmath "ClaimLedger/internal/math"
	"ClaimLedger/internal/state"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

func (c *Engine) handleCreatePolicy(tx *state.Tx, ref ledger.TransferRef, evt *event.CreatePolicy) (outcome, error) {
	if evt.Premium < c.params.MinPremium {
		return outcome{}, fmt.Errorf("premium %d below minimum %d: %w", evt.Premium, c.params.MinPremium, ErrInvalidAmount)
	}
	if evt.CoverageAmount == 0 || evt.CoverageAmount > c.params.MaxCoverage {
		return outcome{}, fmt.Errorf("coverage %d outside (0, %d]: %w", evt.CoverageAmount, c.params.MaxCoverage, ErrInvalidAmount)
	}
	if evt.Duration == 0 {
		return outcome{}, fmt.Errorf("duration must be positive: %w", ErrInvalidAmount)
	}
	if evt.Duration > math.MaxUint64-evt.Height() {
		return outcome{}, fmt.Errorf("duration %d overflows clock at height %d: %w", evt.Duration, evt.Height(), ErrInvalidAmount)
	}
	if len(evt.PolicyType) > c.params.MaxPolicyTypeBytes {
		return outcome{}, fmt.Errorf("policy type exceeds %d bytes: %w", c.params.MaxPolicyTypeBytes, ErrInvalidInput)
	}
	if err := validText("policy type", evt.PolicyType); err != nil {
		return outcome{}, err
	}

	// Escrow the premium: holder wallet → custody
	batch, err := c.journalGen.GeneratePremiumEscrow(ref, evt.Caller(), evt.Premium)
	if err != nil {
		return outcome{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	policy := state.Policy{
		ID:             tx.NextPolicyID(),
		Holder:         evt.Caller(),
		Premium:        evt.Premium,
		CoverageAmount: evt.CoverageAmount,
		PolicyType:     evt.PolicyType,
		StartHeight:    evt.Height(),
		EndHeight:      evt.Height() + evt.Duration,
		Active:         true,
	}
	if err := tx.PutPolicy(policy); err != nil {
		return outcome{}, err
	}
	if err := tx.PutBalance(state.PolicyBalance{PolicyID: policy.ID, Balance: evt.Premium}); err != nil {
		return outcome{}, err
	}
	if err := tx.AdjustReserve(evt.Premium, state.ReserveIncrease); err != nil {
		return outcome{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	return outcome{
		receipt: event.Receipt{PolicyID: policy.ID},
		batch:   batch,
	}, nil
}

func (c *Engine) handleSubmitClaim(tx *state.Tx, evt *event.SubmitClaim) (outcome, error) {
	policy, ok := tx.Policy(evt.PolicyID)
	if !ok {
		return outcome{}, fmt.Errorf("policy %d: %w", evt.PolicyID, ErrPolicyNotFound)
	}
	if !policy.IsValidAt(evt.Height()) {
		return outcome{}, fmt.Errorf("policy %d not valid at height %d: %w", policy.ID, evt.Height(), ErrPolicyExpired)
	}
	if evt.Caller() != policy.Holder {
		return outcome{}, fmt.Errorf("caller is not holder of policy %d: %w", policy.ID, ErrUnauthorized)
	}
	if evt.Amount == 0 {
		return outcome{}, fmt.Errorf("claim amount must be positive: %w", ErrInvalidAmount)
	}
	if len(evt.Description) > c.params.MaxDescriptionBytes {
		return outcome{}, fmt.Errorf("description exceeds %d bytes: %w", c.params.MaxDescriptionBytes, ErrInvalidInput)
	}
	if err := validText("description", evt.Description); err != nil {
		return outcome{}, err
	}

	claim := state.Claim{
		ID:              tx.NextClaimID(),
		PolicyID:        policy.ID,
		Claimant:        evt.Caller(),
		Amount:          evt.Amount,
		Description:     evt.Description,
		SubmittedHeight: evt.Height(),
		Status:          state.ClaimStatusPending,
	}
	if err := tx.PutClaim(claim); err != nil {
		return outcome{}, err
	}

	return outcome{receipt: event.Receipt{PolicyID: policy.ID, ClaimID: claim.ID}}, nil
}

func (c *Engine) handleVerifyClaim(tx *state.Tx, evt *event.VerifyClaim) (outcome, error) {
	claim, ok := tx.Claim(evt.ClaimID)
	if !ok {
		return outcome{}, fmt.Errorf("claim %d: %w", evt.ClaimID, ErrClaimNotFound)
	}
	if !c.authz.IsVerifier(evt.Caller()) {
		return outcome{}, fmt.Errorf("verify claim %d: %w", claim.ID, ErrUnauthorized)
	}
	if claim.Status != state.ClaimStatusPending {
		return outcome{}, fmt.Errorf("claim %d is %s: %w", claim.ID, claim.Status, ErrClaimAlreadyProcessed)
	}

	claim.OracleVerified = evt.Verified
	if evt.Verified {
		claim.Status = state.ClaimStatusApproved
	} else {
		claim.Status = state.ClaimStatusRejected
	}
	if err := tx.PutClaim(claim); err != nil {
		return outcome{}, err
	}

	return outcome{receipt: event.Receipt{PolicyID: claim.PolicyID, ClaimID: claim.ID, Verified: evt.Verified}}, nil
}

func (c *Engine) handleSettleFlat(tx *state.Tx, ref ledger.TransferRef, evt *event.SettleFlat) (outcome, error) {
	claim, ok := tx.Claim(evt.ClaimID)
	if !ok {
		return outcome{}, fmt.Errorf("claim %d: %w", evt.ClaimID, ErrClaimNotFound)
	}
	if claim.Status != state.ClaimStatusApproved {
		return outcome{}, fmt.Errorf("claim %d is %s: %w", claim.ID, claim.Status, ErrClaimAlreadyProcessed)
	}
	if !claim.OracleVerified {
		return outcome{}, fmt.Errorf("claim %d not oracle verified: %w", claim.ID, ErrUnauthorized)
	}

	policy, ok := tx.Policy(claim.PolicyID)
	if !ok {
		return outcome{}, fmt.Errorf("policy %d: %w", claim.PolicyID, ErrPolicyNotFound)
	}
	balance, ok := tx.Balance(claim.PolicyID)
	if !ok {
		return outcome{}, fmt.Errorf("balance for policy %d: %w", claim.PolicyID, ErrPolicyNotFound)
	}

	settlement := fpmath.FlatSettlement(claim.Amount, policy.CoverageAmount)
	if balance.Balance < settlement {
		return outcome{}, fmt.Errorf("policy %d balance %d below settlement %d: %w",
			policy.ID, balance.Balance, settlement, ErrInsufficientFunds)
	}

	batch, err := c.payOut(tx, ref, &claim, &balance, settlement)
	if err != nil {
		return outcome{}, err
	}

	// An exhausted policy is closed for new claims
	if balance.Balance == 0 && policy.Active {
		policy.Active = false
		if err := tx.PutPolicy(policy); err != nil {
			return outcome{}, err
		}
	}

	return outcome{
		receipt: event.Receipt{PolicyID: policy.ID, ClaimID: claim.ID, Amount: settlement},
		batch:   batch,
	}, nil
}

func (c *Engine) handleSettleWithRiskAssessment(tx *state.Tx, ref ledger.TransferRef, evt *event.SettleWithRiskAssessment) (outcome, error) {
	claim, ok := tx.Claim(evt.ClaimID)
	if !ok {
		return outcome{}, fmt.Errorf("claim %d: %w", evt.ClaimID, ErrClaimNotFound)
	}
	if !c.authz.IsVerifier(evt.Caller()) {
		return outcome{}, fmt.Errorf("assess claim %d: %w", claim.ID, ErrUnauthorized)
	}
	if claim.Status != state.ClaimStatusPending {
		return outcome{}, fmt.Errorf("claim %d is %s: %w", claim.ID, claim.Status, ErrClaimAlreadyProcessed)
	}
	if evt.RiskScore > fpmath.MaxScore || evt.DamageScore > fpmath.MaxScore {
		return outcome{}, fmt.Errorf("scores (risk=%d, damage=%d) outside 0-%d: %w",
			evt.RiskScore, evt.DamageScore, fpmath.MaxScore, ErrInvalidAmount)
	}
	if err := c.validateFraudIndicators(evt.FraudIndicators); err != nil {
		return outcome{}, err
	}
	if len(evt.EvidenceHash) > c.params.MaxEvidenceHashBytes {
		return outcome{}, fmt.Errorf("evidence hash exceeds %d bytes: %w", c.params.MaxEvidenceHashBytes, ErrInvalidInput)
	}
	if err := validText("evidence hash", evt.EvidenceHash); err != nil {
		return outcome{}, err
	}

	policy, ok := tx.Policy(claim.PolicyID)
	if !ok {
		return outcome{}, fmt.Errorf("policy %d: %w", claim.PolicyID, ErrPolicyNotFound)
	}
	balance, ok := tx.Balance(claim.PolicyID)
	if !ok {
		return outcome{}, fmt.Errorf("balance for policy %d: %w", claim.PolicyID, ErrPolicyNotFound)
	}

	fraudCount := len(evt.FraudIndicators)
	claim.EvidenceHash = evt.EvidenceHash

	// Auto-reject moves no funds
	if fpmath.ShouldAutoReject(evt.RiskScore, fraudCount) {
		claim.Status = state.ClaimStatusRejected
		if err := tx.PutClaim(claim); err != nil {
			return outcome{}, err
		}
		return outcome{receipt: event.Receipt{PolicyID: policy.ID, ClaimID: claim.ID}}, nil
	}

	base := fpmath.FlatSettlement(claim.Amount, policy.CoverageAmount)
	final := fpmath.RiskAdjustedPayout(base, evt.RiskScore, fraudCount, evt.DamageScore)
	if balance.Balance < final {
		return outcome{}, fmt.Errorf("policy %d balance %d below settlement %d: %w",
			policy.ID, balance.Balance, final, ErrInsufficientFunds)
	}

	batch, err := c.payOut(tx, ref, &claim, &balance, final)
	if err != nil {
		return outcome{}, err
	}

	// No deactivation on this path, even when the balance reaches zero.

	return outcome{
		receipt: event.Receipt{PolicyID: policy.ID, ClaimID: claim.ID, Amount: final},
		batch:   batch,
	}, nil
}

// payOut stages the transfer, balance decrement, reserve decrement and Paid
// status for a settlement. A zero settlement still pays the claim but moves
// no funds.
func (c *Engine) payOut(
	tx *state.Tx,
	ref ledger.TransferRef,
	claim *state.Claim,
	balance *state.PolicyBalance,
	settlement uint64,
) (*ledger.Batch, error) {
	var batch *ledger.Batch
	if settlement > 0 {
		var err error
		batch, err = c.journalGen.GenerateClaimPayout(ref, claim.Claimant, settlement)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}

	balance.Balance -= settlement
	if err := tx.PutBalance(*balance); err != nil {
		return nil, err
	}
	if err := tx.AdjustReserve(settlement, state.ReserveDecrease); err != nil {
		if errors.Is(err, state.ErrReserveOutOfRange) {
			return nil, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		return nil, err
	}

	claim.Status = state.ClaimStatusPaid
	claim.OracleVerified = true
	claim.Settlement = settlement
	if err := tx.PutClaim(*claim); err != nil {
		return nil, err
	}

	return batch, nil
}

func (c *Engine) validateFraudIndicators(indicators []string) error {
	if len(indicators) > c.params.MaxFraudIndicators {
		return fmt.Errorf("%d fraud indicators exceed limit %d: %w",
			len(indicators), c.params.MaxFraudIndicators, ErrInvalidInput)
	}
	for i, ind := range indicators {
		if len(ind) > c.params.MaxIndicatorBytes {
			return fmt.Errorf("fraud indicator %d exceeds %d bytes: %w", i, c.params.MaxIndicatorBytes, ErrInvalidInput)
		}
		if err := validText(fmt.Sprintf("fraud indicator %d", i), ind); err != nil {
			return err
		}
	}
	return nil
}

func (c *Engine) handleFundWallet(ref ledger.TransferRef, evt *event.FundWallet) (outcome, error) {
	if !c.authz.IsVerifier(evt.Caller()) {
		return outcome{}, fmt.Errorf("fund wallet: %w", ErrUnauthorized)
	}
	if evt.Holder == "" {
		return outcome{}, fmt.Errorf("fund wallet: missing holder: %w", ErrInvalidInput)
	}
	if err := validText("holder", string(evt.Holder)); err != nil {
		return outcome{}, err
	}
	if evt.Amount == 0 {
		return outcome{}, fmt.Errorf("fund wallet: amount must be positive: %w", ErrInvalidAmount)
	}

	batch, err := c.journalGen.GenerateWalletFunding(ref, evt.Holder, evt.Amount)
	if err != nil {
		return outcome{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	return outcome{
		receipt: event.Receipt{Amount: evt.Amount},
		batch:   batch,
	}, nil
}

// validText rejects strings that are not valid UTF-8. The JSON event log
// would store them with replacement characters, so replay could not
// reproduce the state hash.
func validText(field, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%s is not valid UTF-8: %w", field, ErrInvalidInput)
	}
	return nil
}
