package core

import (
	"ClaimLedger/internal/event"
	"ClaimLedger/internal/ledger"
	"ClaimLedger/internal/observability"
	"ClaimLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Params are the deployment constants the engine validates calls against.
type Params struct {
	MinPremium  uint64
	MaxCoverage uint64

	MaxPolicyTypeBytes   int
	MaxDescriptionBytes  int
	MaxFraudIndicators   int
	MaxIndicatorBytes    int
	MaxEvidenceHashBytes int

	IdempotencyLRUCapacity int
}

func DefaultParams() Params {
	return Params{
		MinPremium:             1_000,
		MaxCoverage:            1_000_000_000_000,
		MaxPolicyTypeBytes:     64,
		MaxDescriptionBytes:    500,
		MaxFraudIndicators:     5,
		MaxIndicatorBytes:      64,
		MaxEvidenceHashBytes:   128,
		IdempotencyLRUCapacity: 1_000_000,
	}
}

// Validate rejects parameter sets no call could satisfy.
func (p Params) Validate() error {
	if p.MinPremium == 0 {
		return fmt.Errorf("min premium must be positive")
	}
	if p.MaxCoverage == 0 {
		return fmt.Errorf("max coverage must be positive")
	}
	if p.MaxDescriptionBytes <= 0 || p.MaxFraudIndicators < 0 || p.MaxIndicatorBytes <= 0 ||
		p.MaxPolicyTypeBytes <= 0 || p.MaxEvidenceHashBytes <= 0 {
		return fmt.Errorf("input bounds must be positive")
	}
	return nil
}

// globalCheckInterval is how often (in sequences) the O(n) invariants run.
const globalCheckInterval = 1000

// Engine is the single-threaded call processor. Every call runs to
// completion or leaves no trace: store writes are staged in a state.Tx and
// the journal batch is applied only after every precondition has passed.
type Engine struct {
	sequence       int64
	hasher         *StateHasher
	balanceTracker *ledger.BalanceTracker
	journalGen     *ledger.JournalGenerator
	validator      *ledger.InvariantValidator
	store          *state.Store
	authz          Authorizer
	params         Params
	idempotency    *IdempotencyChecker
	clock          *ClockValidator
	metrics        *observability.Metrics

	replaying bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers need for one applied call.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Event    event.Event
	Receipt  event.Receipt
	Batch    *ledger.Batch // nil for calls that move no funds
	Changes  state.Changes
}

func NewEngine(
	startSequence int64,
	params Params,
	authz Authorizer,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *Engine {
	balanceTracker := ledger.NewBalanceTracker()

	return &Engine{
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		balanceTracker: balanceTracker,
		journalGen:     ledger.NewJournalGenerator(balanceTracker),
		validator:      ledger.NewInvariantValidator(balanceTracker),
		store:          state.NewStore(),
		authz:          authz,
		params:         params,
		idempotency:    NewIdempotencyChecker(params.IdempotencyLRUCapacity, dbChecker, metrics),
		clock:          NewClockValidator(),
		metrics:        metrics,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// outcome is what a handler produces before commit.
type outcome struct {
	receipt event.Receipt
	batch   *ledger.Batch
}

// Apply is the main processing pipeline.
func (c *Engine) Apply(evt event.Event) (event.Receipt, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check
	var isDuplicate bool
	if c.replaying {
		isDuplicate = c.idempotency.IsDuplicateLocal(eventType, idempotencyKey)
	} else {
		isDuplicate = c.idempotency.IsDuplicate(eventType, idempotencyKey)
	}
	if isDuplicate {
		c.recordRejected(eventType, "duplicate")
		return event.Receipt{EventType: evt.EventType(), Duplicate: true}, nil
	}

	// Step 2: Caller and clock
	if evt.Caller() == "" {
		c.recordRejected(eventType, "unauthorized")
		return event.Receipt{}, fmt.Errorf("%s: missing caller identity: %w", eventType, ErrUnauthorized)
	}
	if err := validText("caller", string(evt.Caller())); err != nil {
		c.recordRejected(eventType, "invalid_input")
		return event.Receipt{}, fmt.Errorf("%s: %w", eventType, err)
	}
	if err := c.clock.Validate(evt.Height()); err != nil {
		c.recordRejected(eventType, "clock")
		if c.metrics != nil {
			c.metrics.ClockRegressions.Inc()
		}
		return event.Receipt{}, fmt.Errorf("%s: %w", eventType, err)
	}

	// Step 3: Dispatch against a staged transaction
	tx := c.store.Begin()
	ref := ledger.TransferRef{
		EventRef: idempotencyKey,
		Sequence: c.sequence,
		Height:   evt.Height(),
	}

	out, err := c.dispatch(tx, ref, evt)
	if err != nil {
		c.recordRejected(eventType, rejectReason(err))
		return event.Receipt{}, fmt.Errorf("%s: %w", eventType, err)
	}

	// Step 4: Apply journals. Nothing has been mutated yet, so a failure here
	// still rolls back by discarding tx.
	if out.batch != nil {
		if err := c.validator.ValidateBatchBalance(out.batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(out.batch); err != nil {
			return event.Receipt{}, fmt.Errorf("%s: apply batch failed: %w", eventType, err)
		}
	}

	// Step 5: Commit state
	changes := tx.Commit()

	// Step 6: Post-checks
	if err := c.postCheckInvariants(evt, out.batch, changes); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 7: Hash and envelope
	stateDigest := c.computeStateDigest(out.batch, changes)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Caller:         evt.Caller(),
		Height:         evt.Height(),
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	receipt := out.receipt
	receipt.Sequence = c.sequence
	receipt.EventType = evt.EventType()

	output := CoreOutput{
		Envelope: envelope,
		Event:    evt,
		Receipt:  receipt,
		Batch:    out.batch,
		Changes:  changes,
	}

	c.sequence++
	c.clock.Advance(evt.Height())

	// Step 8: Emit outputs. Replayed events are already persisted.
	if !c.replaying {
		c.emit(output)
	}

	// Step 9: Mark as processed
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.ReserveBalance.Set(float64(c.store.Reserve()))
		if out.batch != nil {
			for _, j := range out.batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
		c.recordOutcome(evt, receipt, changes)
	}

	return receipt, nil
}

// emit sends an output to the persistence and projection workers.
// Persistence is a blocking send (backpressure): the core stalls until the
// worker drains, so no applied call is lost. Projections are a non-blocking
// send: the projection worker can rebuild from the event log.
func (c *Engine) emit(output CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}

	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

func (c *Engine) dispatch(tx *state.Tx, ref ledger.TransferRef, evt event.Event) (outcome, error) {
	switch e := evt.(type) {
	case *event.CreatePolicy:
		return c.handleCreatePolicy(tx, ref, e)
	case *event.SubmitClaim:
		return c.handleSubmitClaim(tx, e)
	case *event.VerifyClaim:
		return c.handleVerifyClaim(tx, e)
	case *event.SettleFlat:
		return c.handleSettleFlat(tx, ref, e)
	case *event.SettleWithRiskAssessment:
		return c.handleSettleWithRiskAssessment(tx, ref, e)
	case *event.FundWallet:
		return c.handleFundWallet(ref, e)
	default:
		return outcome{}, fmt.Errorf("unknown event type: %T: %w", evt, ErrInvalidInput)
	}
}

// computeStateDigest creates canonical bytes for the state hash: every entity
// the call wrote, then every ledger account it touched with its new balance.
func (c *Engine) computeStateDigest(batch *ledger.Batch, changes state.Changes) []byte {
	digest := changes.CanonicalBytes()

	if batch == nil {
		return digest
	}

	affected := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendInt64LE(digest, c.balanceTracker.GetBalance(key))
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
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

// postCheckInvariants validates invariants after commit
func (c *Engine) postCheckInvariants(evt event.Event, batch *ledger.Batch, changes state.Changes) error {
	// Custody holds exactly the reserve
	if err := c.validator.ValidateCustodyMatchesReserve(c.store.Reserve()); err != nil {
		return fmt.Errorf("post-check custody: %w", err)
	}

	// Touched wallets stay non-negative
	if batch != nil {
		for _, j := range batch.Journals {
			for _, key := range []ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
				if key.Scope == ledger.AccountScopeHolder {
					if err := c.validator.ValidateWalletNonNegative(key.Owner); err != nil {
						return fmt.Errorf("post-check wallet: %w", err)
					}
				}
			}
		}
	}

	// Written balances stay within their premium
	for _, b := range changes.Balances {
		p, ok := c.store.GetPolicy(b.PolicyID)
		if !ok {
			return fmt.Errorf("post-check balance: policy %d missing", b.PolicyID)
		}
		if b.Balance > p.Premium {
			return fmt.Errorf("post-check balance: policy %d balance %d exceeds premium %d", b.PolicyID, b.Balance, p.Premium)
		}
	}

	// Settlement cap
	for _, cl := range changes.Claims {
		if cl.Status != state.ClaimStatusPaid {
			continue
		}
		p, _ := c.store.GetPolicy(cl.PolicyID)
		if cl.Settlement > cl.Amount || cl.Settlement > p.CoverageAmount {
			return fmt.Errorf("post-check settlement: claim %d paid %d over cap", cl.ID, cl.Settlement)
		}
	}

	// Periodic full reconciliation
	if c.sequence > 0 && c.sequence%globalCheckInterval == 0 {
		if err := c.store.ReconcileReserve(); err != nil {
			return fmt.Errorf("post-check reserve at seq %d: %w", c.sequence, err)
		}
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check global at seq %d: %w", c.sequence, err)
		}
	}

	return nil
}

func (c *Engine) recordRejected(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *Engine) recordOutcome(evt event.Event, receipt event.Receipt, changes state.Changes) {
	switch e := evt.(type) {
	case *event.CreatePolicy:
		c.metrics.PoliciesCreated.Inc()
	case *event.SubmitClaim:
		c.metrics.ClaimsSubmitted.Inc()
	case *event.VerifyClaim:
		if e.Verified {
			c.metrics.ClaimsVerified.WithLabelValues("approved").Inc()
		} else {
			c.metrics.ClaimsVerified.WithLabelValues("rejected").Inc()
		}
	case *event.SettleFlat:
		c.metrics.SettlementsPaid.WithLabelValues("flat").Inc()
		c.metrics.SettlementAmount.WithLabelValues("flat").Add(float64(receipt.Amount))
		for _, p := range changes.Policies {
			if !p.Active {
				c.metrics.PoliciesExhausted.Inc()
			}
		}
	case *event.SettleWithRiskAssessment:
		if len(changes.Claims) > 0 && changes.Claims[0].Status == state.ClaimStatusRejected {
			c.metrics.ClaimsAutoRejected.Inc()
			return
		}
		c.metrics.SettlementsPaid.WithLabelValues("risk").Inc()
		c.metrics.SettlementAmount.WithLabelValues("risk").Add(float64(receipt.Amount))
	case *event.FundWallet:
		c.metrics.WalletFunding.Add(float64(receipt.Amount))
	}
}

// rejectReason maps a call error to a low-cardinality metric label.
func rejectReason(err error) string {
	reasons := []struct {
		target error
		label  string
	}{
		{ErrUnauthorized, "unauthorized"},
		{ErrPolicyNotFound, "policy_not_found"},
		{ErrClaimNotFound, "claim_not_found"},
		{ErrInsufficientFunds, "insufficient_funds"},
		{ErrPolicyExpired, "policy_expired"},
		{ErrClaimAlreadyProcessed, "already_processed"},
		{ErrInvalidInput, "invalid_input"},
		{ErrInvalidAmount, "invalid_amount"},
		{ErrTransferFailed, "transfer_failed"},
	}
	for _, r := range reasons {
		if errors.Is(err, r.target) {
			return r.label
		}
	}
	return "internal"
}

// Run is the core loop: it applies submissions one at a time until ctx is
// cancelled or in is closed. Every inbound path (NATS, gRPC) feeds this one
// channel so calls are totally ordered. Snapshot requests are served between
// calls; snapshots may be nil.
func (c *Engine) Run(
	ctx context.Context,
	in <-chan event.Submission,
	snapshots <-chan chan<- *SnapshotState,
	onError func(event.Event, error),
) {
	for {
		select {
		case <-ctx.Done():
			return
		case reply := <-snapshots:
			reply <- c.CreateSnapshotState()
		case sub, ok := <-in:
			if !ok {
				return
			}

			receipt, err := c.Apply(sub.Event)
			if err != nil && onError != nil {
				onError(sub.Event, err)
			}
			if sub.Reply != nil {
				sub.Reply <- event.Result{Receipt: receipt, Err: err}
			}
		}
	}
}
