package query

import (
	"ClaimLedger/internal/ledger"
	"ClaimLedger/internal/projection"
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when the requested row is not (yet) projected.
var ErrNotFound = errors.New("not found")

// MaxPageSize caps list queries.
const MaxPageSize = 500

// QueryService provides read-only access to projection tables.
// Queries are served via gRPC and HTTP/JSON (gRPC-Gateway). All responses
// include as_of_sequence for freshness semantics.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetPolicy returns a policy and its remaining escrow.
func (qs *QueryService) GetPolicy(ctx context.Context, policyID uint64) (*PolicyResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	p := PolicyResponse{PolicyID: policyID, AsOfSequence: asOfSeq}
	var premium, coverage, start, end, balance int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT holder, premium, coverage_amount, policy_type, start_height,
		       end_height, active, balance
		FROM projections.policies
		WHERE policy_id = $1
	`, int64(policyID)).Scan(
		&p.Holder, &premium, &coverage, &p.PolicyType, &start, &end, &p.Active, &balance,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("policy %d: %w", policyID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	p.Premium = uint64(premium)
	p.CoverageAmount = uint64(coverage)
	p.StartHeight = uint64(start)
	p.EndHeight = uint64(end)
	p.Balance = uint64(balance)
	return &p, nil
}

// GetClaim returns a single claim.
func (qs *QueryService) GetClaim(ctx context.Context, claimID uint64) (*ClaimResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	row := qs.db.QueryRowContext(ctx, `
		SELECT `+claimColumns+`
		FROM projections.claims
		WHERE claim_id = $1
	`, int64(claimID))

	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claim %d: %w", claimID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	c.AsOfSequence = asOfSeq
	return c, nil
}

// ListClaimsByPolicy returns the claims filed against a policy in id order.
// Supports cursor-based pagination via afterClaimID.
func (qs *QueryService) ListClaimsByPolicy(
	ctx context.Context,
	policyID uint64,
	limit int,
	afterClaimID *uint64,
) ([]ClaimResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT ` + claimColumns + `
		FROM projections.claims
		WHERE policy_id = $1
	`
	args := []interface{}{int64(policyID)}
	argIdx := 2

	if afterClaimID != nil {
		query += fmt.Sprintf(" AND claim_id > $%d", argIdx)
		args = append(args, int64(*afterClaimID))
		argIdx++
	}

	query += " ORDER BY claim_id ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []ClaimResponse
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		c.AsOfSequence = asOfSeq
		claims = append(claims, *c)
	}

	return claims, rows.Err()
}

// GetReserve returns the projected aggregate escrow.
func (qs *QueryService) GetReserve(ctx context.Context) (*ReserveResponse, error) {
	var total, seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT total, last_sequence FROM projections.reserve WHERE id = 1
	`).Scan(&total, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return &ReserveResponse{AsOfSequence: -1}, nil
	}
	if err != nil {
		return nil, err
	}
	return &ReserveResponse{Total: uint64(total), AsOfSequence: seq}, nil
}

// GetJournalHistory returns journal entries touching a holder's wallet,
// newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	holder ledger.Identity,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	account := ledger.NewHolderAccountKey(holder).AccountPath()

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount, journal_type, height
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []interface{}{account}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		var height int64
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount,
			&e.JournalType, &height,
		); err != nil {
			return nil, err
		}
		e.Height = uint64(height)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain, the projected reserve against the
// projected policy balances, and the journal's custody balance against the
// reserve.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Check hash chain continuity
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND (e2.sequence IS NULL OR e1.prev_hash != e2.state_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = qs.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT total FROM projections.reserve WHERE id = 1), 0),
			COALESCE((SELECT SUM(balance) FROM projections.policies), 0)
	`).Scan(&report.Reserve, &report.PolicyBalances)
	if err != nil {
		return nil, fmt.Errorf("reserve check: %w", err)
	}

	report.AsOfSequence, err = qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	custody := ledger.CustodyAccountKey().AccountPath()
	err = qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN credit_account = $1 THEN amount ELSE -amount END), 0)
		FROM event_log.journal
		WHERE (credit_account = $1 OR debit_account = $1) AND sequence <= $2
	`, custody, report.AsOfSequence).Scan(&report.CustodyBalance)
	if err != nil {
		return nil, fmt.Errorf("custody check: %w", err)
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		report.Reserve == report.PolicyBalances &&
		report.CustodyBalance == report.Reserve
	return report, nil
}

// --- helpers ---

const claimColumns = `claim_id, policy_id, claimant, amount, description,
		       submitted_height, status, oracle_verified, settlement, evidence_hash`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanClaim(s scanner) (*ClaimResponse, error) {
	var c ClaimResponse
	var id, policyID, amount, height, settlement int64
	if err := s.Scan(
		&id, &policyID, &c.Claimant, &amount, &c.Description,
		&height, &c.Status, &c.OracleVerified, &settlement, &c.EvidenceHash,
	); err != nil {
		return nil, err
	}
	c.ClaimID = uint64(id)
	c.PolicyID = uint64(policyID)
	c.Amount = uint64(amount)
	c.SubmittedHeight = uint64(height)
	c.Settlement = uint64(settlement)
	return &c, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// getWatermark returns the last projected sequence, -1 before the first.
func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = $1
	`, projection.WatermarkName).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}
