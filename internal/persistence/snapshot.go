package persistence

import (
	"ClaimLedger/internal/core"
	"ClaimLedger/internal/ledger"
	"ClaimLedger/internal/state"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotFormatVersion is stored with every snapshot row.
// v1: JSON-encoded SnapshotData.
const SnapshotFormatVersion = 1

// SnapshotManager handles creating and loading state snapshots for recovery.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence        int64            `json:"sequence"`
	StateHash       []byte           `json:"state_hash"`
	LastHeight      uint64           `json:"last_height"`
	Balances        map[string]int64 `json:"balances"` // AccountPath -> balance
	Policies        []PolicySnap     `json:"policies"`
	Claims          []ClaimSnap      `json:"claims"`
	Reserve         uint64           `json:"reserve"`
	LastPolicyID    uint64           `json:"last_policy_id"`
	LastClaimID     uint64           `json:"last_claim_id"`
	IdempotencyKeys []string         `json:"idempotency_keys"` // Recent keys for LRU warming
	CreatedAt       time.Time        `json:"created_at"`
}

// PolicySnap is a serializable policy with its remaining escrow.
type PolicySnap struct {
	ID             uint64 `json:"id"`
	Holder         string `json:"holder"`
	Premium        uint64 `json:"premium"`
	CoverageAmount uint64 `json:"coverage_amount"`
	PolicyType     string `json:"policy_type"`
	StartHeight    uint64 `json:"start_height"`
	EndHeight      uint64 `json:"end_height"`
	Active         bool   `json:"active"`
	Balance        uint64 `json:"balance"`
}

// ClaimSnap is a serializable claim.
type ClaimSnap struct {
	ID              uint64 `json:"id"`
	PolicyID        uint64 `json:"policy_id"`
	Claimant        string `json:"claimant"`
	Amount          uint64 `json:"amount"`
	Description     string `json:"description"`
	SubmittedHeight uint64 `json:"submitted_height"`
	Status          string `json:"status"`
	OracleVerified  bool   `json:"oracle_verified"`
	Settlement      uint64 `json:"settlement"`
	EvidenceHash    string `json:"evidence_hash"`
}

// SnapshotFromCore converts the core's in-memory state into its stored form.
func SnapshotFromCore(cs *core.SnapshotState) *SnapshotData {
	snap := &SnapshotData{
		Sequence:        cs.Sequence,
		StateHash:       append([]byte(nil), cs.StateHash[:]...),
		LastHeight:      cs.LastHeight,
		Balances:        make(map[string]int64, len(cs.Balances)),
		Reserve:         cs.Store.Reserve,
		LastPolicyID:    cs.Store.LastPolicyID,
		LastClaimID:     cs.Store.LastClaimID,
		IdempotencyKeys: cs.IdempotencyKeys,
		CreatedAt:       time.Now().UTC(),
	}

	for key, balance := range cs.Balances {
		snap.Balances[key.AccountPath()] = balance
	}

	balances := make(map[uint64]uint64, len(cs.Store.Balances))
	for _, b := range cs.Store.Balances {
		balances[b.PolicyID] = b.Balance
	}
	for _, p := range cs.Store.Policies {
		snap.Policies = append(snap.Policies, PolicySnap{
			ID:             p.ID,
			Holder:         string(p.Holder),
			Premium:        p.Premium,
			CoverageAmount: p.CoverageAmount,
			PolicyType:     p.PolicyType,
			StartHeight:    p.StartHeight,
			EndHeight:      p.EndHeight,
			Active:         p.Active,
			Balance:        balances[p.ID],
		})
	}

	for _, c := range cs.Store.Claims {
		snap.Claims = append(snap.Claims, ClaimSnap{
			ID:              c.ID,
			PolicyID:        c.PolicyID,
			Claimant:        string(c.Claimant),
			Amount:          c.Amount,
			Description:     c.Description,
			SubmittedHeight: c.SubmittedHeight,
			Status:          c.Status.String(),
			OracleVerified:  c.OracleVerified,
			Settlement:      c.Settlement,
			EvidenceHash:    c.EvidenceHash,
		})
	}

	return snap
}

// ToCore is the inverse of SnapshotFromCore.
func (snap *SnapshotData) ToCore() (*core.SnapshotState, error) {
	if len(snap.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", snap.Sequence, len(snap.StateHash))
	}

	cs := &core.SnapshotState{
		Sequence:        snap.Sequence,
		LastHeight:      snap.LastHeight,
		Balances:        make(map[ledger.AccountKey]int64, len(snap.Balances)),
		IdempotencyKeys: snap.IdempotencyKeys,
		Store: state.StoreSnapshot{
			Reserve:      snap.Reserve,
			LastPolicyID: snap.LastPolicyID,
			LastClaimID:  snap.LastClaimID,
		},
	}
	copy(cs.StateHash[:], snap.StateHash)

	for path, balance := range snap.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", snap.Sequence, err)
		}
		cs.Balances[key] = balance
	}

	for _, p := range snap.Policies {
		cs.Store.Policies = append(cs.Store.Policies, state.Policy{
			ID:             p.ID,
			Holder:         ledger.Identity(p.Holder),
			Premium:        p.Premium,
			CoverageAmount: p.CoverageAmount,
			PolicyType:     p.PolicyType,
			StartHeight:    p.StartHeight,
			EndHeight:      p.EndHeight,
			Active:         p.Active,
		})
		cs.Store.Balances = append(cs.Store.Balances, state.PolicyBalance{PolicyID: p.ID, Balance: p.Balance})
	}

	for _, c := range snap.Claims {
		status, ok := state.ParseClaimStatus(c.Status)
		if !ok {
			return nil, fmt.Errorf("snapshot %d: claim %d has unknown status %q", snap.Sequence, c.ID, c.Status)
		}
		cs.Store.Claims = append(cs.Store.Claims, state.Claim{
			ID:              c.ID,
			PolicyID:        c.PolicyID,
			Claimant:        ledger.Identity(c.Claimant),
			Amount:          c.Amount,
			Description:     c.Description,
			SubmittedHeight: c.SubmittedHeight,
			Status:          status,
			OracleVerified:  c.OracleVerified,
			Settlement:      c.Settlement,
			EvidenceHash:    c.EvidenceHash,
		})
	}

	return cs, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot and returns its encoded size.
// Snapshots are stored unverified; MarkVerified promotes them.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash, SnapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}

	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil if none.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, SnapshotFormatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // No snapshot, cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, caller, height, payload,
		       state_hash, prev_hash
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		var height int64
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Caller, &height,
			&e.Payload, &e.StateHash, &e.PrevHash,
		); err != nil {
			return nil, err
		}
		e.Height = uint64(height)
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1 if empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
