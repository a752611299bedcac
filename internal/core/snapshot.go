package core

import (
	"ClaimLedger/internal/event"
	"ClaimLedger/internal/ledger"
	"ClaimLedger/internal/state"
	"fmt"
)

// SnapshotState holds the in-memory state needed to resume without replaying
// the full log.
type SnapshotState struct {
	Sequence        int64 // Last applied sequence, -1 if none
	StateHash       [32]byte
	LastHeight      uint64
	Balances        map[ledger.AccountKey]int64
	Store           state.StoreSnapshot
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *Engine) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		LastHeight:      c.clock.LastHeight(),
		Balances:        c.balanceTracker.Snapshot(),
		Store:           c.store.Snapshot(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// Only valid before any call is applied.
func (c *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	if err := c.store.Restore(snap.Store); err != nil {
		return fmt.Errorf("restore store: %w", err)
	}
	c.balanceTracker.Restore(snap.Balances)

	if err := c.CheckInvariants(); err != nil {
		return fmt.Errorf("snapshot at sequence %d is inconsistent: %w", snap.Sequence, err)
	}

	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	c.clock.SetLastHeight(snap.LastHeight)
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *Engine) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// Replay re-applies a logged event without emitting outputs and checks that
// it lands on the logged sequence and state hash.
func (c *Engine) Replay(evt event.Event, sequence int64, stateHash [32]byte) error {
	if sequence != c.sequence {
		return fmt.Errorf("replay gap: expected sequence %d, log has %d", c.sequence, sequence)
	}

	c.replaying = true
	defer func() { c.replaying = false }()

	receipt, err := c.Apply(evt)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", sequence, err)
	}
	if receipt.Duplicate {
		return fmt.Errorf("replay seq %d: %s already applied", sequence, evt.IdempotencyKey())
	}
	if got := c.hasher.GetPrevHash(); got != stateHash {
		return fmt.Errorf("replay seq %d: state hash mismatch (log %x, computed %x)", sequence, stateHash, got)
	}
	return nil
}
