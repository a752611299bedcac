package persistence_test

import (
	"ClaimLedger/internal/core"
	"ClaimLedger/internal/event"
	"ClaimLedger/internal/ingestion"
	"ClaimLedger/internal/ledger"
	"ClaimLedger/internal/persistence"
	"ClaimLedger/internal/state"
	"ClaimLedger/internal/testutil"
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

const verifier = ledger.Identity("oracle")

func newEngine(persist chan core.CoreOutput) *core.Engine {
	return core.NewEngine(0, core.DefaultParams(), core.NewVerifierSet(verifier), persist, nil, nil, nil)
}

// populate drives one policy through a flat payout and leaves a second claim pending.
func populate(t *testing.T, c *core.Engine) {
	t.Helper()
	call := func(who ledger.Identity, h uint64) event.Call { return event.Call{From: who, At: h} }

	if err := c.FundWallet(call(verifier, 1), "alice", 50_000); err != nil {
		t.Fatalf("FundWallet: %v", err)
	}
	policyID, err := c.CreatePolicy(call("alice", 10), 50_000, 20_000, "Home", 500)
	if err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}
	paid, err := c.SubmitClaim(call("alice", 20), policyID, 15_000, "burst pipe")
	if err != nil {
		t.Fatalf("SubmitClaim: %v", err)
	}
	if _, err := c.VerifyClaim(call(verifier, 30), paid, true); err != nil {
		t.Fatalf("VerifyClaim: %v", err)
	}
	if _, err := c.SettleFlat(call("alice", 40), paid); err != nil {
		t.Fatalf("SettleFlat: %v", err)
	}
	if _, err := c.SubmitClaim(call("alice", 50), policyID, 1_000, "broken window"); err != nil {
		t.Fatalf("SubmitClaim: %v", err)
	}
}

func TestSnapshotData_RoundTripsThroughJSON(t *testing.T) {
	src := newEngine(nil)
	populate(t, src)

	data, err := json.Marshal(persistence.SnapshotFromCore(src.CreateSnapshotState()))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var stored persistence.SnapshotData
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	cs, err := stored.ToCore()
	if err != nil {
		t.Fatalf("ToCore: %v", err)
	}

	dst := newEngine(nil)
	if err := dst.RestoreFromSnapshot(cs); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if dst.GetStateHash() != src.GetStateHash() {
		t.Error("state hash differs after restore")
	}
	if dst.GetSequence() != src.GetSequence() || dst.LastHeight() != src.LastHeight() {
		t.Errorf("sequence/height: got %d/%d, want %d/%d",
			dst.GetSequence(), dst.LastHeight(), src.GetSequence(), src.LastHeight())
	}
	if dst.Reserve() != 35_000 || dst.WalletBalance("alice") != 15_000 {
		t.Errorf("reserve=%d alice=%d, want 35000 and 15000", dst.Reserve(), dst.WalletBalance("alice"))
	}
	if c, ok := dst.GetClaim(1); !ok || c.Status != state.ClaimStatusPaid || c.Settlement != 15_000 {
		t.Errorf("claim 1 not restored: %+v", c)
	}
	if c, ok := dst.GetClaim(2); !ok || c.Status != state.ClaimStatusPending {
		t.Errorf("claim 2 not restored: %+v", c)
	}

	// Both engines must continue identically
	next := func(c *core.Engine) [32]byte {
		if _, err := c.VerifyClaim(event.Call{From: verifier, At: 60}, 2, true); err != nil {
			t.Fatalf("VerifyClaim: %v", err)
		}
		return c.GetStateHash()
	}
	if next(src) != next(dst) {
		t.Error("engines diverged after restore")
	}
}

func TestSnapshotData_ToCoreRejectsBadInput(t *testing.T) {
	good := persistence.SnapshotFromCore(newEngine(nil).CreateSnapshotState())

	short := *good
	short.StateHash = []byte{1, 2, 3}
	if _, err := short.ToCore(); err == nil {
		t.Error("expected error for truncated state hash")
	}

	badPath := *good
	badPath.Balances = map[string]int64{"nonsense": 1}
	if _, err := badPath.ToCore(); err == nil {
		t.Error("expected error for unparseable account path")
	}

	badStatus := *good
	badStatus.Claims = []persistence.ClaimSnap{{ID: 1, Status: "Lost"}}
	if _, err := badStatus.ToCore(); err == nil {
		t.Error("expected error for unknown claim status")
	}
}

func TestRecordFromOutput(t *testing.T) {
	persist := make(chan core.CoreOutput, 16)
	c := newEngine(persist)
	populate(t, c)
	close(persist)

	var records []persistence.Record
	for out := range persist {
		payload, err := ingestion.EncodeEvent(out.Event)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		records = append(records, persistence.RecordFromOutput(out, payload))
	}

	if len(records) != 6 {
		t.Fatalf("expected 6 records, got %d", len(records))
	}

	for i, rec := range records {
		if rec.EventRow.Sequence != int64(i) {
			t.Errorf("record %d has sequence %d", i, rec.EventRow.Sequence)
		}
		if i > 0 && string(rec.EventRow.PrevHash) != string(records[i-1].EventRow.StateHash) {
			t.Errorf("record %d does not chain to its predecessor", i)
		}
		for _, j := range rec.JournalRows {
			if j.Sequence != rec.EventRow.Sequence || j.Amount <= 0 {
				t.Errorf("record %d journal out of place: %+v", i, j)
			}
			if _, err := uuid.Parse(j.JournalID); err != nil {
				t.Errorf("journal id: %v", err)
			}
		}
	}

	// FundWallet, CreatePolicy and SettleFlat move funds; the rest do not
	for i, want := range []int{1, 1, 0, 0, 1, 0} {
		if got := len(records[i].JournalRows); got != want {
			t.Errorf("record %d (%s): %d journals, want %d", i, records[i].EventRow.EventType, got, want)
		}
	}

	evt, err := ingestion.DecodeEvent(records[1].EventRow.EventType, records[1].EventRow.Payload)
	if err != nil {
		t.Fatalf("stored payload must decode: %v", err)
	}
	if cp := evt.(*event.CreatePolicy); cp.Premium != 50_000 || cp.Caller() != "alice" {
		t.Errorf("decoded payload: %+v", cp)
	}
}

// ==========================================================================
// Postgres integration
// ==========================================================================

func TestSnapshotManager_Postgres(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	persist := make(chan core.CoreOutput, 16)
	c := newEngine(persist)
	populate(t, c)
	close(persist)

	writer := persistence.NewEventLogWriter(db)
	for out := range persist {
		payload, _ := ingestion.EncodeEvent(out.Event)
		rec := persistence.RecordFromOutput(out, payload)
		if err := writer.WriteEventBatch(ctx, db, []persistence.EventRow{rec.EventRow}); err != nil {
			t.Fatalf("write event: %v", err)
		}
		if err := writer.WriteJournalBatch(ctx, db, rec.JournalRows); err != nil {
			t.Fatalf("write journals: %v", err)
		}
		// Re-delivery is a no-op
		if err := writer.WriteEventBatch(ctx, db, []persistence.EventRow{rec.EventRow}); err != nil {
			t.Fatalf("rewrite event: %v", err)
		}
	}

	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx)
	if err != nil || latest != 5 {
		t.Fatalf("latest sequence = %d, %v", latest, err)
	}

	rows, err := sm.LoadEventsFrom(ctx, 2, 100)
	if err != nil || len(rows) != 4 || rows[0].Sequence != 2 || rows[0].Height != 20 {
		t.Fatalf("LoadEventsFrom: %d rows, %v", len(rows), err)
	}

	dup, err := persistence.NewPostgresIdempotencyChecker(db).IsDuplicate(rows[0].EventType, rows[0].IdempotencyKey)
	if err != nil || !dup {
		t.Errorf("stored call should be a duplicate: %v, %v", dup, err)
	}

	snap := persistence.SnapshotFromCore(c.CreateSnapshotState())
	if _, err := sm.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got, _ := sm.LoadLatestSnapshot(ctx); got != nil {
		t.Fatal("unverified snapshot must not be loaded")
	}
	if err := sm.MarkVerified(ctx, snap.Sequence); err != nil {
		t.Fatalf("verify: %v", err)
	}
	got, err := sm.LoadLatestSnapshot(ctx)
	if err != nil || got == nil || got.Sequence != 5 || got.Reserve != 35_000 {
		t.Fatalf("load: %+v, %v", got, err)
	}
}
