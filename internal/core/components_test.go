package core_test

import (
	"ClaimLedger/internal/core"
	"errors"
	"fmt"
	"testing"
)

type fakeDB struct {
	seen map[string]bool
	err  error
}

func (f *fakeDB) IsDuplicate(eventType, key string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.seen[eventType+":"+key], nil
}

func TestIdempotencyLRU_Eviction(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	lru.Contains("a") // promote a
	lru.Add("c")      // evicts b

	if !lru.Contains("a") || !lru.Contains("c") {
		t.Error("a and c should be cached")
	}
	if lru.Contains("b") {
		t.Error("b should have been evicted")
	}
	if lru.Evictions() != 1 || lru.Size() != 2 {
		t.Errorf("evictions=%d size=%d", lru.Evictions(), lru.Size())
	}
}

func TestIdempotencyLRU_WarmPreservesOrder(t *testing.T) {
	lru := core.NewIdempotencyLRU(10)
	lru.WarmFromKeys([]string{"x", "y", "z"})

	keys := lru.GetAllKeys()
	if len(keys) != 3 || keys[0] != "x" || keys[2] != "z" {
		t.Errorf("keys = %v, want [x y z]", keys)
	}

	// Round trip through a smaller cache keeps the most recent
	small := core.NewIdempotencyLRU(2)
	small.WarmFromKeys(keys)
	if small.Contains("x") || !small.Contains("z") {
		t.Error("warming should keep the most recently used keys")
	}
}

func TestIdempotencyChecker_Tiers(t *testing.T) {
	db := &fakeDB{seen: map[string]bool{"SettleFlat:req-1": true}}
	ic := core.NewIdempotencyChecker(16, db, nil)

	if !ic.IsDuplicate("SettleFlat", "req-1") {
		t.Error("postgres tier should report req-1")
	}
	// Promoted into the LRU
	if !ic.IsDuplicateLocal("SettleFlat", "req-1") {
		t.Error("postgres hit should be cached locally")
	}
	if ic.IsDuplicate("SettleFlat", "req-2") {
		t.Error("req-2 was never applied")
	}

	ic.MarkProcessed("SettleFlat", "req-2")
	if !ic.IsDuplicate("SettleFlat", "req-2") {
		t.Error("req-2 should be a duplicate once marked")
	}
	// Same key under a different type is distinct
	if ic.IsDuplicate("VerifyClaim", "req-2") {
		t.Error("keys are scoped by event type")
	}
}

func TestIdempotencyChecker_DBErrorIsNotDuplicate(t *testing.T) {
	ic := core.NewIdempotencyChecker(16, &fakeDB{err: errors.New("connection reset")}, nil)

	if ic.IsDuplicate("SubmitClaim", "k") {
		t.Error("lookup failure must not drop the call")
	}
	if ic.Tier2Errors() != 1 {
		t.Errorf("tier2 errors = %d, want 1", ic.Tier2Errors())
	}
}

func TestClockValidator(t *testing.T) {
	cv := core.NewClockValidator()

	if err := cv.Validate(5); err != nil {
		t.Fatalf("Validate(5): %v", err)
	}
	cv.Advance(5)
	if err := cv.Validate(5); err != nil {
		t.Error("equal heights are allowed")
	}
	if err := cv.Validate(4); !errors.Is(err, core.ErrClockRegression) {
		t.Errorf("got %v, want ErrClockRegression", err)
	}
	if cv.LastHeight() != 5 || cv.Regressions() != 1 {
		t.Errorf("last=%d regressions=%d", cv.LastHeight(), cv.Regressions())
	}

	// Validate alone never advances
	cv.Validate(100)
	if cv.LastHeight() != 5 {
		t.Error("Validate must not advance the clock")
	}
}

func TestStateHasher_Chain(t *testing.T) {
	h := core.NewStateHasher()
	if h.GetPrevHash() != core.GenesisHash() {
		t.Fatal("hasher should start at genesis")
	}

	h1 := h.ComputeHash(0, []byte("a"))
	h2 := h.ComputeHash(1, []byte("b"))

	if h1 != core.ChainHash(core.GenesisHash(), 0, []byte("a")) {
		t.Error("ComputeHash and ChainHash disagree")
	}
	if h2 != core.ChainHash(h1, 1, []byte("b")) {
		t.Error("hash does not chain from previous")
	}
	if core.ChainHash(h1, 2, []byte("b")) == h2 {
		t.Error("sequence must be part of the hash")
	}
}

func TestParams_Validate(t *testing.T) {
	if err := core.DefaultParams().Validate(); err != nil {
		t.Fatalf("default params invalid: %v", err)
	}
	p := core.DefaultParams()
	p.MinPremium = 0
	if p.Validate() == nil {
		t.Error("zero min premium should be rejected")
	}
}

func TestVerifierSet(t *testing.T) {
	vs := core.NewVerifierSet("zed", "amy")
	if !vs.IsVerifier("amy") || vs.IsVerifier("bob") {
		t.Error("unexpected membership")
	}
	if m := vs.Members(); len(m) != 2 || m[0] != "amy" {
		t.Errorf("members = %v, want sorted", m)
	}
}

func TestErrInvalidInput_IsInvalidAmount(t *testing.T) {
	err := fmt.Errorf("description exceeds 500 bytes: %w", core.ErrInvalidInput)
	if !errors.Is(err, core.ErrInvalidAmount) {
		t.Error("oversized input should match ErrInvalidAmount")
	}
	if errors.Is(fmt.Errorf("premium: %w", core.ErrInvalidAmount), core.ErrInvalidInput) {
		t.Error("a plain amount error is not an input error")
	}
}
