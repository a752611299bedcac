package persistence

import (
	"strings"
	"testing"
)

func TestPlaceholders(t *testing.T) {
	if got := placeholders(0, 3); got != "($1, $2, $3)" {
		t.Errorf("got %s", got)
	}
	if got := placeholders(8, 2); got != "($9, $10)" {
		t.Errorf("got %s", got)
	}
}

func TestBuildEventInsert_MultiRow(t *testing.T) {
	events := []EventRow{
		{Sequence: 0, EventType: "FundWallet", IdempotencyKey: "a", Caller: "oracle", Height: 1},
		{Sequence: 1, EventType: "CreatePolicy", IdempotencyKey: "b", Caller: "alice", Height: 10},
	}

	query, args := buildEventInsert(events)

	if len(args) != 2*eventColumns {
		t.Fatalf("expected %d args, got %d", 2*eventColumns, len(args))
	}
	if !strings.Contains(query, "($9, $10, $11, $12, $13, $14, $15, $16)") {
		t.Errorf("second row placeholders missing: %s", query)
	}
	if !strings.HasSuffix(query, "ON CONFLICT DO NOTHING") {
		t.Errorf("event insert must skip existing rows: %s", query)
	}
	if h, ok := args[eventColumns+4].(int64); !ok || h != 10 {
		t.Errorf("height should bind as int64 10, got %#v", args[eventColumns+4])
	}
}

func TestBuildJournalInsert(t *testing.T) {
	journals := []JournalRow{{JournalID: "j1", Amount: 5, Height: 3}}

	query, args := buildJournalInsert(journals)

	if len(args) != journalColumns {
		t.Fatalf("expected %d args, got %d", journalColumns, len(args))
	}
	if !strings.Contains(query, "ON CONFLICT (journal_id) DO NOTHING") {
		t.Errorf("unexpected query: %s", query)
	}
}
