package persistence

import (
	"ClaimLedger/internal/core"
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes events and journals to Postgres using multi-row INSERTs.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Caller         string
	Height         uint64
	Payload        []byte // JSON wire form of the call
	StateHash      []byte
	PrevHash       []byte
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Amount        int64
	JournalType   int32
	Height        uint64
}

// Record is one applied call in row form.
type Record struct {
	EventRow    EventRow
	JournalRows []JournalRow
}

// RecordFromOutput flattens a core output into rows. payload is the encoded
// call, stored so replay can decode it again.
func RecordFromOutput(out core.CoreOutput, payload []byte) Record {
	rec := Record{
		EventRow: EventRow{
			Sequence:       out.Envelope.Sequence,
			EventType:      out.Envelope.EventType.String(),
			IdempotencyKey: out.Envelope.IdempotencyKey,
			Caller:         string(out.Envelope.Caller),
			Height:         out.Envelope.Height,
			Payload:        payload,
			StateHash:      append([]byte(nil), out.Envelope.StateHash[:]...),
			PrevHash:       append([]byte(nil), out.Envelope.PrevHash[:]...),
		},
	}

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			rec.JournalRows = append(rec.JournalRows, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Amount:        j.Amount,
				JournalType:   int32(j.JournalType),
				Height:        j.Height,
			})
		}
	}

	return rec
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events to event_log.events.
// Rows that already exist (same sequence or same request) are skipped.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query, args := buildEventInsert(events)
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query, args := buildJournalInsert(journals)
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

const eventColumns = 8

func buildEventInsert(events []EventRow) (string, []interface{}) {
	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, caller, height, payload, state_hash, prev_hash)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*eventColumns)

	for i, e := range events {
		values = append(values, placeholders(i*eventColumns, eventColumns))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Caller,
			int64(e.Height), e.Payload, e.StateHash, e.PrevHash,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT DO NOTHING"
	return query, args
}

const journalColumns = 9

func buildJournalInsert(journals []JournalRow) (string, []interface{}) {
	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, amount, journal_type, height)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*journalColumns)

	for i, j := range journals {
		values = append(values, placeholders(i*journalColumns, journalColumns))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Amount, j.JournalType,
			int64(j.Height),
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"
	return query, args
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", base+i+1)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
