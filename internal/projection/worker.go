package projection

import (
	"ClaimLedger/internal/core"
	"ClaimLedger/internal/observability"
	"ClaimLedger/internal/state"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// WatermarkName identifies this worker's row in projections.watermark.
const WatermarkName = "claims"

// Statement is one parameterised write against the projection schema.
type Statement struct {
	Query string
	Args  []interface{}
}

// ProjectionWorker keeps the read-side tables in step with the core.
// The projection channel is non-blocking with drop, so these tables may lag
// or miss updates; Rebuild resets them from the core's state at startup.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
	metrics   *observability.Metrics
	lastSeq   int64
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		logger:    logger,
		metrics:   metrics,
		lastSeq:   -1,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			seq := output.Envelope.Sequence
			if err := pw.apply(ctx, seq, PlanOutput(output)); err != nil {
				// Projections are eventually consistent and get rebuilt on restart
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
				continue
			}

			if seq != pw.lastSeq+1 && pw.lastSeq >= 0 {
				pw.logger.Warn().
					Int64("expected", pw.lastSeq+1).
					Int64("got", seq).
					Msg("projection gap, outputs were dropped")
			}
			pw.lastSeq = seq
		}
	}
}

// LastSequence returns the last sequence this worker applied, -1 if none.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) apply(ctx context.Context, sequence int64, stmts []Statement) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.Query, s.Args...); err != nil {
			return fmt.Errorf("projection write: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(WatermarkName).Observe(time.Since(start).Seconds())
		pw.metrics.ProjectionLastSequence.Set(float64(sequence))
	}
	return nil
}

// PlanOutput lists the writes that bring the projections up to one output.
// Every row carries last_sequence and older updates never overwrite newer ones.
func PlanOutput(out core.CoreOutput) []Statement {
	return planChanges(out.Envelope.Sequence, out.Changes)
}

func planChanges(seq int64, changes state.Changes) []Statement {
	var stmts []Statement

	for _, p := range changes.Policies {
		stmts = append(stmts, Statement{
			Query: `
				INSERT INTO projections.policies
					(policy_id, holder, premium, coverage_amount, policy_type,
					 start_height, end_height, active, balance, last_sequence)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9)
				ON CONFLICT (policy_id) DO UPDATE SET
					active = EXCLUDED.active,
					last_sequence = EXCLUDED.last_sequence
				WHERE projections.policies.last_sequence <= EXCLUDED.last_sequence`,
			Args: []interface{}{
				int64(p.ID), string(p.Holder), int64(p.Premium), int64(p.CoverageAmount),
				p.PolicyType, int64(p.StartHeight), int64(p.EndHeight), p.Active, seq,
			},
		})
	}

	for _, b := range changes.Balances {
		stmts = append(stmts, Statement{
			Query: `
				UPDATE projections.policies
				SET balance = $2, last_sequence = $3
				WHERE policy_id = $1 AND last_sequence <= $3`,
			Args: []interface{}{int64(b.PolicyID), int64(b.Balance), seq},
		})
	}

	for _, c := range changes.Claims {
		stmts = append(stmts, Statement{
			Query: `
				INSERT INTO projections.claims
					(claim_id, policy_id, claimant, amount, description, submitted_height,
					 status, oracle_verified, settlement, evidence_hash, last_sequence)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				ON CONFLICT (claim_id) DO UPDATE SET
					status = EXCLUDED.status,
					oracle_verified = EXCLUDED.oracle_verified,
					settlement = EXCLUDED.settlement,
					evidence_hash = EXCLUDED.evidence_hash,
					last_sequence = EXCLUDED.last_sequence
				WHERE projections.claims.last_sequence <= EXCLUDED.last_sequence`,
			Args: []interface{}{
				int64(c.ID), int64(c.PolicyID), string(c.Claimant), int64(c.Amount),
				c.Description, int64(c.SubmittedHeight), c.Status.String(), c.OracleVerified,
				int64(c.Settlement), c.EvidenceHash, seq,
			},
		})
	}

	stmts = append(stmts,
		Statement{
			Query: `
				INSERT INTO projections.reserve (id, total, last_sequence)
				VALUES (1, $1, $2)
				ON CONFLICT (id) DO UPDATE SET total = EXCLUDED.total, last_sequence = EXCLUDED.last_sequence
				WHERE projections.reserve.last_sequence <= EXCLUDED.last_sequence`,
			Args: []interface{}{int64(changes.Reserve), seq},
		},
		Statement{
			Query: `
				INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
				VALUES ($1, $2, NOW())
				ON CONFLICT (projection_name) DO UPDATE SET last_sequence = $2, updated_at = NOW()
				WHERE projections.watermark.last_sequence <= $2`,
			Args: []interface{}{WatermarkName, seq},
		},
	)

	return stmts
}

// PlanRebuild lists the writes that replace the projections with a full copy
// of the core's state.
func PlanRebuild(snap *core.SnapshotState) []Statement {
	stmts := []Statement{
		{Query: `TRUNCATE projections.policies, projections.claims, projections.reserve`},
		{Query: `DELETE FROM projections.watermark WHERE projection_name = $1`, Args: []interface{}{WatermarkName}},
	}
	return append(stmts, planChanges(snap.Sequence, state.Changes{
		Policies: snap.Store.Policies,
		Balances: snap.Store.Balances,
		Claims:   snap.Store.Claims,
		Reserve:  snap.Store.Reserve,
	})...)
}

// Rebuild replaces every projection table with the given state in one
// transaction. Called once recovery has brought the core up to date.
func Rebuild(ctx context.Context, db *sql.DB, snap *core.SnapshotState, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, s := range PlanRebuild(snap) {
		if _, err := tx.ExecContext(ctx, s.Query, s.Args...); err != nil {
			return fmt.Errorf("rebuild projections: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Info().
		Int64("sequence", snap.Sequence).
		Int("policies", len(snap.Store.Policies)).
		Int("claims", len(snap.Store.Claims)).
		Msg("projection rebuild complete")
	return nil
}
