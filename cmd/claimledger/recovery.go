package main

import (
	"ClaimLedger/internal/core"
	"ClaimLedger/internal/ingestion"
	"ClaimLedger/internal/observability"
	"ClaimLedger/internal/persistence"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

// recoverEngine restores the engine from the latest verified snapshot and replays
// the event log tail on top of it. Every replayed event must land on its
// logged sequence and state hash.
func recoverEngine(
	ctx context.Context,
	engine *core.Engine,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return err
	}

	if snap != nil {
		coreSnap, err := snap.ToCore()
		if err != nil {
			return fmt.Errorf("decode snapshot at sequence %d: %w", snap.Sequence, err)
		}
		if err := engine.RestoreFromSnapshot(coreSnap); err != nil {
			return err
		}
		logger.Info().
			Int64("sequence", snap.Sequence).
			Int("policies", len(coreSnap.Store.Policies)).
			Int("claims", len(coreSnap.Store.Claims)).
			Msg("restored from snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	start := time.Now()
	replayed, err := replayEventsFromLog(ctx, snapMgr, engine, engine.GetSequence())
	if err != nil {
		return fmt.Errorf("event replay failed: %w", err)
	}

	if metrics != nil {
		metrics.ReplayEventsTotal.Add(float64(replayed))
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	if replayed > 0 {
		logger.Info().
			Int64("events", replayed).
			Int64("next_sequence", engine.GetSequence()).
			Dur("took", time.Since(start)).
			Msg("replayed event log")
	}

	return engine.CheckInvariants()
}

// replayEventsFromLog replays events from the event log starting at fromSequence.
func replayEventsFromLog(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	engine *core.Engine,
	fromSequence int64,
) (int64, error) {
	var total int64

	for {
		events, err := snapMgr.LoadEventsFrom(ctx, fromSequence, replayBatchSize)
		if err != nil {
			return total, fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}
		if len(events) == 0 {
			return total, nil
		}

		for _, row := range events {
			evt, err := ingestion.DecodeEvent(row.EventType, row.Payload)
			if err != nil {
				return total, fmt.Errorf("decode seq %d (%s): %w", row.Sequence, row.EventType, err)
			}

			var hash [32]byte
			if len(row.StateHash) != len(hash) {
				return total, fmt.Errorf("seq %d: stored state hash has %d bytes", row.Sequence, len(row.StateHash))
			}
			copy(hash[:], row.StateHash)

			if err := engine.Replay(evt, row.Sequence, hash); err != nil {
				return total, err
			}
			total++
		}

		fromSequence = events[len(events)-1].Sequence + 1
	}
}
