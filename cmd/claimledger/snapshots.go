package main

import (
	"ClaimLedger/internal/core"
	"ClaimLedger/internal/observability"
	"ClaimLedger/internal/persistence"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// errLogBehind is returned when the event log has not caught up with a
// snapshot in time. The snapshot stays unverified and is never loaded.
var errLogBehind = errors.New("event log behind snapshot")

// snapshotter captures engine state between calls and persists it. It also
// serves the admin RPCs.
type snapshotter struct {
	requests chan<- chan<- *core.SnapshotState
	snapMgr  *persistence.SnapshotManager
	metrics  *observability.Metrics
	logger   zerolog.Logger

	// verifyWait bounds how long a snapshot waits for the persistence
	// worker to flush up to its sequence.
	verifyWait time.Duration
}

func (s *snapshotter) GetLatestSequence(ctx context.Context) (int64, error) {
	return s.snapMgr.GetLatestSequence(ctx)
}

// TakeSnapshot asks the core loop for its state and stores it.
func (s *snapshotter) TakeSnapshot(ctx context.Context) (int64, error) {
	reply := make(chan *core.SnapshotState, 1)
	select {
	case s.requests <- reply:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case state := <-reply:
		return state.Sequence, s.store(ctx, state)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// store saves the snapshot and marks it verified once the event log holds
// every event it covers.
func (s *snapshotter) store(ctx context.Context, state *core.SnapshotState) error {
	if state.Sequence < 0 {
		return fmt.Errorf("nothing to snapshot")
	}
	start := time.Now()

	data := persistence.SnapshotFromCore(state)
	size, err := s.snapMgr.SaveSnapshot(ctx, data)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	if err := s.waitForLog(ctx, state.Sequence); err != nil {
		return err
	}
	if err := s.snapMgr.MarkVerified(ctx, state.Sequence); err != nil {
		return fmt.Errorf("mark snapshot verified: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(state.Sequence))
	}
	s.logger.Info().Int64("sequence", state.Sequence).Int("bytes", size).Msg("snapshot saved")
	return nil
}

func (s *snapshotter) waitForLog(ctx context.Context, sequence int64) error {
	deadline := time.Now().Add(s.verifyWait)
	for {
		latest, err := s.snapMgr.GetLatestSequence(ctx)
		if err != nil {
			return fmt.Errorf("latest sequence: %w", err)
		}
		if latest >= sequence {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: log at %d, snapshot at %d", errLogBehind, latest, sequence)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// runPeriodic takes a snapshot whenever interval events have reached the
// event log since the last one. startSeq is the sequence recovery ended on.
func (s *snapshotter) runPeriodic(ctx context.Context, interval, startSeq int64) {
	lastSnapshotSeq := startSeq
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			latest, err := s.snapMgr.GetLatestSequence(ctx)
			if err != nil {
				s.logger.Warn().Err(err).Msg("read latest sequence")
				continue
			}
			if latest-lastSnapshotSeq < interval {
				continue
			}
			seq, err := s.TakeSnapshot(ctx)
			if err != nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSnapshotSeq = seq
		}
	}
}
