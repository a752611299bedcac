package ingestion

import (
	"ClaimLedger/internal/event"
	"ClaimLedger/internal/observability"
	"context"

	"github.com/rs/zerolog"
)

// Dispatcher turns raw NATS messages into core submissions.
//
// Messages are acked once they are handed to the core channel, not after the
// core applies them. A slow core therefore never trips AckWait, and a full
// channel blocks the dispatcher which in turn stalls NATS delivery.
// Unroutable and unparseable messages are acked and dropped; redelivering
// them would fail the same way.
type Dispatcher struct {
	router  *SubjectRouter
	out     chan<- event.Submission
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewDispatcher(router *SubjectRouter, out chan<- event.Submission, logger zerolog.Logger, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		router:  router,
		out:     out,
		logger:  logger,
		metrics: metrics,
	}
}

// Run drains rawChan until ctx is cancelled or rawChan is closed.
func (d *Dispatcher) Run(ctx context.Context, rawChan <-chan RawEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}
			if !d.dispatch(ctx, raw) {
				return
			}
		}
	}
}

// dispatch handles one message and reports false once ctx is done.
func (d *Dispatcher) dispatch(ctx context.Context, raw RawEvent) bool {
	eventType := d.router.Resolve(raw.Subject)
	if eventType == "" {
		d.logger.Warn().Str("subject", raw.Subject).Msg("unknown NATS subject")
		d.record("unroutable")
		ack(raw)
		return true
	}

	evt, err := ParseRawEvent(raw, eventType)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse event failed")
		d.record("invalid")
		ack(raw)
		return true
	}

	select {
	case d.out <- event.Submission{Event: evt}:
		d.record("accepted")
		ack(raw)
		return true
	case <-ctx.Done():
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
		return false
	}
}

func (d *Dispatcher) record(outcome string) {
	if d.metrics != nil {
		d.metrics.IngestMessages.WithLabelValues("nats", outcome).Inc()
	}
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}
