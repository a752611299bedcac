package main

import (
	"ClaimLedger/internal/core"
	"ClaimLedger/internal/ingestion"
	"ClaimLedger/internal/observability"
	"ClaimLedger/internal/persistence"

	"github.com/rs/zerolog"
)

// bridgeOutputs turns core outputs into event-log records and outbound
// messages. It runs until persistIn is closed, then closes both outputs.
// Records are sent blocking so the core feels persistence backpressure;
// outbound messages are dropped when the publisher falls behind.
func bridgeOutputs(
	persistIn <-chan core.CoreOutput,
	persistOut chan<- persistence.Record,
	publishOut chan<- ingestion.PublishableEvent,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) {
	defer close(persistOut)
	defer close(publishOut)

	for output := range persistIn {
		payload, err := ingestion.EncodeEvent(output.Event)
		if err != nil {
			// Without a payload the event can never be replayed
			logger.Fatal().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("encode event for event log")
		}

		persistOut <- persistence.RecordFromOutput(output, payload)

		pub, err := ingestion.PublishableFromOutput(output)
		if err != nil {
			logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("build outbound event")
			continue
		}
		select {
		case publishOut <- pub:
		default:
			if metrics != nil {
				metrics.PublishDrops.Inc()
			}
		}

		if metrics != nil {
			metrics.SetChannelMetrics("persist", len(persistOut), cap(persistOut))
			metrics.SetChannelMetrics("publish", len(publishOut), cap(publishOut))
		}
	}
}
