package ingestion

import (
	"ClaimLedger/internal/event"
	"ClaimLedger/internal/observability"
	"context"
)

// GRPCIngestService hands calls from the RPC surface to the core and waits
// for the receipt. It shares the core's input channel with the NATS
// dispatcher, so RPC and NATS calls are applied in one total order.
type GRPCIngestService struct {
	submitChan chan<- event.Submission
	metrics    *observability.Metrics
}

func NewGRPCIngestService(submitChan chan<- event.Submission, metrics *observability.Metrics) *GRPCIngestService {
	return &GRPCIngestService{submitChan: submitChan, metrics: metrics}
}

// Submit applies evt and returns its receipt. If ctx ends after the call
// was queued, the call may still be applied; retrying with the same request
// id is safe.
func (s *GRPCIngestService) Submit(ctx context.Context, evt event.Event) (event.Receipt, error) {
	reply := make(chan event.Result, 1)

	select {
	case s.submitChan <- event.Submission{Event: evt, Reply: reply}:
	case <-ctx.Done():
		s.record("cancelled")
		return event.Receipt{}, ctx.Err()
	}

	select {
	case res := <-reply:
		if res.Err != nil {
			s.record("rejected")
		} else {
			s.record("accepted")
		}
		return res.Receipt, res.Err
	case <-ctx.Done():
		s.record("cancelled")
		return event.Receipt{}, ctx.Err()
	}
}

func (s *GRPCIngestService) record(outcome string) {
	if s.metrics != nil {
		s.metrics.IngestMessages.WithLabelValues("grpc", outcome).Inc()
	}
}
