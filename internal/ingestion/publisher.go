package ingestion

import (
	"ClaimLedger/internal/core"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundSubjectPrefix is where applied calls are announced:
// claims.ledger.events.{event_type}
const OutboundSubjectPrefix = "claims.ledger.events"

// StreamPublisher is the subset of jetstream.JetStream the publisher uses.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes applied calls to NATS for downstream consumers.
type OutboundPublisher struct {
	js        StreamPublisher
	inputChan <-chan PublishableEvent
	logger    zerolog.Logger
}

// PublishableEvent is an applied call ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Caller         string          `json:"caller"`
	Height         uint64          `json:"height"`
	PolicyID       uint64          `json:"policy_id,omitempty"`
	ClaimID        uint64          `json:"claim_id,omitempty"`
	Amount         uint64          `json:"amount,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PublishedAt    time.Time       `json:"published_at"`
}

// PublishableFromOutput builds the outbound form of a core output.
func PublishableFromOutput(out core.CoreOutput) (PublishableEvent, error) {
	payload, err := EncodeEvent(out.Event)
	if err != nil {
		return PublishableEvent{}, err
	}
	return PublishableEvent{
		Sequence:       out.Envelope.Sequence,
		EventType:      out.Envelope.EventType.String(),
		IdempotencyKey: out.Envelope.IdempotencyKey,
		Caller:         string(out.Envelope.Caller),
		Height:         out.Envelope.Height,
		PolicyID:       out.Receipt.PolicyID,
		ClaimID:        out.Receipt.ClaimID,
		Amount:         out.Receipt.Amount,
		Payload:        payload,
		StateHash:      hex.EncodeToString(out.Envelope.StateHash[:]),
	}, nil
}

// Subject returns the outbound subject for evt.
func (evt PublishableEvent) Subject() string {
	return fmt.Sprintf("%s.%s", OutboundSubjectPrefix, evt.EventType)
}

func NewOutboundPublisher(js StreamPublisher, inputChan <-chan PublishableEvent, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can read the event log directly
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	evt.PublishedAt = time.Now().UTC()
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Dedup on the stream side by sequence
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(fmt.Sprintf("claimledger-%d", evt.Sequence)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "CLAIMS_LEDGER_EVENTS",
		Subjects:  []string{OutboundSubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", "CLAIMS_LEDGER_EVENTS").Msg("ensured outbound stream")
	return nil
}
