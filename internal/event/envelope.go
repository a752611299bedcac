package event

import "ClaimLedger/internal/ledger"

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeCreatePolicy
	EventTypeSubmitClaim
	EventTypeVerifyClaim
	EventTypeSettleFlat
	EventTypeSettleWithRiskAssessment
	EventTypeFundWallet
)

// EventEnvelope wraps every applied call in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Authenticated principal supplied by the host ledger
	Caller ledger.Identity

	// Logical clock of the call (NOT wall-clock)
	Height uint64

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all call payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Caller returns the authenticated identity of the principal
	Caller() ledger.Identity

	// Height returns the logical clock the call runs at
	Height() uint64
}

// Call carries the host-supplied context every operation receives.
type Call struct {
	From ledger.Identity
	At   uint64
}

func (c Call) Caller() ledger.Identity {
	return c.From
}

func (c Call) Height() uint64 {
	return c.At
}

var eventTypeNames = map[EventType]string{
	EventTypeCreatePolicy:             "CreatePolicy",
	EventTypeSubmitClaim:              "SubmitClaim",
	EventTypeVerifyClaim:              "VerifyClaim",
	EventTypeSettleFlat:               "SettleFlat",
	EventTypeSettleWithRiskAssessment: "SettleWithRiskAssessment",
	EventTypeFundWallet:               "FundWallet",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) (EventType, bool) {
	for et, name := range eventTypeNames {
		if name == s {
			return et, true
		}
	}
	return EventTypeUnknown, false
}
