package event

// Receipt is the result of one applied call.
type Receipt struct {
	Sequence  int64
	EventType EventType

	PolicyID uint64 // CreatePolicy
	ClaimID  uint64 // SubmitClaim and the settlement calls
	Amount   uint64 // Settlement paid, or wallet credit
	Verified bool   // VerifyClaim echo

	// Duplicate is set when the request id was already applied.
	// No state changed and the other fields are zero.
	Duplicate bool
}

// Submission pairs a call with the channel its result is delivered on.
// Reply must be buffered so the core never blocks on a departed caller.
type Submission struct {
	Event Event
	Reply chan<- Result
}

// Result is what the core sends back on a Submission's reply channel.
type Result struct {
	Receipt Receipt
	Err     error
}
