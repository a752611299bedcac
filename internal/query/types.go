package query

// PolicyResponse represents a policy for API queries.
type PolicyResponse struct {
	PolicyID       uint64 `json:"policy_id"`
	Holder         string `json:"holder"`
	Premium        uint64 `json:"premium"`
	CoverageAmount uint64 `json:"coverage_amount"`
	PolicyType     string `json:"policy_type"`
	StartHeight    uint64 `json:"start_height"`
	EndHeight      uint64 `json:"end_height"`
	Active         bool   `json:"active"`
	Balance        uint64 `json:"balance"` // Remaining escrow
	AsOfSequence   int64  `json:"as_of_sequence"`
}

// ClaimResponse represents a claim for API queries.
type ClaimResponse struct {
	ClaimID         uint64 `json:"claim_id"`
	PolicyID        uint64 `json:"policy_id"`
	Claimant        string `json:"claimant"`
	Amount          uint64 `json:"amount"`
	Description     string `json:"description"`
	SubmittedHeight uint64 `json:"submitted_height"`
	Status          string `json:"status"`
	OracleVerified  bool   `json:"oracle_verified"`
	Settlement      uint64 `json:"settlement"`
	EvidenceHash    string `json:"evidence_hash,omitempty"`
	AsOfSequence    int64  `json:"as_of_sequence"`
}

// ReserveResponse is the aggregate escrow across every policy.
type ReserveResponse struct {
	Total        uint64 `json:"total"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Height        uint64 `json:"height"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`

	// Reserve as projected vs. the sum of projected policy balances
	Reserve        int64 `json:"reserve"`
	PolicyBalances int64 `json:"policy_balances"`

	// system:custody recomputed from the journal up to AsOfSequence
	CustodyBalance int64 `json:"custody_balance"`
	AsOfSequence   int64 `json:"as_of_sequence"`
}
