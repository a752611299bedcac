package ingestion

import (
	"ClaimLedger/internal/event"
	"ClaimLedger/internal/ledger"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a typed event.Event.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	return DecodeEvent(eventType, raw.Data)
}

// DecodeEvent parses the JSON wire form of a call. The same format is stored
// as the event log payload, so replay decodes with this too.
func DecodeEvent(eventType string, data []byte) (event.Event, error) {
	switch eventType {
	case "CreatePolicy":
		return parseCreatePolicy(data)
	case "SubmitClaim":
		return parseSubmitClaim(data)
	case "VerifyClaim":
		return parseVerifyClaim(data)
	case "SettleFlat":
		return parseSettleFlat(data)
	case "SettleWithRiskAssessment":
		return parseSettleWithRiskAssessment(data)
	case "FundWallet":
		return parseFundWallet(data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// EncodeEvent is the inverse of DecodeEvent.
func EncodeEvent(evt event.Event) ([]byte, error) {
	var v interface{}
	switch e := evt.(type) {
	case *event.CreatePolicy:
		v = createPolicyJSON{
			callJSON:       toCallJSON(e.Call, e.RequestID),
			Premium:        e.Premium,
			CoverageAmount: e.CoverageAmount,
			PolicyType:     e.PolicyType,
			Duration:       e.Duration,
		}
	case *event.SubmitClaim:
		v = submitClaimJSON{
			callJSON:    toCallJSON(e.Call, e.RequestID),
			PolicyID:    e.PolicyID,
			Amount:      e.Amount,
			Description: e.Description,
		}
	case *event.VerifyClaim:
		v = verifyClaimJSON{
			callJSON: toCallJSON(e.Call, e.RequestID),
			ClaimID:  e.ClaimID,
			Verified: e.Verified,
		}
	case *event.SettleFlat:
		v = settleFlatJSON{
			callJSON: toCallJSON(e.Call, e.RequestID),
			ClaimID:  e.ClaimID,
		}
	case *event.SettleWithRiskAssessment:
		v = riskAssessmentJSON{
			callJSON:        toCallJSON(e.Call, e.RequestID),
			ClaimID:         e.ClaimID,
			RiskScore:       e.RiskScore,
			FraudIndicators: e.FraudIndicators,
			EvidenceHash:    e.EvidenceHash,
			DamageScore:     e.DamageScore,
		}
	case *event.FundWallet:
		v = fundWalletJSON{
			callJSON: toCallJSON(e.Call, e.RequestID),
			Holder:   string(e.Holder),
			Amount:   e.Amount,
		}
	default:
		return nil, fmt.Errorf("encode: unsupported event %T", evt)
	}
	return json.Marshal(v)
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

// callJSON carries the host context every call payload embeds.
type callJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Height    uint64 `json:"height"`
}

func toCallJSON(c event.Call, requestID uuid.UUID) callJSON {
	return callJSON{
		RequestID: requestID.String(),
		Caller:    string(c.From),
		Height:    c.At,
	}
}

func (j callJSON) parse() (event.Call, uuid.UUID, error) {
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return event.Call{}, uuid.Nil, fmt.Errorf("parse request_id: %w", err)
	}
	return event.Call{From: ledger.Identity(j.Caller), At: j.Height}, requestID, nil
}

type createPolicyJSON struct {
	callJSON
	Premium        uint64 `json:"premium"`
	CoverageAmount uint64 `json:"coverage_amount"`
	PolicyType     string `json:"policy_type"`
	Duration       uint64 `json:"duration"`
}

func parseCreatePolicy(data []byte) (*event.CreatePolicy, error) {
	var j createPolicyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CreatePolicy: %w", err)
	}
	call, requestID, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.CreatePolicy{
		Call:           call,
		RequestID:      requestID,
		Premium:        j.Premium,
		CoverageAmount: j.CoverageAmount,
		PolicyType:     j.PolicyType,
		Duration:       j.Duration,
	}, nil
}

type submitClaimJSON struct {
	callJSON
	PolicyID    uint64 `json:"policy_id"`
	Amount      uint64 `json:"amount"`
	Description string `json:"description"`
}

func parseSubmitClaim(data []byte) (*event.SubmitClaim, error) {
	var j submitClaimJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SubmitClaim: %w", err)
	}
	call, requestID, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.SubmitClaim{
		Call:        call,
		RequestID:   requestID,
		PolicyID:    j.PolicyID,
		Amount:      j.Amount,
		Description: j.Description,
	}, nil
}

type verifyClaimJSON struct {
	callJSON
	ClaimID  uint64 `json:"claim_id"`
	Verified bool   `json:"verified"`
}

func parseVerifyClaim(data []byte) (*event.VerifyClaim, error) {
	var j verifyClaimJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse VerifyClaim: %w", err)
	}
	call, requestID, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.VerifyClaim{
		Call:      call,
		RequestID: requestID,
		ClaimID:   j.ClaimID,
		Verified:  j.Verified,
	}, nil
}

type settleFlatJSON struct {
	callJSON
	ClaimID uint64 `json:"claim_id"`
}

func parseSettleFlat(data []byte) (*event.SettleFlat, error) {
	var j settleFlatJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SettleFlat: %w", err)
	}
	call, requestID, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.SettleFlat{
		Call:      call,
		RequestID: requestID,
		ClaimID:   j.ClaimID,
	}, nil
}

type riskAssessmentJSON struct {
	callJSON
	ClaimID         uint64   `json:"claim_id"`
	RiskScore       uint8    `json:"risk_score"`
	FraudIndicators []string `json:"fraud_indicators,omitempty"`
	EvidenceHash    string   `json:"evidence_hash,omitempty"`
	DamageScore     uint8    `json:"damage_score"`
}

func parseSettleWithRiskAssessment(data []byte) (*event.SettleWithRiskAssessment, error) {
	var j riskAssessmentJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SettleWithRiskAssessment: %w", err)
	}
	call, requestID, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.SettleWithRiskAssessment{
		Call:            call,
		RequestID:       requestID,
		ClaimID:         j.ClaimID,
		RiskScore:       j.RiskScore,
		FraudIndicators: j.FraudIndicators,
		EvidenceHash:    j.EvidenceHash,
		DamageScore:     j.DamageScore,
	}, nil
}

type fundWalletJSON struct {
	callJSON
	Holder string `json:"holder"`
	Amount uint64 `json:"amount"`
}

func parseFundWallet(data []byte) (*event.FundWallet, error) {
	var j fundWalletJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FundWallet: %w", err)
	}
	call, requestID, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.FundWallet{
		Call:      call,
		RequestID: requestID,
		Holder:    ledger.Identity(j.Holder),
		Amount:    j.Amount,
	}, nil
}
