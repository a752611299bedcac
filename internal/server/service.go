package server

import (
	"ClaimLedger/internal/core"
	"ClaimLedger/internal/event"
	"ClaimLedger/internal/ingestion"
	"ClaimLedger/internal/ledger"
	"ClaimLedger/internal/query"
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully-qualified gRPC service name.
	ServiceName = "claimledger.v1.ClaimLedgerService"

	// MetadataCaller carries the authenticated principal.
	MetadataCaller = "x-caller-identity"
	// MetadataHeight carries the logical clock of the call.
	MetadataHeight = "x-ledger-height"
)

// Submitter hands a call to the core and waits for its receipt.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (event.Receipt, error)
}

// Queries is the read side served from the projection tables.
type Queries interface {
	GetPolicy(ctx context.Context, policyID uint64) (*query.PolicyResponse, error)
	GetClaim(ctx context.Context, claimID uint64) (*query.ClaimResponse, error)
	ListClaimsByPolicy(ctx context.Context, policyID uint64, limit int, afterClaimID *uint64) ([]query.ClaimResponse, error)
	GetReserve(ctx context.Context) (*query.ReserveResponse, error)
	GetJournalHistory(ctx context.Context, holder ledger.Identity, limit int, afterSequence *int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// Admin exposes operational hooks owned by the process wiring.
type Admin interface {
	GetLatestSequence(ctx context.Context) (int64, error)
	TakeSnapshot(ctx context.Context) (int64, error)
}

// ClaimLedgerServiceServer is the server API for ClaimLedgerService.
// Every message is a google.protobuf.Struct whose fields use the same
// snake_case names as the NATS payloads.
type ClaimLedgerServiceServer interface {
	CreatePolicy(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitClaim(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VerifyClaim(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SettleFlat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SettleWithRiskAssessment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FundWallet(context.Context, *structpb.Struct) (*structpb.Struct, error)

	GetPolicy(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetClaim(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListClaimsByPolicy(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetReserve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListJournals(context.Context, *structpb.Struct) (*structpb.Struct, error)

	VerifyIntegrity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetEventLogInfo(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TakeSnapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type rpcFunc func(ClaimLedgerServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

var rpcs = []struct {
	name string
	call rpcFunc
}{
	{"CreatePolicy", ClaimLedgerServiceServer.CreatePolicy},
	{"SubmitClaim", ClaimLedgerServiceServer.SubmitClaim},
	{"VerifyClaim", ClaimLedgerServiceServer.VerifyClaim},
	{"SettleFlat", ClaimLedgerServiceServer.SettleFlat},
	{"SettleWithRiskAssessment", ClaimLedgerServiceServer.SettleWithRiskAssessment},
	{"FundWallet", ClaimLedgerServiceServer.FundWallet},
	{"GetPolicy", ClaimLedgerServiceServer.GetPolicy},
	{"GetClaim", ClaimLedgerServiceServer.GetClaim},
	{"ListClaimsByPolicy", ClaimLedgerServiceServer.ListClaimsByPolicy},
	{"GetReserve", ClaimLedgerServiceServer.GetReserve},
	{"ListJournals", ClaimLedgerServiceServer.ListJournals},
	{"VerifyIntegrity", ClaimLedgerServiceServer.VerifyIntegrity},
	{"GetEventLogInfo", ClaimLedgerServiceServer.GetEventLogInfo},
	{"TakeSnapshot", ClaimLedgerServiceServer.TakeSnapshot},
}

// ServiceDesc describes ClaimLedgerService for grpc.Server.RegisterService.
var ServiceDesc = buildServiceDesc()

func buildServiceDesc() grpc.ServiceDesc {
	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*ClaimLedgerServiceServer)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "claimledger/v1/service.proto",
	}
	for _, r := range rpcs {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: r.name,
			Handler:    unaryHandler("/"+ServiceName+"/"+r.name, r.call),
		})
	}
	return desc
}

func unaryHandler(fullMethod string, call rpcFunc) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ClaimLedgerServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(ClaimLedgerServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// LedgerService implements ClaimLedgerServiceServer on top of the core's
// submission channel and the query service.
type LedgerService struct {
	submitter Submitter
	queries   Queries
	admin     Admin
}

func NewLedgerService(submitter Submitter, queries Queries, admin Admin) *LedgerService {
	return &LedgerService{submitter: submitter, queries: queries, admin: admin}
}

// ============================================================================
// Commands
// ============================================================================

func (s *LedgerService) CreatePolicy(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.submit(ctx, "CreatePolicy", req)
	if err != nil {
		return nil, err
	}
	return receiptStruct(r, map[string]interface{}{"policy_id": r.PolicyID})
}

func (s *LedgerService) SubmitClaim(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.submit(ctx, "SubmitClaim", req)
	if err != nil {
		return nil, err
	}
	return receiptStruct(r, map[string]interface{}{"claim_id": r.ClaimID})
}

func (s *LedgerService) VerifyClaim(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.submit(ctx, "VerifyClaim", req)
	if err != nil {
		return nil, err
	}
	return receiptStruct(r, map[string]interface{}{"verified": r.Verified})
}

func (s *LedgerService) SettleFlat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.submit(ctx, "SettleFlat", req)
	if err != nil {
		return nil, err
	}
	return receiptStruct(r, map[string]interface{}{"amount": r.Amount})
}

func (s *LedgerService) SettleWithRiskAssessment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.submit(ctx, "SettleWithRiskAssessment", req)
	if err != nil {
		return nil, err
	}
	return receiptStruct(r, map[string]interface{}{"amount": r.Amount})
}

func (s *LedgerService) FundWallet(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.submit(ctx, "FundWallet", req)
	if err != nil {
		return nil, err
	}
	return receiptStruct(r, map[string]interface{}{"amount": r.Amount})
}

// submit builds the call from the request fields plus the caller and height
// metadata, then waits for the core's receipt. A missing request_id gets a
// fresh one, which makes the call non-retryable.
func (s *LedgerService) submit(ctx context.Context, eventType string, req *structpb.Struct) (event.Receipt, error) {
	caller, height, err := callFromMetadata(ctx)
	if err != nil {
		return event.Receipt{}, err
	}

	fields, err := commandFields(req)
	if err != nil {
		return event.Receipt{}, err
	}
	fields["caller"] = caller
	fields["height"] = height
	if id, _ := fields["request_id"].(string); id == "" {
		fields["request_id"] = uuid.NewString()
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return event.Receipt{}, status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}
	evt, err := ingestion.DecodeEvent(eventType, data)
	if err != nil {
		return event.Receipt{}, status.Errorf(codes.InvalidArgument, "%v", err)
	}

	receipt, err := s.submitter.Submit(ctx, evt)
	if err != nil {
		return event.Receipt{}, toStatus(err)
	}
	// The core keeps no result for a replayed request id, so there are no
	// ids or amounts to return.
	if receipt.Duplicate {
		return event.Receipt{}, status.Errorf(codes.AlreadyExists, "request %s already applied", evt.IdempotencyKey())
	}
	return receipt, nil
}

func callFromMetadata(ctx context.Context) (string, uint64, error) {
	md, _ := metadata.FromIncomingContext(ctx)

	caller := firstValue(md, MetadataCaller)
	if caller == "" {
		return "", 0, status.Errorf(codes.Unauthenticated, "%s metadata is required", MetadataCaller)
	}

	raw := firstValue(md, MetadataHeight)
	if raw == "" {
		return "", 0, status.Errorf(codes.InvalidArgument, "%s metadata is required", MetadataHeight)
	}
	height, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return "", 0, status.Errorf(codes.InvalidArgument, "invalid %s: %v", MetadataHeight, err)
	}
	return caller, height, nil
}

func firstValue(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func receiptStruct(r event.Receipt, fields map[string]interface{}) (*structpb.Struct, error) {
	fields["sequence"] = r.Sequence
	return newStruct(fields)
}

// ============================================================================
// Queries
// ============================================================================

func (s *LedgerService) GetPolicy(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requiredID(req, "policy_id")
	if err != nil {
		return nil, err
	}
	p, err := s.queries.GetPolicy(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]interface{}{
		"policy_id":       p.PolicyID,
		"holder":          p.Holder,
		"premium":         p.Premium,
		"coverage_amount": p.CoverageAmount,
		"policy_type":     p.PolicyType,
		"start_height":    p.StartHeight,
		"end_height":      p.EndHeight,
		"active":          p.Active,
		"balance":         p.Balance,
		"as_of_sequence":  p.AsOfSequence,
	})
}

func (s *LedgerService) GetClaim(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requiredID(req, "claim_id")
	if err != nil {
		return nil, err
	}
	c, err := s.queries.GetClaim(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(claimFields(*c))
}

func (s *LedgerService) ListClaimsByPolicy(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	policyID, err := requiredID(req, "policy_id")
	if err != nil {
		return nil, err
	}

	var after *uint64
	if id, ok, err := optionalUint(req, "after_claim_id"); err != nil {
		return nil, err
	} else if ok {
		after = &id
	}
	pageSize, err := pageSizeOf(req)
	if err != nil {
		return nil, err
	}

	claims, err := s.queries.ListClaimsByPolicy(ctx, policyID, pageSize, after)
	if err != nil {
		return nil, toStatus(err)
	}

	list := make([]interface{}, 0, len(claims))
	asOf := int64(-1)
	for _, c := range claims {
		list = append(list, claimFields(c))
		asOf = c.AsOfSequence
	}
	return newStruct(map[string]interface{}{"claims": list, "as_of_sequence": asOf})
}

func (s *LedgerService) GetReserve(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.queries.GetReserve(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]interface{}{"total": r.Total, "as_of_sequence": r.AsOfSequence})
}

func (s *LedgerService) ListJournals(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	holder := req.GetFields()["holder"].GetStringValue()
	if holder == "" {
		return nil, status.Error(codes.InvalidArgument, "holder is required")
	}

	var before *int64
	if seq, ok, err := optionalUint(req, "before_sequence"); err != nil {
		return nil, err
	} else if ok {
		if seq > math.MaxInt64 {
			return nil, status.Error(codes.InvalidArgument, "before_sequence out of range")
		}
		v := int64(seq)
		before = &v
	}
	pageSize, err := pageSizeOf(req)
	if err != nil {
		return nil, err
	}

	entries, err := s.queries.GetJournalHistory(ctx, ledger.Identity(holder), pageSize, before)
	if err != nil {
		return nil, toStatus(err)
	}

	list := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		list = append(list, map[string]interface{}{
			"journal_id":     e.JournalID,
			"batch_id":       e.BatchID,
			"event_ref":      e.EventRef,
			"sequence":       e.Sequence,
			"debit_account":  e.DebitAccount,
			"credit_account": e.CreditAccount,
			"amount":         e.Amount,
			"journal_type":   ledger.JournalType(e.JournalType).String(),
			"height":         e.Height,
		})
	}
	return newStruct(map[string]interface{}{"journals": list})
}

// ============================================================================
// Admin
// ============================================================================

func (s *LedgerService) VerifyIntegrity(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	report, err := s.queries.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}

	breaks := make([]interface{}, 0, len(report.HashChainBreaks))
	for _, seq := range report.HashChainBreaks {
		breaks = append(breaks, seq)
	}
	return newStruct(map[string]interface{}{
		"passed":            report.IsHealthy,
		"hash_chain_breaks": breaks,
		"reserve":           report.Reserve,
		"policy_balances":   report.PolicyBalances,
		"custody_balance":   report.CustodyBalance,
		"as_of_sequence":    report.AsOfSequence,
	})
}

func (s *LedgerService) GetEventLogInfo(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.admin == nil {
		return nil, status.Error(codes.Unimplemented, "admin API disabled")
	}
	seq, err := s.admin.GetLatestSequence(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]interface{}{"last_sequence": seq})
}

func (s *LedgerService) TakeSnapshot(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.admin == nil {
		return nil, status.Error(codes.Unimplemented, "admin API disabled")
	}
	seq, err := s.admin.TakeSnapshot(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]interface{}{"sequence": seq})
}

// ============================================================================
// Helpers
// ============================================================================

func claimFields(c query.ClaimResponse) map[string]interface{} {
	return map[string]interface{}{
		"claim_id":         c.ClaimID,
		"policy_id":        c.PolicyID,
		"claimant":         c.Claimant,
		"amount":           c.Amount,
		"description":      c.Description,
		"submitted_height": c.SubmittedHeight,
		"status":           c.Status,
		"oracle_verified":  c.OracleVerified,
		"settlement":       c.Settlement,
		"evidence_hash":    c.EvidenceHash,
		"as_of_sequence":   c.AsOfSequence,
	}
}

// maxExactInteger bounds the integers a float64 number value carries
// without rounding. Anything at or past it is sent as a decimal string.
const maxExactInteger = 1 << 53

// numericFields are the command fields decoded into uint64s by the core.
var numericFields = map[string]bool{
	"premium":         true,
	"coverage_amount": true,
	"duration":        true,
	"policy_id":       true,
	"claim_id":        true,
	"amount":          true,
	"risk_score":      true,
	"damage_score":    true,
}

// commandFields converts a request into wire-format fields. Numeric fields
// become exact json.Numbers; a value that may have been rounded in transit
// is refused.
func commandFields(req *structpb.Struct) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(req.GetFields())+3)
	for name, v := range req.GetFields() {
		if !numericFields[name] {
			fields[name] = v.AsInterface()
			continue
		}
		n, err := exactUint(v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
		}
		fields[name] = json.Number(strconv.FormatUint(n, 10))
	}
	return fields, nil
}

// exactUint reads a non-negative integer from a number or a decimal string.
func exactUint(v *structpb.Value) (uint64, error) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := k.NumberValue
		if n < 0 || n != math.Trunc(n) {
			return 0, errors.New("must be a non-negative integer")
		}
		if n >= maxExactInteger {
			return 0, errors.New("not exactly representable as a number, send it as a decimal string")
		}
		return uint64(n), nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseUint(k.StringValue, 10, 64)
		if err != nil {
			return 0, errors.New("must be a non-negative decimal integer")
		}
		return n, nil
	default:
		return 0, errors.New("must be a number or a decimal string")
	}
}

func newStruct(fields map[string]interface{}) (*structpb.Struct, error) {
	exactValue(fields)
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

// exactValue turns integers a float64 would round into decimal strings,
// in place for maps and lists.
func exactValue(v interface{}) interface{} {
	switch n := v.(type) {
	case uint64:
		if n >= maxExactInteger {
			return strconv.FormatUint(n, 10)
		}
	case int64:
		if n >= maxExactInteger || n <= -maxExactInteger {
			return strconv.FormatInt(n, 10)
		}
	case map[string]interface{}:
		for k, e := range n {
			n[k] = exactValue(e)
		}
	case []interface{}:
		for i, e := range n {
			n[i] = exactValue(e)
		}
	}
	return v
}

func optionalUint(req *structpb.Struct, field string) (uint64, bool, error) {
	v, ok := req.GetFields()[field]
	if !ok {
		return 0, false, nil
	}
	n, err := exactUint(v)
	if err != nil {
		return 0, false, status.Errorf(codes.InvalidArgument, "%s: %v", field, err)
	}
	return n, true, nil
}

func requiredID(req *structpb.Struct, field string) (uint64, error) {
	id, ok, err := optionalUint(req, field)
	if err != nil || !ok || id == 0 {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a positive integer", field)
	}
	return id, nil
}

func pageSizeOf(req *structpb.Struct) (int, error) {
	n, _, err := optionalUint(req, "page_size")
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt32 {
		return 0, status.Error(codes.InvalidArgument, "page_size out of range")
	}
	return int(n), nil
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, core.ErrUnauthorized):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, core.ErrPolicyNotFound),
		errors.Is(err, core.ErrClaimNotFound),
		errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, core.ErrInsufficientFunds):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, core.ErrPolicyExpired),
		errors.Is(err, core.ErrClaimAlreadyProcessed),
		errors.Is(err, core.ErrTransferFailed),
		errors.Is(err, core.ErrClockRegression):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
