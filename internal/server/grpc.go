package server

import (
	"ClaimLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	service       ClaimLedgerServiceServer
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	healthServer  *health.Server
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the gRPC services.
type ServerDeps struct {
	Submitter     Submitter
	Queries       Queries
	Admin         Admin
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	svc := NewLedgerService(deps.Submitter, deps.Queries, deps.Admin)

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(metricsInterceptor(deps.Metrics)))
	grpcServer.RegisterService(&ServiceDesc, svc)

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		service:       svc,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		healthServer:  healthServer,
		metrics:       deps.Metrics,
		logger:        deps.Logger,
	}
}

// SetServing flips the gRPC health status once recovery has finished.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus(ServiceName, st)
	s.healthServer.SetServingStatus("", st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.Serve(ctx, lis)
}

// Serve runs the gRPC server on an existing listener until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON routes (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	mux, err := NewGatewayMux(s.service, s.metrics)
	if err != nil {
		return err
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           httpMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// route binds one HTTP path to one RPC.
type route struct {
	method  string
	pattern string
	rpc     string
	call    rpcFunc
}

var routes = []route{
	{"POST", "/v1/policies", "CreatePolicy", ClaimLedgerServiceServer.CreatePolicy},
	{"POST", "/v1/claims", "SubmitClaim", ClaimLedgerServiceServer.SubmitClaim},
	{"POST", "/v1/claims/{claim_id}/verify", "VerifyClaim", ClaimLedgerServiceServer.VerifyClaim},
	{"POST", "/v1/claims/{claim_id}/settle", "SettleFlat", ClaimLedgerServiceServer.SettleFlat},
	{"POST", "/v1/claims/{claim_id}/assess", "SettleWithRiskAssessment", ClaimLedgerServiceServer.SettleWithRiskAssessment},
	{"POST", "/v1/wallets/{holder}/fund", "FundWallet", ClaimLedgerServiceServer.FundWallet},
	{"GET", "/v1/policies/{policy_id}", "GetPolicy", ClaimLedgerServiceServer.GetPolicy},
	{"GET", "/v1/policies/{policy_id}/claims", "ListClaimsByPolicy", ClaimLedgerServiceServer.ListClaimsByPolicy},
	{"GET", "/v1/claims/{claim_id}", "GetClaim", ClaimLedgerServiceServer.GetClaim},
	{"GET", "/v1/reserve", "GetReserve", ClaimLedgerServiceServer.GetReserve},
	{"GET", "/v1/wallets/{holder}/journals", "ListJournals", ClaimLedgerServiceServer.ListJournals},
	{"GET", "/v1/admin/integrity", "VerifyIntegrity", ClaimLedgerServiceServer.VerifyIntegrity},
	{"GET", "/v1/admin/event-log", "GetEventLogInfo", ClaimLedgerServiceServer.GetEventLogInfo},
	{"POST", "/v1/admin/snapshots", "TakeSnapshot", ClaimLedgerServiceServer.TakeSnapshot},
}

// NewGatewayMux builds a grpc-gateway ServeMux that serves every RPC as
// HTTP/JSON in-process. Caller and height travel as the X-Caller-Identity
// and X-Ledger-Height headers.
func NewGatewayMux(svc ClaimLedgerServiceServer, metrics *observability.Metrics) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux(
		runtime.WithIncomingHeaderMatcher(headerMatcher),
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONPb{}),
	)

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, gatewayHandler(mux, svc, rt, metrics)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

func headerMatcher(key string) (string, bool) {
	switch k := strings.ToLower(key); k {
	case MetadataCaller, MetadataHeight:
		return k, true
	}
	return runtime.DefaultHeaderMatcher(key)
}

func gatewayHandler(mux *runtime.ServeMux, svc ClaimLedgerServiceServer, rt route, metrics *observability.Metrics) runtime.HandlerFunc {
	fullMethod := "/" + ServiceName + "/" + rt.rpc

	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		inbound, outbound := runtime.MarshalerForRequest(mux, r)

		ctx, err := runtime.AnnotateIncomingContext(r.Context(), mux, r, fullMethod, runtime.WithHTTPPathPattern(rt.pattern))
		if err != nil {
			runtime.HTTPError(r.Context(), mux, outbound, w, r, err)
			return
		}

		req, err := gatewayRequest(inbound, r, pathParams)
		if err != nil {
			runtime.HTTPError(ctx, mux, outbound, w, r, err)
			return
		}

		start := time.Now()
		resp, err := rt.call(svc, ctx, req)
		observe(metrics, rt.rpc, start, err)
		if err != nil {
			runtime.HTTPError(ctx, mux, outbound, w, r, err)
			return
		}
		runtime.ForwardResponseMessage(ctx, mux, outbound, w, r, resp)
	}
}

// gatewayRequest merges the JSON body, query string and path parameters
// into one request struct. Path parameters win.
func gatewayRequest(inbound runtime.Marshaler, r *http.Request, pathParams map[string]string) (*structpb.Struct, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{}}

	if r.Body != nil && r.ContentLength != 0 && r.Method != http.MethodGet {
		if err := inbound.NewDecoder(r.Body).Decode(req); err != nil && !errors.Is(err, io.EOF) {
			return nil, invalidArgument("decode body: %v", err)
		}
		if req.Fields == nil {
			req.Fields = map[string]*structpb.Value{}
		}
	}

	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			req.Fields[k] = paramValue(k, vs[0])
		}
	}
	for k, v := range pathParams {
		req.Fields[k] = paramValue(k, v)
	}
	return req, nil
}

// paramValue types a path or query parameter. Ids and cursors are numeric,
// everything else (holder names included) stays a string.
func paramValue(key, raw string) *structpb.Value {
	numeric := key == "page_size" || key == "before_sequence" ||
		(strings.HasSuffix(key, "_id") && key != "request_id")
	if numeric {
		// Past 2^53 the decimal string is kept so the value is not rounded
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil && n < maxExactInteger {
			return structpb.NewNumberValue(float64(n))
		}
	}
	return structpb.NewStringValue(raw)
}

func invalidArgument(format string, args ...interface{}) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}
