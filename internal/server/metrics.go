package server

import (
	"ClaimLedger/internal/observability"
	"context"
	"path"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

func metricsInterceptor(metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observe(metrics, path.Base(info.FullMethod), start, err)
		return resp, err
	}
}

func observe(metrics *observability.Metrics, endpoint string, start time.Time, err error) {
	if metrics == nil {
		return
	}
	code := status.Code(err)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		metrics.QueryErrors.WithLabelValues(endpoint, code.String()).Inc()
	}
	metrics.QueryRequests.WithLabelValues(endpoint, outcome).Inc()
	metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
