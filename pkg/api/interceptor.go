package api

import (
	"context"
	"strings"

	"github.com/cuemby/ledgerlink/pkg/log"
	"github.com/cuemby/ledgerlink/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// LoggingInterceptor logs every unary call and records it in the API metrics
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("grpc")
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		timer := metrics.NewTimer()
		resp, err := handler(ctx, req)

		method := methodName(info.FullMethod)
		code := status.Code(err)
		timer.ObserveDurationVec(metrics.APIRequestDuration, "grpc "+method)
		metrics.APIRequestsTotal.WithLabelValues("grpc "+method, code.String()).Inc()

		event := logger.Debug()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", timer.Duration()).
			Msg("gRPC call")

		return resp, err
	}
}

// methodName extracts the method from a full path
// (e.g., "/grpc.health.v1.Health/Check" -> "Check")
func methodName(full string) string {
	parts := strings.Split(full, "/")
	return parts[len(parts)-1]
}
