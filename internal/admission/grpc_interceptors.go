// Package admission provides gRPC interceptors.
package admission

import (
	"context"
	"path"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func grpcAuthInterceptor(enableAuth bool, adminToken string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !enableAuth {
			return handler(ctx, req)
		}
		if !strings.HasPrefix(info.FullMethod, "/"+grpcAdminService+"/") {
			return handler(ctx, req)
		}
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}
		expected := "Bearer " + adminToken
		values := md.Get("authorization")
		if len(values) == 0 || values[0] != expected {
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}
		return handler(ctx, req)
	}
}

func grpcMetricsInterceptor(metrics Metrics, region string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		method := grpcMethodName(info.FullMethod)
		start := time.Now()
		resp, err := handler(ctx, req)
		if metrics != nil {
			metrics.ObserveLatency("grpc"+method, time.Since(start), region)
		}
		recordGRPCResult(metrics, method, err)
		return resp, err
	}
}

func grpcMethodName(fullMethod string) string {
	if fullMethod == "" {
		return "unknown"
	}
	return path.Base(fullMethod)
}

func recordGRPCResult(metrics Metrics, method string, err error) {
	if metrics == nil || method == "" {
		return
	}
	mem, ok := metrics.(*InMemoryMetrics)
	if !ok || mem == nil {
		return
	}
	result := "success"
	if err != nil {
		result = strings.ToLower(status.Code(err).String())
	}
	mem.incCounter("grpc|" + method + "|" + result)
}
