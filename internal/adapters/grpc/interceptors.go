package grpc

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"storefront/internal/observability"

	"google.golang.org/grpc"
)

// Limiter gates incoming calls. *orders.RateLimiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

type rateLimitedServerStream struct {
	grpc.ServerStream
	limiter Limiter
	metrics *observability.Metrics
}

func (s *rateLimitedServerStream) RecvMsg(m any) error {
	if err := wait(s.Context(), s.limiter, s.metrics); err != nil {
		return err
	}
	return s.ServerStream.RecvMsg(m)
}

func wait(ctx context.Context, limiter Limiter, metrics *observability.Metrics) error {
	if limiter == nil {
		return nil
	}
	start := time.Now()
	err := limiter.Wait(ctx)
	metrics.AddRateLimitWait(time.Since(start))
	return err
}

// UnaryInterceptor rate limits each call and records it under its full
// method name.
func UnaryInterceptor(limiter Limiter, metrics *observability.Metrics, log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		tracked := shouldTrackMethod(info.FullMethod)
		var span *observability.CallSpan
		if tracked {
			span = metrics.Start(info.FullMethod)
		}
		start := time.Now()
		if err := wait(ctx, limiter, metrics); err != nil {
			span.End(err)
			return nil, err
		}
		resp, err := handler(ctx, req)
		span.End(err)
		if err != nil && tracked && log != nil {
			log.Warn("grpc_unary_failed",
				slog.String("method", info.FullMethod),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("err", err.Error()),
			)
		}
		return resp, err
	}
}

// StreamInterceptor rate limits every received message of a stream.
func StreamInterceptor(limiter Limiter, metrics *observability.Metrics, log *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		tracked := shouldTrackMethod(info.FullMethod)
		var span *observability.CallSpan
		if tracked {
			span = metrics.Start(info.FullMethod)
		}
		start := time.Now()
		wrapped := stream
		if limiter != nil {
			wrapped = &rateLimitedServerStream{ServerStream: stream, limiter: limiter, metrics: metrics}
		}
		err := handler(srv, wrapped)
		span.End(err)
		if err != nil && tracked && log != nil {
			log.Warn("grpc_stream_failed",
				slog.String("method", info.FullMethod),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("err", err.Error()),
			)
		}
		return err
	}
}

func shouldTrackMethod(method string) bool {
	return method != "" && !strings.HasPrefix(method, "/grpc.reflection.")
}
