package gate

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"authplane.org/internal/obs"
)

// Requirement names the policy object/action a gRPC method needs.
type Requirement struct {
	Object string
	Action string
}

// UnaryServerInterceptor guards unary methods by full method name. Methods
// without an entry (health checks, reflection) pass through unguarded; list
// every protected method explicitly.
func (g *Gate) UnaryServerInterceptor(requirements map[string]Requirement) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		need, guarded := requirements[info.FullMethod]
		if !guarded {
			return handler(ctx, req)
		}
		raw, ok := bearerFromMetadata(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		id, err := g.Authorize(ctx, raw, need.Object, need.Action)
		if err != nil {
			return nil, denialStatus(info.FullMethod, err)
		}
		return handler(WithIdentity(ctx, id), req)
	}
}

func bearerFromMetadata(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return "", false
	}
	parts := strings.SplitN(vals[0], " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

func denialStatus(method string, err error) error {
	switch {
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrSessionRevoked):
		return status.Error(codes.Unauthenticated, "unauthenticated")
	case errors.Is(err, ErrDependencyUnavailable):
		obs.Log("error", "gate_dependency_failure", map[string]any{
			"method": method,
			"error":  err.Error(),
		})
		return status.Error(codes.PermissionDenied, "permission denied")
	default:
		return status.Error(codes.PermissionDenied, "permission denied")
	}
}
