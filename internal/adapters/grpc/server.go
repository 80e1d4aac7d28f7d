package grpc

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/viralforge/devicetrust/internal/application"
	"github.com/viralforge/devicetrust/internal/domain"
)

const (
	serviceName          = "devicetrust.auth.v1.SessionService"
	validateSessionRoute = "/" + serviceName + "/ValidateSession"
)

// SessionService is the internal surface sibling services use to resolve a
// bearer session without going through the public HTTP API.
type SessionService interface {
	ValidateSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// SessionValidator is the slice of the application service this adapter needs.
type SessionValidator interface {
	ValidateSession(ctx context.Context, token, ip, userAgent string) (application.SessionInfo, error)
}

type SessionServer struct {
	service SessionValidator
}

func NewSessionServer(service SessionValidator) *SessionServer {
	return &SessionServer{service: service}
}

func Register(server grpc.ServiceRegistrar, svc SessionService) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*SessionService)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "ValidateSession",
				Handler:    validateSessionHandler(svc),
			},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "devicetrust/auth/v1/session.proto",
	}, svc)
}

// ValidateSession expects {"token", "ip", "user_agent"}; token and ip are
// required. The caller forwards the end user's address so IP binding applies
// exactly as on the HTTP path.
func (s *SessionServer) ValidateSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	token := fields["token"].GetStringValue()
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "missing token")
	}
	ip := fields["ip"].GetStringValue()
	if ip == "" {
		return nil, status.Error(codes.InvalidArgument, "missing ip")
	}

	info, err := s.service.ValidateSession(ctx, token, ip, fields["user_agent"].GetStringValue())
	if err != nil {
		code, kind := statusForError(err)
		slog.Default().WarnContext(ctx, "grpc session validation rejected",
			"module", "grpc",
			"layer", "adapter",
			"operation", "validate_session",
			"outcome", "failure",
			"error_kind", string(domain.KindOf(err)),
		)
		return nil, status.Error(code, kind)
	}

	payload := map[string]any{
		"valid":      true,
		"session_id": info.SessionID,
		"user_id":    info.User.UserID.String(),
		"username":   info.User.Username,
		"role":       info.User.Role,
		"expires_at": info.ExpiresAt.Unix(),
	}
	if info.Device != nil {
		payload["device_id"] = info.Device.DeviceID.String()
		payload["device_state"] = info.Device.State
	}
	resp, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return resp, nil
}

// statusForError maps a taxonomy kind to a gRPC code. The kind string is the
// status message; SESSION_NOT_FOUND is reported as SESSION_EXPIRED.
func statusForError(err error) (codes.Code, string) {
	kind := domain.KindOf(err)
	switch kind {
	case domain.KindInvalidInput:
		return codes.InvalidArgument, string(kind)
	case domain.KindSessionNotFound:
		return codes.Unauthenticated, string(domain.KindSessionExpired)
	case domain.KindSessionExpired, domain.KindSessionRevoked, domain.KindTokenInvalid:
		return codes.Unauthenticated, string(kind)
	case domain.KindAccountDisabled, domain.KindDeviceBlocked, domain.KindDevicePending, domain.KindForbidden:
		return codes.PermissionDenied, string(kind)
	case domain.KindRateLimited, domain.KindIPBlocked:
		return codes.ResourceExhausted, string(kind)
	default:
		return codes.Internal, string(domain.KindInternal)
	}
}

func validateSessionHandler(svc SessionService) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return svc.ValidateSession(ctx, req)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: validateSessionRoute,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(*structpb.Struct)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "invalid request type")
			}
			return svc.ValidateSession(ctx, typed)
		}
		return interceptor(ctx, req, info, handler)
	}
}
