package handler

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-po-approvals/internal/errors"
	"github.com/pesio-ai/be-po-approvals/internal/repository"
	"github.com/pesio-ai/be-po-approvals/internal/service"
)

// ApprovalServiceName is the fully qualified gRPC service name.
const ApprovalServiceName = "po.approvals.v1.ApprovalService"

// UserIDMetadataKey carries the authenticated caller id on gRPC calls.
const UserIDMetadataKey = "x-user-id"

// ApprovalServiceServer is the server API for ApprovalService. Messages are
// google.protobuf.Struct so the service needs no generated code.
type ApprovalServiceServer interface {
	Initiate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Approve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reject(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetChain(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type approvalMethod func(ApprovalServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call approvalMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ApprovalServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ApprovalServiceName + "/" + name}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ApprovalServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ApprovalServiceDesc is the grpc.ServiceDesc for ApprovalService.
var ApprovalServiceDesc = grpc.ServiceDesc{
	ServiceName: ApprovalServiceName,
	HandlerType: (*ApprovalServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Initiate", ApprovalServiceServer.Initiate),
		unaryHandler("Approve", ApprovalServiceServer.Approve),
		unaryHandler("Reject", ApprovalServiceServer.Reject),
		unaryHandler("GetChain", ApprovalServiceServer.GetChain),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "po/approvals/v1/approvals.proto",
}

// RegisterApprovalServiceServer registers srv on s.
func RegisterApprovalServiceServer(s grpc.ServiceRegistrar, srv ApprovalServiceServer) {
	s.RegisterService(&ApprovalServiceDesc, srv)
}

// GRPCHandler implements the ApprovalService gRPC interface
type GRPCHandler struct {
	service    *service.ApprovalRoutingService
	principals *service.PrincipalResolver
	logger     zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(svc *service.ApprovalRoutingService, principals *service.PrincipalResolver, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		service:    svc,
		principals: principals,
		logger:     logger.With().Str("handler", "grpc").Logger(),
	}
}

// userID extracts the caller id from incoming metadata, or returns empty string.
func userID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(UserIDMetadataKey); len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func (h *GRPCHandler) principal(ctx context.Context) (service.Principal, error) {
	id := userID(ctx)
	if id == "" {
		return service.Principal{}, status.Error(codes.Unauthenticated, "missing "+UserIDMetadataKey+" metadata")
	}
	p, err := h.principals.Resolve(ctx, id)
	if err != nil {
		return service.Principal{}, h.serviceError("principal", err)
	}
	return p, nil
}

func requestID(in *structpb.Struct) (string, error) {
	id := strings.TrimSpace(in.GetFields()["request_id"].GetStringValue())
	if id == "" {
		return "", status.Error(codes.InvalidArgument, "request_id is required")
	}
	return id, nil
}

// Initiate starts the approval workflow for a request
func (h *GRPCHandler) Initiate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requestID(in)
	if err != nil {
		return nil, err
	}
	h.logger.Info().Str("request_id", id).Msg("gRPC Initiate called")

	res, err := h.service.Initiate(ctx, id, userID(ctx))
	if err != nil {
		return nil, h.serviceError("Initiate", err)
	}

	out := map[string]interface{}{
		"outcome": string(res.Outcome),
		"status":  string(res.Status),
		"records": recordsToValues(res.Records),
	}
	if res.Rule != nil {
		out["rule_id"] = res.Rule.ID
		out["rule_name"] = res.Rule.Name
	}
	return structpb.NewStruct(out)
}

// Approve signs off the caller's actionable level
func (h *GRPCHandler) Approve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requestID(in)
	if err != nil {
		return nil, err
	}
	p, err := h.principal(ctx)
	if err != nil {
		return nil, err
	}
	h.logger.Info().Str("request_id", id).Str("principal", p.ID).Msg("gRPC Approve called")

	d, err := h.service.Approve(ctx, id, p, in.GetFields()["comments"].GetStringValue())
	if err != nil {
		return nil, h.serviceError("Approve", err)
	}
	return decisionToStruct(d)
}

// Reject rejects the request at the caller's actionable level
func (h *GRPCHandler) Reject(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requestID(in)
	if err != nil {
		return nil, err
	}
	p, err := h.principal(ctx)
	if err != nil {
		return nil, err
	}
	h.logger.Info().Str("request_id", id).Str("principal", p.ID).Msg("gRPC Reject called")

	d, err := h.service.Reject(ctx, id, p, in.GetFields()["reason"].GetStringValue())
	if err != nil {
		return nil, h.serviceError("Reject", err)
	}
	return decisionToStruct(d)
}

// GetChain returns a request with its approval records
func (h *GRPCHandler) GetChain(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requestID(in)
	if err != nil {
		return nil, err
	}

	chain, err := h.service.GetChain(ctx, id)
	if err != nil {
		return nil, h.serviceError("GetChain", err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"request": map[string]interface{}{
			"id":           chain.Request.ID,
			"reference":    chain.Request.Reference,
			"amount":       chain.Request.Amount,
			"status":       string(chain.Request.Status),
			"requested_by": chain.Request.RequestedBy,
		},
		"records": recordsToValues(chain.Records),
	})
}

func decisionToStruct(d *service.Decision) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"outcome":        string(d.Outcome),
		"level":          d.Level,
		"request_status": string(d.RequestStatus),
		"replayed":       d.Replayed,
	})
}

func recordsToValues(records []*repository.ApprovalRecord) []interface{} {
	out := make([]interface{}, 0, len(records))
	for _, r := range records {
		m := map[string]interface{}{
			"id":     r.ID,
			"level":  r.Level,
			"role":   r.Approver.Role,
			"user":   r.Approver.UserID,
			"status": string(r.Status),
		}
		if r.ActedBy != nil {
			m["acted_by"] = *r.ActedBy
		}
		if r.Comments != nil {
			m["comments"] = *r.Comments
		}
		if r.DecidedAt != nil {
			m["decided_at"] = r.DecidedAt.Format(time.RFC3339)
		}
		out = append(out, m)
	}
	return out
}

// serviceError maps err to a gRPC status. Internal errors reach the caller
// without detail, so their cause is logged here.
func (h *GRPCHandler) serviceError(method string, err error) error {
	st := mapErrorToGRPC(err)
	if status.Code(st) == codes.Internal {
		h.logger.Error().Err(err).Str("method", method).Msg("gRPC call failed")
	}
	return st
}

// mapErrorToGRPC maps coded service errors to gRPC status codes
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidInput:
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, err.Error())
	case errors.ErrCodeForbidden:
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.ErrCodeUnauthorized:
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.ErrCodeConflict:
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// UnaryLoggingInterceptor logs every unary call with its status code.
func UnaryLoggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		ev := log.Info()
		if code == codes.Internal || code == codes.Unknown {
			ev = log.Error().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC request")
		return resp, err
	}
}
