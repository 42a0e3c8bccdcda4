package guardserver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/services/policy_guard/internal/auth"
)

const (
	guardServiceName = "palisade.policy_guard.v1.PolicyGuardService"
	checkMethod      = "/" + guardServiceName + "/Check"
)

// grpcHandler is the server side of PolicyGuardService. Requests and
// responses are structpb.Struct values with the JSON shape of CheckRequest
// and CheckResponse.
type grpcHandler struct {
	svc    *Service
	auth   auth.Authenticator
	logger *zap.Logger
}

var guardServiceDesc = grpc.ServiceDesc{
	ServiceName: guardServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: checkHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "palisade/policy_guard/v1/policy_guard.proto",
}

// RegisterPolicyGuardService exposes svc on s. Callers authenticate with a
// bearer API key in the authorization metadata.
func RegisterPolicyGuardService(s grpc.ServiceRegistrar, svc *Service) {
	s.RegisterService(&guardServiceDesc, &grpcHandler{svc: svc, auth: svc.auth, logger: svc.logger})
}

func checkHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		return srv.(*grpcHandler).check(ctx, req.(*structpb.Struct))
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: checkMethod}
	return interceptor(ctx, in, info, call)
}

func (h *grpcHandler) check(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	project, err := h.auth.Authenticate(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			return nil, status.Error(codes.Unauthenticated, "invalid or missing API key")
		}
		h.logger.Error("authentication failed", zap.Error(err))
		return nil, status.Error(codes.Internal, "authentication failed")
	}

	var req CheckRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp, err := h.svc.Check(ctx, project, &req, "grpc")
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := toStruct(resp)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Client calls a remote PolicyGuardService.
type Client struct {
	conn   grpc.ClientConnInterface
	apiKey string
}

func NewClient(conn grpc.ClientConnInterface, apiKey string) *Client {
	return &Client{conn: conn, apiKey: apiKey}
}

func (c *Client) Check(ctx context.Context, req *CheckRequest) (*CheckResponse, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, fmt.Errorf("Check: %w", err)
	}
	if c.apiKey != "" {
		ctx = metadataWithKey(ctx, c.apiKey)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, checkMethod, in, out); err != nil {
		return nil, fmt.Errorf("Check: %w", err)
	}
	var resp CheckResponse
	if err := fromStruct(out, &resp); err != nil {
		return nil, fmt.Errorf("Check: %w", err)
	}
	return &resp, nil
}
