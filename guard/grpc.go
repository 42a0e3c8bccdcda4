package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	toolServiceName = "palisade.policy_guard.v1.ToolService"
	toolCallMethod  = "/" + toolServiceName + "/Call"
)

// GRPCToolCaller calls tools on a remote ToolService. Requests are
// structpb.Struct {tool_name, arguments}; responses are {result}.
type GRPCToolCaller struct {
	conn grpc.ClientConnInterface
}

func NewGRPCToolCaller(conn grpc.ClientConnInterface) *GRPCToolCaller {
	return &GRPCToolCaller{conn: conn}
}

func (c *GRPCToolCaller) CallTool(ctx context.Context, tool string, args map[string]any) (any, error) {
	arguments, err := jsonValue(args)
	if err != nil {
		return nil, fmt.Errorf("CallTool %s: %w", tool, err)
	}
	req, err := structpb.NewStruct(map[string]any{
		"tool_name": tool,
		"arguments": arguments,
	})
	if err != nil {
		return nil, fmt.Errorf("CallTool %s: %w", tool, err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, toolCallMethod, req, resp); err != nil {
		return nil, fmt.Errorf("CallTool %s: %w", tool, err)
	}
	return resp.AsMap()["result"], nil
}

var toolServiceDesc = grpc.ServiceDesc{
	ServiceName: toolServiceName,
	HandlerType: (*ToolInvoker)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: toolCallHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "palisade/policy_guard/v1/tool_service.proto",
}

// RegisterToolService exposes inv as a ToolService on s.
func RegisterToolService(s grpc.ServiceRegistrar, inv ToolInvoker) {
	s.RegisterService(&toolServiceDesc, inv)
}

func toolCallHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		return serveToolCall(ctx, srv.(ToolInvoker), req.(*structpb.Struct))
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: toolCallMethod}
	return interceptor(ctx, in, info, call)
}

func serveToolCall(ctx context.Context, inv ToolInvoker, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	tool, _ := fields["tool_name"].(string)
	if tool == "" {
		return nil, status.Error(codes.InvalidArgument, "tool_name is required")
	}
	args, _ := fields["arguments"].(map[string]any)

	var res any
	if err := inv.Invoke(ctx, tool, args, &res); err != nil {
		if errors.Is(err, ErrUnknownTool) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	result, err := jsonValue(res)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(map[string]any{"result": result})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// jsonValue normalizes v into the map/slice/float64 shapes structpb accepts.
func jsonValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
