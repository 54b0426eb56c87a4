package rpc

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/loomery/loom/pkg/models"
)

const (
	ToolServiceName               = "loom.tools.v1.ToolService"
	ToolServiceValidateTools      = "/loom.tools.v1.ToolService/ValidateTools"
	ToolServiceGetToolDefinitions = "/loom.tools.v1.ToolService/GetToolDefinitions"
	ToolServiceExecuteTools       = "/loom.tools.v1.ToolService/ExecuteTools"
)

// ValidateToolsRequest checks that every tool id exists and is usable
// by the calling principal. An empty list is trivially valid.
type ValidateToolsRequest struct {
	ToolIDs []uuid.UUID `json:"tool_ids"`
}

type ValidateToolsResponse struct {
	Valid bool `json:"valid"`
}

// GetToolDefinitionsRequest fetches the definitions the agent loop
// presents to the model.
type GetToolDefinitionsRequest struct {
	ToolIDs []uuid.UUID `json:"tool_ids"`
}

type GetToolDefinitionsResponse struct {
	Definitions []models.ToolDefinition `json:"definitions"`
}

// ExecuteToolsRequest runs a batch of tool calls on behalf of a job.
type ExecuteToolsRequest struct {
	Calls []models.ToolCallRequest `json:"calls"`
}

type ExecuteToolsResponse struct {
	Results []models.ToolCallResult `json:"results"`
}

// ToolServiceServer is implemented by the tools service.
type ToolServiceServer interface {
	ValidateTools(ctx context.Context, req *ValidateToolsRequest) (*ValidateToolsResponse, error)
	GetToolDefinitions(ctx context.Context, req *GetToolDefinitionsRequest) (*GetToolDefinitionsResponse, error)
	ExecuteTools(ctx context.Context, req *ExecuteToolsRequest) (*ExecuteToolsResponse, error)
}

var ToolServiceDesc = grpc.ServiceDesc{
	ServiceName: ToolServiceName,
	HandlerType: (*ToolServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ValidateTools", Handler: toolServiceValidateToolsHandler},
		{MethodName: "GetToolDefinitions", Handler: toolServiceGetToolDefinitionsHandler},
		{MethodName: "ExecuteTools", Handler: toolServiceExecuteToolsHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func toolServiceValidateToolsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ValidateToolsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToolServiceServer).ValidateTools(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ToolServiceValidateTools}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ToolServiceServer).ValidateTools(ctx, req.(*ValidateToolsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func toolServiceGetToolDefinitionsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetToolDefinitionsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToolServiceServer).GetToolDefinitions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ToolServiceGetToolDefinitions}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ToolServiceServer).GetToolDefinitions(ctx, req.(*GetToolDefinitionsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func toolServiceExecuteToolsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ExecuteToolsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToolServiceServer).ExecuteTools(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ToolServiceExecuteTools}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ToolServiceServer).ExecuteTools(ctx, req.(*ExecuteToolsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ToolServiceClient calls the tools service.
type ToolServiceClient struct {
	cc *ClientConn
}

func NewToolServiceClient(cc *ClientConn) *ToolServiceClient {
	return &ToolServiceClient{cc: cc}
}

func (c *ToolServiceClient) ValidateTools(ctx context.Context, req *ValidateToolsRequest) (*ValidateToolsResponse, error) {
	out := new(ValidateToolsResponse)
	if err := c.cc.Invoke(ctx, ToolServiceValidateTools, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ToolServiceClient) GetToolDefinitions(ctx context.Context, req *GetToolDefinitionsRequest) (*GetToolDefinitionsResponse, error) {
	out := new(GetToolDefinitionsResponse)
	if err := c.cc.Invoke(ctx, ToolServiceGetToolDefinitions, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ToolServiceClient) ExecuteTools(ctx context.Context, req *ExecuteToolsRequest) (*ExecuteToolsResponse, error) {
	out := new(ExecuteToolsResponse)
	if err := c.cc.Invoke(ctx, ToolServiceExecuteTools, req, out); err != nil {
		return nil, err
	}
	return out, nil
}
