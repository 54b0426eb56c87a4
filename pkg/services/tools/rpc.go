package tools

import (
	"context"

	"github.com/loomery/loom/pkg/rpc"
)

// RPCServer adapts the service to the internal ToolService surface.
type RPCServer struct {
	svc    *Service
	runner *Runner
}

func NewRPCServer(svc *Service, runner *Runner) *RPCServer {
	return &RPCServer{svc: svc, runner: runner}
}

func (r *RPCServer) ValidateTools(ctx context.Context, req *rpc.ValidateToolsRequest) (*rpc.ValidateToolsResponse, error) {
	p, err := rpc.PrincipalFromContext(ctx)
	if err != nil {
		return nil, err
	}
	valid, err := r.svc.Validate(ctx, p, req.ToolIDs)
	if err != nil {
		return nil, err
	}
	return &rpc.ValidateToolsResponse{Valid: valid}, nil
}

func (r *RPCServer) GetToolDefinitions(ctx context.Context, req *rpc.GetToolDefinitionsRequest) (*rpc.GetToolDefinitionsResponse, error) {
	p, err := rpc.PrincipalFromContext(ctx)
	if err != nil {
		return nil, err
	}
	defs, err := r.svc.Definitions(ctx, p, req.ToolIDs)
	if err != nil {
		return nil, err
	}
	return &rpc.GetToolDefinitionsResponse{Definitions: defs}, nil
}

// ExecuteTools runs a batch of calls for the executor. Per-call
// failures come back as error results, never as an RPC error.
func (r *RPCServer) ExecuteTools(ctx context.Context, req *rpc.ExecuteToolsRequest) (*rpc.ExecuteToolsResponse, error) {
	p, err := rpc.PrincipalFromContext(ctx)
	if err != nil {
		return nil, err
	}
	results, err := r.runner.ExecuteBatch(ctx, p, req.Calls)
	if err != nil {
		return nil, err
	}
	return &rpc.ExecuteToolsResponse{Results: results}, nil
}

var _ rpc.ToolServiceServer = (*RPCServer)(nil)
