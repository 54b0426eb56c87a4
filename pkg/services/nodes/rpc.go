package nodes

import (
	"context"

	"github.com/loomery/loom/pkg/models"
	"github.com/loomery/loom/pkg/rpc"
)

// RPCServer adapts the service to the NodeService RPC surface used by
// the inference orchestrator.
type RPCServer struct {
	svc *Service
}

func NewRPCServer(svc *Service) *RPCServer {
	return &RPCServer{svc: svc}
}

var _ rpc.NodeServiceServer = (*RPCServer)(nil)

func (s *RPCServer) GetNode(ctx context.Context, req *rpc.GetNodeRequest) (*models.NodeDetailsResponse, error) {
	p, err := rpc.PrincipalFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return s.svc.Details(ctx, p, req.NodeID)
}
