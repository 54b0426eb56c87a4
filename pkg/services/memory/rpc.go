package memory

import (
	"context"

	"github.com/loomery/loom/pkg/models"
	"github.com/loomery/loom/pkg/rpc"
)

// RPCServer adapts the service to the MemoryService RPC surface.
type RPCServer struct {
	svc *Service
}

func NewRPCServer(svc *Service) *RPCServer {
	return &RPCServer{svc: svc}
}

var _ rpc.MemoryServiceServer = (*RPCServer)(nil)

func (s *RPCServer) ValidateBuckets(ctx context.Context, req *rpc.ValidateBucketsRequest) (*rpc.ValidateBucketsResponse, error) {
	p, err := rpc.PrincipalFromContext(ctx)
	if err != nil {
		return nil, err
	}
	ok, err := s.svc.Validate(ctx, p, req.BucketIDs)
	if err != nil {
		return nil, err
	}
	return &rpc.ValidateBucketsResponse{Valid: ok}, nil
}

func (s *RPCServer) GetHistory(ctx context.Context, req *rpc.GetHistoryRequest) (*models.HistoryResponse, error) {
	p, err := rpc.PrincipalFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return s.svc.History(ctx, p, req.BucketID)
}
