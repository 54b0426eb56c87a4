package files

import (
	"context"

	"github.com/loomery/loom/pkg/models"
	"github.com/loomery/loom/pkg/rpc"
)

// RPCServer exposes file metadata and content to the executor's data
// builder.
type RPCServer struct {
	svc *Service
}

func NewRPCServer(svc *Service) *RPCServer { return &RPCServer{svc: svc} }

var _ rpc.FileServiceServer = (*RPCServer)(nil)

func (s *RPCServer) GetFileMetadata(ctx context.Context, req *rpc.GetFileMetadataRequest) (*rpc.GetFileMetadataResponse, error) {
	p, err := rpc.PrincipalFromContext(ctx)
	if err != nil {
		return nil, err
	}
	files, err := s.svc.Metadata(ctx, p, req.FileIDs)
	if err != nil {
		return nil, err
	}
	return &rpc.GetFileMetadataResponse{Files: files}, nil
}

func (s *RPCServer) GetFileContent(ctx context.Context, req *rpc.GetFileContentRequest) (*models.FileContentResponse, error) {
	p, err := rpc.PrincipalFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return s.svc.Content(ctx, p, req.FileID)
}
