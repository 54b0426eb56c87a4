package aimodels

import (
	"context"
	"errors"

	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/models"
	"github.com/loomery/loom/pkg/rpc"
)

// RPCServer adapts the service to the internal ModelService surface.
type RPCServer struct {
	svc *Service
}

func NewRPCServer(svc *Service) *RPCServer {
	return &RPCServer{svc: svc}
}

// Validate reports whether the model exists and is visible to the
// caller. Absence is an answer, not an error.
func (r *RPCServer) Validate(ctx context.Context, req *rpc.ValidateModelRequest) (*rpc.ValidateModelResponse, error) {
	p, err := rpc.PrincipalFromContext(ctx)
	if err != nil {
		return nil, err
	}
	m, err := r.svc.Get(ctx, p, req.ModelID)
	if err != nil {
		if errors.Is(err, errkind.ErrNotFound) {
			return &rpc.ValidateModelResponse{Valid: false}, nil
		}
		return nil, err
	}
	return &rpc.ValidateModelResponse{Valid: true, Capabilities: m.Capabilities}, nil
}

// GetConfiguration returns the decrypted configuration for the
// inference pipeline.
func (r *RPCServer) GetConfiguration(ctx context.Context, req *rpc.GetModelConfigurationRequest) (*models.ModelConfigurationResponse, error) {
	p, err := rpc.PrincipalFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return r.svc.GetConfiguration(ctx, p, req.ModelID)
}
