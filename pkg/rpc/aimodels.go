package rpc

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/loomery/loom/pkg/models"
)

const (
	ModelServiceName             = "loom.aimodels.v1.ModelService"
	ModelServiceValidate         = "/loom.aimodels.v1.ModelService/Validate"
	ModelServiceGetConfiguration = "/loom.aimodels.v1.ModelService/GetConfiguration"
)

// ValidateModelRequest checks that a model exists and is visible to
// the calling principal.
type ValidateModelRequest struct {
	ModelID uuid.UUID `json:"model_id"`
}

// ValidateModelResponse carries the capability list so callers can
// derive configuration templates without a second call.
type ValidateModelResponse struct {
	Valid        bool     `json:"valid"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// GetModelConfigurationRequest fetches the provider, decrypted
// configuration, and capabilities of a model.
type GetModelConfigurationRequest struct {
	ModelID uuid.UUID `json:"model_id"`
}

// ModelServiceServer is implemented by the aimodels service.
type ModelServiceServer interface {
	Validate(ctx context.Context, req *ValidateModelRequest) (*ValidateModelResponse, error)
	GetConfiguration(ctx context.Context, req *GetModelConfigurationRequest) (*models.ModelConfigurationResponse, error)
}

var ModelServiceDesc = grpc.ServiceDesc{
	ServiceName: ModelServiceName,
	HandlerType: (*ModelServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Validate", Handler: modelServiceValidateHandler},
		{MethodName: "GetConfiguration", Handler: modelServiceGetConfigurationHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func modelServiceValidateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ValidateModelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ModelServiceServer).Validate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ModelServiceValidate}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ModelServiceServer).Validate(ctx, req.(*ValidateModelRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func modelServiceGetConfigurationHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetModelConfigurationRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ModelServiceServer).GetConfiguration(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ModelServiceGetConfiguration}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ModelServiceServer).GetConfiguration(ctx, req.(*GetModelConfigurationRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ModelServiceClient calls the aimodels service.
type ModelServiceClient struct {
	cc *ClientConn
}

func NewModelServiceClient(cc *ClientConn) *ModelServiceClient {
	return &ModelServiceClient{cc: cc}
}

func (c *ModelServiceClient) Validate(ctx context.Context, req *ValidateModelRequest) (*ValidateModelResponse, error) {
	out := new(ValidateModelResponse)
	if err := c.cc.Invoke(ctx, ModelServiceValidate, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ModelServiceClient) GetConfiguration(ctx context.Context, req *GetModelConfigurationRequest) (*models.ModelConfigurationResponse, error) {
	out := new(models.ModelConfigurationResponse)
	if err := c.cc.Invoke(ctx, ModelServiceGetConfiguration, req, out); err != nil {
		return nil, err
	}
	return out, nil
}
