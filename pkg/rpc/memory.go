package rpc

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/loomery/loom/pkg/models"
)

const (
	MemoryServiceName            = "loom.memory.v1.MemoryService"
	MemoryServiceValidateBuckets = "/loom.memory.v1.MemoryService/ValidateBuckets"
	MemoryServiceGetHistory      = "/loom.memory.v1.MemoryService/GetHistory"
)

// ValidateBucketsRequest checks that every bucket belongs to the
// calling principal.
type ValidateBucketsRequest struct {
	BucketIDs []uuid.UUID `json:"bucket_ids"`
}

type ValidateBucketsResponse struct {
	Valid bool `json:"valid"`
}

// GetHistoryRequest fetches a bucket's conversation history for
// context building.
type GetHistoryRequest struct {
	BucketID uuid.UUID `json:"bucket_id"`
}

// MemoryServiceServer is implemented by the memory service.
type MemoryServiceServer interface {
	ValidateBuckets(ctx context.Context, req *ValidateBucketsRequest) (*ValidateBucketsResponse, error)
	GetHistory(ctx context.Context, req *GetHistoryRequest) (*models.HistoryResponse, error)
}

var MemoryServiceDesc = grpc.ServiceDesc{
	ServiceName: MemoryServiceName,
	HandlerType: (*MemoryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ValidateBuckets", Handler: memoryServiceValidateBucketsHandler},
		{MethodName: "GetHistory", Handler: memoryServiceGetHistoryHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func memoryServiceValidateBucketsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ValidateBucketsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MemoryServiceServer).ValidateBuckets(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MemoryServiceValidateBuckets}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MemoryServiceServer).ValidateBuckets(ctx, req.(*ValidateBucketsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func memoryServiceGetHistoryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetHistoryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MemoryServiceServer).GetHistory(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MemoryServiceGetHistory}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MemoryServiceServer).GetHistory(ctx, req.(*GetHistoryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// MemoryServiceClient calls the memory service.
type MemoryServiceClient struct {
	cc *ClientConn
}

func NewMemoryServiceClient(cc *ClientConn) *MemoryServiceClient {
	return &MemoryServiceClient{cc: cc}
}

func (c *MemoryServiceClient) ValidateBuckets(ctx context.Context, req *ValidateBucketsRequest) (*ValidateBucketsResponse, error) {
	out := new(ValidateBucketsResponse)
	if err := c.cc.Invoke(ctx, MemoryServiceValidateBuckets, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MemoryServiceClient) GetHistory(ctx context.Context, req *GetHistoryRequest) (*models.HistoryResponse, error) {
	out := new(models.HistoryResponse)
	if err := c.cc.Invoke(ctx, MemoryServiceGetHistory, req, out); err != nil {
		return nil, err
	}
	return out, nil
}
