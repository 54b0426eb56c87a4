package rpc

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/loomery/loom/pkg/models"
)

const (
	NodeServiceName    = "loom.nodes.v1.NodeService"
	NodeServiceGetNode = "/loom.nodes.v1.NodeService/GetNode"
)

// GetNodeRequest asks the nodes service for a node owned by the
// calling principal.
type GetNodeRequest struct {
	NodeID uuid.UUID `json:"node_id"`
}

// NodeServiceServer is implemented by the nodes service.
type NodeServiceServer interface {
	GetNode(ctx context.Context, req *GetNodeRequest) (*models.NodeDetailsResponse, error)
}

var NodeServiceDesc = grpc.ServiceDesc{
	ServiceName: NodeServiceName,
	HandlerType: (*NodeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetNode", Handler: nodeServiceGetNodeHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func nodeServiceGetNodeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetNodeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).GetNode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: NodeServiceGetNode}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServiceServer).GetNode(ctx, req.(*GetNodeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// NodeServiceClient calls the nodes service.
type NodeServiceClient struct {
	cc *ClientConn
}

func NewNodeServiceClient(cc *ClientConn) *NodeServiceClient {
	return &NodeServiceClient{cc: cc}
}

func (c *NodeServiceClient) GetNode(ctx context.Context, req *GetNodeRequest) (*models.NodeDetailsResponse, error) {
	out := new(models.NodeDetailsResponse)
	if err := c.cc.Invoke(ctx, NodeServiceGetNode, req, out); err != nil {
		return nil, err
	}
	return out, nil
}
