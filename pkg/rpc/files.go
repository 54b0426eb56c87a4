package rpc

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/loomery/loom/pkg/models"
)

const (
	FileServiceName            = "loom.files.v1.FileService"
	FileServiceGetFileMetadata = "/loom.files.v1.FileService/GetFileMetadata"
	FileServiceGetFileContent  = "/loom.files.v1.FileService/GetFileContent"
)

// GetFileMetadataRequest resolves a batch of file ids. If any id is
// missing or not owned by the caller the whole batch fails.
type GetFileMetadataRequest struct {
	FileIDs []uuid.UUID `json:"file_ids"`
}

type GetFileMetadataResponse struct {
	Files []*models.StoredFile `json:"files"`
}

// GetFileContentRequest materializes one file for prompt assembly.
type GetFileContentRequest struct {
	FileID uuid.UUID `json:"file_id"`
}

// FileServiceServer is implemented by the files service.
type FileServiceServer interface {
	GetFileMetadata(ctx context.Context, req *GetFileMetadataRequest) (*GetFileMetadataResponse, error)
	GetFileContent(ctx context.Context, req *GetFileContentRequest) (*models.FileContentResponse, error)
}

var FileServiceDesc = grpc.ServiceDesc{
	ServiceName: FileServiceName,
	HandlerType: (*FileServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetFileMetadata", Handler: fileServiceGetFileMetadataHandler},
		{MethodName: "GetFileContent", Handler: fileServiceGetFileContentHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func fileServiceGetFileMetadataHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetFileMetadataRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FileServiceServer).GetFileMetadata(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FileServiceGetFileMetadata}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FileServiceServer).GetFileMetadata(ctx, req.(*GetFileMetadataRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func fileServiceGetFileContentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetFileContentRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FileServiceServer).GetFileContent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FileServiceGetFileContent}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FileServiceServer).GetFileContent(ctx, req.(*GetFileContentRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// FileServiceClient calls the files service.
type FileServiceClient struct {
	cc *ClientConn
}

func NewFileServiceClient(cc *ClientConn) *FileServiceClient {
	return &FileServiceClient{cc: cc}
}

func (c *FileServiceClient) GetFileMetadata(ctx context.Context, req *GetFileMetadataRequest) (*GetFileMetadataResponse, error) {
	out := new(GetFileMetadataResponse)
	if err := c.cc.Invoke(ctx, FileServiceGetFileMetadata, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *FileServiceClient) GetFileContent(ctx context.Context, req *GetFileContentRequest) (*models.FileContentResponse, error) {
	out := new(models.FileContentResponse)
	if err := c.cc.Invoke(ctx, FileServiceGetFileContent, req, out); err != nil {
		return nil, err
	}
	return out, nil
}
