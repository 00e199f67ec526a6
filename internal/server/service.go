// ABOUTME: gRPC service description for chatstore.v1.ChatStore and a matching client
// ABOUTME: Requests and responses are google.protobuf.Struct values shaped like the export JSON

package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatstore.v1.ChatStore"

// Method names.
const (
	MethodGetExportStats = "GetExportStats"
	MethodExportProjects = "ExportProjects"
	MethodSearchMessages = "SearchMessages"
	MethodSearch         = "Search"
	MethodRecentThreads  = "RecentThreads"
	MethodProjectStats   = "ProjectStats"
	MethodAddHistory     = "AddHistory"
)

// ChatStoreServer is the server API for the ChatStore service.
type ChatStoreServer interface {
	GetExportStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExportProjects(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SearchMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Search(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecentThreads(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ProjectStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type handlerFunc func(ChatStoreServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call handlerFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ChatStoreServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ChatStoreServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetExportStats, ChatStoreServer.GetExportStats),
		unary(MethodExportProjects, ChatStoreServer.ExportProjects),
		unary(MethodSearchMessages, ChatStoreServer.SearchMessages),
		unary(MethodSearch, ChatStoreServer.Search),
		unary(MethodRecentThreads, ChatStoreServer.RecentThreads),
		unary(MethodProjectStats, ChatStoreServer.ProjectStats),
		unary(MethodAddHistory, ChatStoreServer.AddHistory),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chatstore/v1/chatstore.proto",
}

// RegisterChatStoreServer registers srv on s.
func RegisterChatStoreServer(s grpc.ServiceRegistrar, srv ChatStoreServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Client calls the ChatStore service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method with req. A nil req sends an empty struct.
func (c *Client) Call(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
