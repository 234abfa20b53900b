package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.ChatSync"

// ChatSyncServer is the server API of the chatsync.v1.ChatSync service. Every
// request and response is a google.protobuf.Struct.
type ChatSyncServer interface {
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EditMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddReaction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetTyping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetPresence(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddActivity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ConnectionStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueueStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListDeadLetters(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DiscardDeadLetter(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

type unaryCall func(ChatSyncServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(ChatSyncServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ServiceDesc describes chatsync.v1.ChatSync for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SendMessage", ChatSyncServer.SendMessage),
		unary("EditMessage", ChatSyncServer.EditMessage),
		unary("AddReaction", ChatSyncServer.AddReaction),
		unary("MarkRead", ChatSyncServer.MarkRead),
		unary("SetTyping", ChatSyncServer.SetTyping),
		unary("SetPresence", ChatSyncServer.SetPresence),
		unary("AddActivity", ChatSyncServer.AddActivity),
		unary("ConnectionStatus", ChatSyncServer.ConnectionStatus),
		unary("QueueStats", ChatSyncServer.QueueStats),
		unary("ListDeadLetters", ChatSyncServer.ListDeadLetters),
		unary("DiscardDeadLetter", ChatSyncServer.DiscardDeadLetter),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(ChatSyncServer).Watch(in, stream)
			},
		},
	},
	Metadata: "chatsync/v1/chatsync.proto",
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv ChatSyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}
