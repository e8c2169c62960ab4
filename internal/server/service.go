package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

type structMethod func(s *Server, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call structMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("SubmitJob", (*Server).SubmitJob),
		unaryHandler("GetStatus", (*Server).GetStatus),
		unaryHandler("GetAgentStatus", (*Server).GetAgentStatus),
		unaryHandler("AbortJob", (*Server).AbortJob),
		unaryHandler("GetSummary", (*Server).GetSummary),
		unaryHandler("Health", (*Server).Health),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "screenq/v1/screening.proto",
}
