package grpcclient

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName     = "trail.Uplink"
	sendCycleMethod = "/trail.Uplink/SendCycle"
)

// UplinkServer is the receiving side of the uplink. It answers false to
// reject a cycle.
type UplinkServer interface {
	SendCycle(ctx context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error)
}

func RegisterUplinkServer(s grpc.ServiceRegistrar, srv UplinkServer) {
	s.RegisterService(&uplinkServiceDesc, srv)
}

func sendCycleHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(UplinkServer).SendCycle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: sendCycleMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(UplinkServer).SendCycle(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var uplinkServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*UplinkServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SendCycle",
			Handler:    sendCycleHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "trail/uplink.proto",
}
