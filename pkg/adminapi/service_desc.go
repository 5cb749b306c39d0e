package adminapi

import (
	"context"

	"google.golang.org/grpc"
)

// The following mirrors what protoc-gen-go-grpc would emit for a service
// with these six RPCs, hand-written because the retrieval pack carries no
// .proto sources or generated *.pb.go for any repo. decodeAndHandle takes
// the place of a generated _AdminAPI_Xxx_Handler's proto unmarshal step;
// grpc-go invokes it with the stream's configured codec (the "json" codec
// registered in codec.go for any call made with withJSONCodec), so it
// works unmodified regardless of wire format.

const serviceName = "hyperdrive.adminapi.AdminAPI"

func decodeAndHandle(dec func(interface{}) error, in interface{}, srv interface{}, ctx context.Context, call func(context.Context, interface{}) (interface{}, error), interceptor grpc.UnaryServerInterceptor, fullMethod string) (interface{}, error) {
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return call(ctx, req)
	}
	return interceptor(ctx, in, info, handler)
}

func _AdminAPI_ListProcesses_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListProcessesRequest)
	return decodeAndHandle(dec, in, srv, ctx,
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(adminServer).ListProcesses(ctx, req.(*ListProcessesRequest))
		}, interceptor, serviceName+"/ListProcesses")
}

func _AdminAPI_SpawnProcess_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SpawnProcessRequest)
	return decodeAndHandle(dec, in, srv, ctx,
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(adminServer).SpawnProcess(ctx, req.(*SpawnProcessRequest))
		}, interceptor, serviceName+"/SpawnProcess")
}

func _AdminAPI_KillProcess_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(KillProcessRequest)
	return decodeAndHandle(dec, in, srv, ctx,
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(adminServer).KillProcess(ctx, req.(*KillProcessRequest))
		}, interceptor, serviceName+"/KillProcess")
}

func _AdminAPI_RebootProcess_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RebootProcessRequest)
	return decodeAndHandle(dec, in, srv, ctx,
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(adminServer).RebootProcess(ctx, req.(*RebootProcessRequest))
		}, interceptor, serviceName+"/RebootProcess")
}

func _AdminAPI_GrantCapabilities_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GrantCapabilitiesRequest)
	return decodeAndHandle(dec, in, srv, ctx,
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(adminServer).GrantCapabilities(ctx, req.(*GrantCapabilitiesRequest))
		}, interceptor, serviceName+"/GrantCapabilities")
}

func _AdminAPI_RouterStats_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RouterStatsRequest)
	return decodeAndHandle(dec, in, srv, ctx,
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(adminServer).RouterStats(ctx, req.(*RouterStatsRequest))
		}, interceptor, serviceName+"/RouterStats")
}

// serviceDesc is registered against the grpc.Server in NewServer, the
// same role api/proto's generated _AdminAPI_serviceDesc would play.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*adminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListProcesses", Handler: _AdminAPI_ListProcesses_Handler},
		{MethodName: "SpawnProcess", Handler: _AdminAPI_SpawnProcess_Handler},
		{MethodName: "KillProcess", Handler: _AdminAPI_KillProcess_Handler},
		{MethodName: "RebootProcess", Handler: _AdminAPI_RebootProcess_Handler},
		{MethodName: "GrantCapabilities", Handler: _AdminAPI_GrantCapabilities_Handler},
		{MethodName: "RouterStats", Handler: _AdminAPI_RouterStats_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/adminapi/adminapi.proto",
}
