// Package rpc carries the build client protocol over gRPC.
//
// Every method takes and returns a google.protobuf.Struct whose fields are the
// same JSON shapes the HTTP surface uses, so no generated code is needed.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "ci.dispatch.v1.BuildClientService"

// Method names, as they appear on the wire after the service name.
const (
	MethodReadyJobs    = "ReadyJobs"
	MethodClaimJob     = "ClaimJob"
	MethodStartStep    = "StartStep"
	MethodUpdateStep   = "UpdateStep"
	MethodCompleteStep = "CompleteStep"
	MethodJobFinished  = "JobFinished"
)

// BuildClientServer is the server side of the service.
type BuildClientServer interface {
	ReadyJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClaimJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartStep(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateStep(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CompleteStep(context.Context, *structpb.Struct) (*structpb.Struct, error)
	JobFinished(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterBuildClientServer registers srv on s.
func RegisterBuildClientServer(s grpc.ServiceRegistrar, srv BuildClientServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// unary builds a method handler that dispatches to call.
func unary(method string, call func(BuildClientServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(BuildClientServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes the service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BuildClientServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodReadyJobs, BuildClientServer.ReadyJobs),
		unary(MethodClaimJob, BuildClientServer.ClaimJob),
		unary(MethodStartStep, BuildClientServer.StartStep),
		unary(MethodUpdateStep, BuildClientServer.UpdateStep),
		unary(MethodCompleteStep, BuildClientServer.CompleteStep),
		unary(MethodJobFinished, BuildClientServer.JobFinished),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ci/dispatch/v1/build_client.proto",
}
