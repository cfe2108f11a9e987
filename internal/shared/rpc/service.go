package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName = "jobtracker.v1.Coordinator"

	HeartbeatMethod     = "/" + ServiceName + "/Heartbeat"
	ClusterStatusMethod = "/" + ServiceName + "/ClusterStatus"
)

// CoordinatorServer is implemented by the coordinator's RPC endpoint.
type CoordinatorServer interface {
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error)
	ClusterStatus(ctx context.Context, req *ClusterStatusRequest) (*ClusterStatusResponse, error)
}

func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&coordinatorServiceDesc, srv)
}

var coordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
		{MethodName: "ClusterStatus", Handler: clusterStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "jobtracker/coordinator",
}

func heartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: HeartbeatMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServer).Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func clusterStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ClusterStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).ClusterStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ClusterStatusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServer).ClusterStatus(ctx, req.(*ClusterStatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// CoordinatorClient is the worker side of the contract.
type CoordinatorClient interface {
	Heartbeat(ctx context.Context, req *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error)
	ClusterStatus(ctx context.Context, req *ClusterStatusRequest, opts ...grpc.CallOption) (*ClusterStatusResponse, error)
}

type coordinatorClient struct {
	cc grpc.ClientConnInterface
}

func NewCoordinatorClient(cc grpc.ClientConnInterface) CoordinatorClient {
	return &coordinatorClient{cc: cc}
}

func (c *coordinatorClient) Heartbeat(ctx context.Context, req *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	out := new(HeartbeatResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, HeartbeatMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) ClusterStatus(ctx context.Context, req *ClusterStatusRequest, opts ...grpc.CallOption) (*ClusterStatusResponse, error) {
	out := new(ClusterStatusResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, ClusterStatusMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
