package server

import (
	"context"

	"google.golang.org/grpc"

	v1 "github.com/lipandr/dlog/api/v1"
)

// PartitionServer is the RPC surface one partition node exposes, to both
// producer/consumer clients and peer primary/backup nodes. Hand-written in
// place of protoc-gen-go-grpc output (no protoc toolchain available here;
// see DESIGN.md) but shaped exactly the way generated code shapes it.
type PartitionServer interface {
	Write(context.Context, *v1.WriteRequest) (*v1.WriteResponse, error)
	Read(context.Context, *v1.ReadRequest) (*v1.ReadResponse, error)
	OpenSession(context.Context, *v1.OpenSessionRequest) (*v1.OpenSessionResponse, error)
	CloseSession(context.Context, *v1.CloseSessionRequest) (*v1.CloseSessionResponse, error)
	Heartbeat(context.Context, *v1.HeartbeatRequest) (*v1.HeartbeatResponse, error)
	Consume(*v1.ConsumeRequest, Partition_ConsumeServer) error

	Replicate(context.Context, *v1.ReplicateRequest) (*v1.ReplicateResponse, error)
	Truncate(context.Context, *v1.TruncateRequest) (*v1.TruncateResponse, error)
	Commit(context.Context, *v1.CommitMessage) (*v1.CommitAck, error)
	Status(context.Context, *v1.StatusRequest) (*v1.StatusResponse, error)
}

// Partition_ConsumeServer is the server side of the Consume server stream.
type Partition_ConsumeServer interface {
	Send(*v1.ConsumeEvent) error
	grpc.ServerStream
}

type partitionConsumeServer struct {
	grpc.ServerStream
}

func (x *partitionConsumeServer) Send(m *v1.ConsumeEvent) error {
	return x.ServerStream.SendMsg(m)
}

func _Partition_Write_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(v1.WriteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PartitionServer).Write(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dlog.v1.Partition/Write"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PartitionServer).Write(ctx, req.(*v1.WriteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Partition_Read_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(v1.ReadRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PartitionServer).Read(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dlog.v1.Partition/Read"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PartitionServer).Read(ctx, req.(*v1.ReadRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Partition_OpenSession_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(v1.OpenSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PartitionServer).OpenSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dlog.v1.Partition/OpenSession"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PartitionServer).OpenSession(ctx, req.(*v1.OpenSessionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Partition_CloseSession_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(v1.CloseSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PartitionServer).CloseSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dlog.v1.Partition/CloseSession"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PartitionServer).CloseSession(ctx, req.(*v1.CloseSessionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Partition_Heartbeat_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(v1.HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PartitionServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dlog.v1.Partition/Heartbeat"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PartitionServer).Heartbeat(ctx, req.(*v1.HeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Partition_Replicate_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(v1.ReplicateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PartitionServer).Replicate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dlog.v1.Partition/Replicate"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PartitionServer).Replicate(ctx, req.(*v1.ReplicateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Partition_Truncate_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(v1.TruncateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PartitionServer).Truncate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dlog.v1.Partition/Truncate"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PartitionServer).Truncate(ctx, req.(*v1.TruncateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Partition_Commit_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(v1.CommitMessage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PartitionServer).Commit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dlog.v1.Partition/Commit"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PartitionServer).Commit(ctx, req.(*v1.CommitMessage))
	}
	return interceptor(ctx, in, info, handler)
}

func _Partition_Status_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(v1.StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PartitionServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dlog.v1.Partition/Status"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PartitionServer).Status(ctx, req.(*v1.StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Partition_Consume_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(v1.ConsumeRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(PartitionServer).Consume(m, &partitionConsumeServer{stream})
}

// PartitionServiceDesc is the hand-rolled grpc.ServiceDesc a generated
// _grpc.pb.go file would otherwise provide.
var PartitionServiceDesc = grpc.ServiceDesc{
	ServiceName: "dlog.v1.Partition",
	HandlerType: (*PartitionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Write", Handler: _Partition_Write_Handler},
		{MethodName: "Read", Handler: _Partition_Read_Handler},
		{MethodName: "OpenSession", Handler: _Partition_OpenSession_Handler},
		{MethodName: "CloseSession", Handler: _Partition_CloseSession_Handler},
		{MethodName: "Heartbeat", Handler: _Partition_Heartbeat_Handler},
		{MethodName: "Replicate", Handler: _Partition_Replicate_Handler},
		{MethodName: "Truncate", Handler: _Partition_Truncate_Handler},
		{MethodName: "Commit", Handler: _Partition_Commit_Handler},
		{MethodName: "Status", Handler: _Partition_Status_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Consume", Handler: _Partition_Consume_Handler, ServerStreams: true},
	},
}
