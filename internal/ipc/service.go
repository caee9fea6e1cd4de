// Package ipc предоставляет именованные сигналы start/stop/toggle/state/watch
// поверх gRPC: named pipe на Windows, unix socket на остальных системах.
package ipc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xraytun/internal/state"
)

const serviceName = "xraytun.v1.Session"

const (
	methodToggle  = "/" + serviceName + "/Toggle"
	methodStart   = "/" + serviceName + "/Start"
	methodStop    = "/" + serviceName + "/Stop"
	methodState   = "/" + serviceName + "/State"
	methodVersion = "/" + serviceName + "/Version"
	methodWatch   = "/" + serviceName + "/Watch"
)

// sessionServer описывает серверную сторону сервиса. Сообщения взяты из
// well-known типов protobuf, поэтому отдельная генерация кода не нужна.
type sessionServer interface {
	Toggle(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Start(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Stop(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	State(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Version(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Watch(*wrapperspb.StringValue, grpc.ServerStream) error
}

func requesterHandler(call func(sessionServer, context.Context, *wrapperspb.StringValue) (*structpb.Struct, error), method string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(wrapperspb.StringValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(sessionServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(sessionServer), ctx, req.(*wrapperspb.StringValue))
		})
	}
}

func emptyHandler(call func(sessionServer, context.Context, *emptypb.Empty) (*structpb.Struct, error), method string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(sessionServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(sessionServer), ctx, req.(*emptypb.Empty))
		})
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(sessionServer).Watch(in, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*sessionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Toggle", Handler: requesterHandler(sessionServer.Toggle, methodToggle)},
		{MethodName: "Start", Handler: requesterHandler(sessionServer.Start, methodStart)},
		{MethodName: "Stop", Handler: requesterHandler(sessionServer.Stop, methodStop)},
		{MethodName: "State", Handler: emptyHandler(sessionServer.State, methodState)},
		{MethodName: "Version", Handler: emptyHandler(sessionServer.Version, methodVersion)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "xraytun/session.proto",
}

func encodeSnapshot(s state.Snapshot) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"state":             structpb.NewStringValue(string(s.State)),
		"active_profile_id": structpb.NewStringValue(s.ActiveProfileID),
		"last_error":        structpb.NewStringValue(s.LastError),
		"requested_by":      structpb.NewStringValue(string(s.RequestedBy)),
		"version":           structpb.NewNumberValue(float64(s.Version)),
		"changed_at":        structpb.NewStringValue(s.ChangedAt.UTC().Format(time.RFC3339Nano)),
	}}
}

func decodeSnapshot(msg *structpb.Struct) state.Snapshot {
	fields := msg.GetFields()
	snap := state.Snapshot{
		State:           state.State(fields["state"].GetStringValue()),
		ActiveProfileID: fields["active_profile_id"].GetStringValue(),
		LastError:       fields["last_error"].GetStringValue(),
		RequestedBy:     state.ObserverID(fields["requested_by"].GetStringValue()),
		Version:         uint64(fields["version"].GetNumberValue()),
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["changed_at"].GetStringValue()); err == nil {
		snap.ChangedAt = ts
	}
	return snap
}

// Versions описывает версии приложения и движка.
type Versions struct {
	App    string
	Engine string
}

func encodeVersions(v Versions) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"app":    structpb.NewStringValue(v.App),
		"engine": structpb.NewStringValue(v.Engine),
	}}
}

func decodeVersions(msg *structpb.Struct) Versions {
	fields := msg.GetFields()
	return Versions{App: fields["app"].GetStringValue(), Engine: fields["engine"].GetStringValue()}
}
