package ipc

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xraytun/internal/logging"
	"xraytun/internal/state"
)

// Controller описывает то, что сервер отдаёт клиентам.
type Controller interface {
	Toggle(ctx context.Context, by state.ObserverID) (state.Snapshot, error)
	Start(ctx context.Context, by state.ObserverID) (state.Snapshot, error)
	Stop(ctx context.Context, by state.ObserverID) (state.Snapshot, error)
	CurrentState() state.Snapshot
	Subscribe(id state.ObserverID, fn func(state.Snapshot))
	Unsubscribe(id state.ObserverID)
}

// VersionFunc возвращает версии приложения и движка.
type VersionFunc func(ctx context.Context) Versions

// Server обслуживает сигналы управления сессией.
type Server struct {
	grpc     *grpc.Server
	ctrl     Controller
	versions VersionFunc
	logger   *logging.Logger
}

// NewServer создаёт сервер поверх контроллера сессии.
func NewServer(ctrl Controller, versions VersionFunc, logger *logging.Logger, opts ...grpc.ServerOption) *Server {
	s := &Server{ctrl: ctrl, versions: versions, logger: logger}
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(s.recoverUnary, s.logUnary),
	}, opts...)
	s.grpc = grpc.NewServer(opts...)
	s.grpc.RegisterService(&serviceDesc, sessionServer(s))
	return s
}

// Listen открывает адрес из конфигурации и обслуживает запросы до Shutdown.
func (s *Server) Listen(address string) error {
	ln, err := listen(address)
	if err != nil {
		return fmt.Errorf("ipc: listen %s: %w", address, err)
	}
	s.logger.Infof("ipc listening on %s", address)
	return s.Serve(ln)
}

// Serve обслуживает уже открытый listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.grpc.Serve(ln)
}

// Shutdown завершает сервер, дожидаясь активных вызовов не дольше timeout.
func (s *Server) Shutdown(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.grpc.Stop()
	}
}

func requester(in *wrapperspb.StringValue) state.ObserverID {
	if v := in.GetValue(); v != "" {
		return state.ObserverID(v)
	}
	return "ipc"
}

func (s *Server) Toggle(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	snap, err := s.ctrl.Toggle(ctx, requester(in))
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeSnapshot(snap), nil
}

func (s *Server) Start(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	snap, err := s.ctrl.Start(ctx, requester(in))
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeSnapshot(snap), nil
}

func (s *Server) Stop(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	snap, err := s.ctrl.Stop(ctx, requester(in))
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeSnapshot(snap), nil
}

func (s *Server) State(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return encodeSnapshot(s.ctrl.CurrentState()), nil
}

func (s *Server) Version(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	var v Versions
	if s.versions != nil {
		v = s.versions(ctx)
	}
	return encodeVersions(v), nil
}

// Watch отправляет клиенту текущий снимок и все последующие. Если клиент
// не успевает читать, промежуточные снимки заменяются последним.
func (s *Server) Watch(in *wrapperspb.StringValue, stream grpc.ServerStream) error {
	id := state.ObserverID(fmt.Sprintf("%s-%s", requester(in), uuid.NewString()))
	updates := make(chan state.Snapshot, 16)
	s.ctrl.Subscribe(id, func(snap state.Snapshot) {
		for {
			select {
			case updates <- snap:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer s.ctrl.Unsubscribe(id)
	s.logger.Debugf("watch %s attached", id)
	defer s.logger.Debugf("watch %s detached", id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-updates:
			if err := stream.SendMsg(encodeSnapshot(snap)); err != nil {
				return err
			}
		}
	}
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	started := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Warnf("ipc %s failed in %s: %v", info.FullMethod, time.Since(started), err)
	} else {
		s.logger.Debugf("ipc %s done in %s", info.FullMethod, time.Since(started))
	}
	return resp, err
}

func (s *Server) recoverUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("panic in ipc %s: %v\n%s", info.FullMethod, r, debug.Stack())
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}
