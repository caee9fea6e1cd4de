package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xraytun/internal/state"
)

const defaultDialTimeout = 5 * time.Second

// Client подключается к запущенному приложению и посылает ему сигналы.
type Client struct {
	conn *grpc.ClientConn
	by   state.ObserverID
}

// Dial подключается к адресу из конфигурации. by попадает в RequestedBy снимков.
func Dial(address string, by state.ObserverID) (*Client, error) {
	return DialWith(address, by, func(ctx context.Context, _ string) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
		return dial(ctx, address)
	})
}

// DialWith подключается через переданный dialer; используется в тестах.
func DialWith(address string, by state.ObserverID, dialer func(context.Context, string) (net.Conn, error)) (*Client, error) {
	conn, err := grpc.NewClient(
		"passthrough:///"+address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(dialer),
	)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", address, err)
	}
	return &Client{conn: conn, by: by}, nil
}

// Close закрывает соединение.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) signal(ctx context.Context, method string) (state.Snapshot, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, wrapperspb.String(string(c.by)), out); err != nil {
		return state.Snapshot{}, fromStatus(err)
	}
	return decodeSnapshot(out), nil
}

// Toggle переключает сессию так же, как кнопка в окне.
func (c *Client) Toggle(ctx context.Context) (state.Snapshot, error) {
	return c.signal(ctx, methodToggle)
}

// Start запускает сессию.
func (c *Client) Start(ctx context.Context) (state.Snapshot, error) {
	return c.signal(ctx, methodStart)
}

// Stop останавливает сессию.
func (c *Client) Stop(ctx context.Context) (state.Snapshot, error) {
	return c.signal(ctx, methodStop)
}

// State возвращает текущий снимок.
func (c *Client) State(ctx context.Context) (state.Snapshot, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodState, &emptypb.Empty{}, out); err != nil {
		return state.Snapshot{}, fromStatus(err)
	}
	return decodeSnapshot(out), nil
}

// Version возвращает версии приложения и движка.
func (c *Client) Version(ctx context.Context) (Versions, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodVersion, &emptypb.Empty{}, out); err != nil {
		return Versions{}, fromStatus(err)
	}
	return decodeVersions(out), nil
}

// Watch вызывает fn для каждого снимка до отмены ctx или разрыва соединения.
func (c *Client) Watch(ctx context.Context, fn func(state.Snapshot)) error {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], methodWatch)
	if err != nil {
		return fromStatus(err)
	}
	if err := stream.SendMsg(wrapperspb.String(string(c.by))); err != nil {
		return fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fromStatus(err)
		}
		fn(decodeSnapshot(out))
	}
}
