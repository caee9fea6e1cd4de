package tunnel

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	t2meta "github.com/xjasonlyu/tun2socks/v2/metadata"
)

type socksRequest struct {
	user, pass string
	dst        netip.AddrPort
}

// serveSocks5 принимает одно CONNECT-соединение с авторизацией по паролю и работает как эхо.
func serveSocks5(t *testing.T, ln net.Listener, got chan<- socksRequest) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	head := make([]byte, 2)
	if _, err := io.ReadFull(conn, head); err != nil {
		return
	}
	methods := make([]byte, head[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return
	}
	_, _ = conn.Write([]byte{5, 2})

	var req socksRequest
	auth := make([]byte, 2)
	if _, err := io.ReadFull(conn, auth); err != nil {
		return
	}
	user := make([]byte, auth[1])
	_, _ = io.ReadFull(conn, user)
	plen := make([]byte, 1)
	_, _ = io.ReadFull(conn, plen)
	pass := make([]byte, plen[0])
	_, _ = io.ReadFull(conn, pass)
	req.user, req.pass = string(user), string(pass)
	_, _ = conn.Write([]byte{1, 0})

	cmd := make([]byte, 4)
	if _, err := io.ReadFull(conn, cmd); err != nil {
		return
	}
	ip := make([]byte, 4)
	_, _ = io.ReadFull(conn, ip)
	port := make([]byte, 2)
	_, _ = io.ReadFull(conn, port)
	req.dst = netip.AddrPortFrom(netip.AddrFrom4([4]byte(ip)), binary.BigEndian.Uint16(port))
	_, _ = conn.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0})
	got <- req

	_, _ = io.Copy(conn, conn)
}

func TestSocks5DialerConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	got := make(chan socksRequest, 1)
	go serveSocks5(t, ln, got)

	d, err := newSocks5Dialer(ln.Addr().String(), "alice", "secret", false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := d.DialContext(ctx, &t2meta.Metadata{
		Network: t2meta.TCP,
		DstIP:   netip.MustParseAddr("93.184.216.34"),
		DstPort: 443,
	})
	require.NoError(t, err)
	defer conn.Close()

	req := <-got
	assert.Equal(t, "alice", req.user)
	assert.Equal(t, "secret", req.pass)
	assert.Equal(t, netip.MustParseAddrPort("93.184.216.34:443"), req.dst)

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestSocks5DialerUDPDisabled(t *testing.T) {
	d, err := newSocks5Dialer("127.0.0.1:1", "", "", false)
	require.NoError(t, err)
	_, err = d.DialUDP(nil)
	assert.ErrorIs(t, err, ErrUDPDisabled)

	_, err = newSocks5Dialer("", "", "", true)
	assert.Error(t, err)
}
