package probe

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xraytun/internal/settings"
)

// relaySocks5 принимает CONNECT без авторизации и соединяет клиента с целью.
func relaySocks5(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handleSocks(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

func handleSocks(conn net.Conn) {
	defer conn.Close()
	head := make([]byte, 2)
	if _, err := io.ReadFull(conn, head); err != nil {
		return
	}
	if _, err := io.ReadFull(conn, make([]byte, head[1])); err != nil {
		return
	}
	_, _ = conn.Write([]byte{5, 0})

	req := make([]byte, 4)
	if _, err := io.ReadFull(conn, req); err != nil || req[3] != 1 {
		return
	}
	addr := make([]byte, 6)
	if _, err := io.ReadFull(conn, addr); err != nil {
		return
	}
	target := net.JoinHostPort(net.IP(addr[:4]).String(), strconv.Itoa(int(binary.BigEndian.Uint16(addr[4:]))))
	upstream, err := net.Dial("tcp", target)
	if err != nil {
		_, _ = conn.Write([]byte{5, 5, 0, 1, 0, 0, 0, 0, 0, 0})
		return
	}
	defer upstream.Close()
	_, _ = conn.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0})
	go func() { _, _ = io.Copy(upstream, conn) }()
	_, _ = io.Copy(conn, upstream)
}

func probeSettings(socks *net.TCPAddr, target string) settings.Settings {
	s := settings.Default()
	s.SocksAddress = socks.IP.String()
	s.SocksPort = socks.Port
	s.PingAddress = target
	s.PingTimeout = 2
	return s
}

func TestMeasureThroughSocks(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer target.Close()

	res := New().Measure(context.Background(), probeSettings(relaySocks5(t), target.URL))
	require.NoError(t, res.Err)
	assert.GreaterOrEqual(t, res.Delay, 20*time.Millisecond)
	assert.Regexp(t, `^\d+ ms$`, res.String())
}

func TestMeasureTimeout(t *testing.T) {
	release := make(chan struct{})
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer target.Close()
	defer close(release)

	s := probeSettings(relaySocks5(t), target.URL)
	s.PingTimeout = 1
	res := New().Measure(context.Background(), s)
	require.Error(t, res.Err)
	assert.Equal(t, "timeout after 1s", res.String())
}

func TestMeasureWithoutSocks(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	res := New().Measure(context.Background(), probeSettings(addr, "http://example.invalid"))
	assert.Error(t, res.Err)
}
