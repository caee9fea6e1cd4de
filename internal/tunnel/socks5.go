package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	t2dialer "github.com/xjasonlyu/tun2socks/v2/dialer"
	t2meta "github.com/xjasonlyu/tun2socks/v2/metadata"
	t2socks5 "github.com/xjasonlyu/tun2socks/v2/transport/socks5"
)

const (
	udpAssociateTimeout = 5 * time.Second
	tcpKeepAlivePeriod  = 30 * time.Second
)

// ErrUDPDisabled возвращается, когда SOCKS-вход движка не принимает UDP.
var ErrUDPDisabled = errors.New("udp relay is disabled")

// socks5Dialer переправляет соединения из netstack в SOCKS5-вход движка.
type socks5Dialer struct {
	addr string
	user *t2socks5.User
	udp  bool
}

func newSocks5Dialer(addr, username, password string, udp bool) (*socks5Dialer, error) {
	if addr == "" {
		return nil, fmt.Errorf("empty socks5 address")
	}
	d := &socks5Dialer{addr: addr, udp: udp}
	if username != "" {
		d.user = &t2socks5.User{Username: username, Password: password}
	}
	return d, nil
}

func (d *socks5Dialer) DialContext(ctx context.Context, metadata *t2meta.Metadata) (c net.Conn, err error) {
	c, err = t2dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", d.addr, err)
	}
	setKeepAlive(c)
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()
	if _, err = t2socks5.ClientHandshake(c, serializeAddr(metadata), t2socks5.CmdConnect, d.user); err != nil {
		return nil, err
	}
	return c, nil
}

func (d *socks5Dialer) DialUDP(*t2meta.Metadata) (_ net.PacketConn, err error) {
	if !d.udp {
		return nil, ErrUDPDisabled
	}
	ctx, cancel := context.WithTimeout(context.Background(), udpAssociateTimeout)
	defer cancel()

	c, err := t2dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", d.addr, err)
	}
	setKeepAlive(c)
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	// RFC1928: адрес назначения нулевой, пока клиент его не знает.
	var target t2socks5.Addr = []byte{t2socks5.AtypIPv4, 0, 0, 0, 0, 0, 0}
	bound, err := t2socks5.ClientHandshake(c, target, t2socks5.CmdUDPAssociate, d.user)
	if err != nil {
		return nil, fmt.Errorf("client handshake: %w", err)
	}
	pc, err := t2dialer.ListenPacket("udp", "")
	if err != nil {
		return nil, fmt.Errorf("listen packet: %w", err)
	}
	go func() {
		_, _ = io.Copy(io.Discard, c)
		_ = c.Close()
		_ = pc.Close()
	}()

	bindAddr := bound.UDPAddr()
	if bindAddr == nil {
		_ = pc.Close()
		return nil, fmt.Errorf("invalid UDP binding address: %#v", bound)
	}
	if bindAddr.IP.IsUnspecified() {
		udpAddr, resolveErr := net.ResolveUDPAddr("udp", d.addr)
		if resolveErr != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("resolve udp address %s: %w", d.addr, resolveErr)
		}
		bindAddr.IP = udpAddr.IP
	}
	return &socksPacketConn{PacketConn: pc, rAddr: bindAddr, tcpConn: c}, nil
}

type socksPacketConn struct {
	net.PacketConn
	rAddr   net.Addr
	tcpConn net.Conn
}

func (pc *socksPacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	var (
		packet []byte
		err    error
	)
	if ma, ok := addr.(*t2meta.Addr); ok {
		packet, err = t2socks5.EncodeUDPPacket(serializeAddr(ma.Metadata()), b)
	} else {
		packet, err = t2socks5.EncodeUDPPacket(t2socks5.ParseAddr(addr), b)
	}
	if err != nil {
		return 0, err
	}
	return pc.PacketConn.WriteTo(packet, pc.rAddr)
}

func (pc *socksPacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, _, err := pc.PacketConn.ReadFrom(b)
	if err != nil {
		return 0, nil, err
	}
	addr, payload, err := t2socks5.DecodeUDPPacket(b[:n])
	if err != nil {
		return 0, nil, err
	}
	udpAddr := addr.UDPAddr()
	if udpAddr == nil {
		return 0, nil, fmt.Errorf("convert %s to UDPAddr is nil", addr)
	}
	copy(b, payload)
	return len(payload), udpAddr, nil
}

func (pc *socksPacketConn) Close() error {
	_ = pc.tcpConn.Close()
	return pc.PacketConn.Close()
}

func serializeAddr(m *t2meta.Metadata) t2socks5.Addr {
	if m == nil {
		return t2socks5.Addr{t2socks5.AtypIPv4, 0, 0, 0, 0, 0, 0}
	}
	return t2socks5.SerializeAddr("", m.DstIP, m.DstPort)
}

func setKeepAlive(c net.Conn) {
	if tcp, ok := c.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(tcpKeepAlivePeriod)
	}
}
