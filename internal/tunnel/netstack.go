package tunnel

import (
	"fmt"
	"time"

	t2core "github.com/xjasonlyu/tun2socks/v2/core"
	t2device "github.com/xjasonlyu/tun2socks/v2/core/device"
	t2tun "github.com/xjasonlyu/tun2socks/v2/core/device/tun"
	t2tunnel "github.com/xjasonlyu/tun2socks/v2/tunnel"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

const netstackCloseTimeout = 3 * time.Second

// device представляет открытый TUN вместе с пользовательским сетевым стеком.
type device interface {
	Name() string
	Close() error
}

// deviceOpener открывает TUN и направляет его трафик в dialer.
type deviceOpener func(name string, mtu int, dialer *socks5Dialer) (device, error)

type netstackDevice struct {
	device   t2device.Device
	netstack *stack.Stack
}

func openNetstack(name string, mtu int, dialer *socks5Dialer) (device, error) {
	t2tunnel.T().SetDialer(dialer)
	dev, err := t2tun.Open(name, uint32(mtu))
	if err != nil {
		return nil, fmt.Errorf("open tun device: %w", err)
	}
	ns, err := t2core.CreateStack(&t2core.Config{
		LinkEndpoint:     dev,
		TransportHandler: t2tunnel.T(),
	})
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("create tun netstack: %w", err)
	}
	return &netstackDevice{device: dev, netstack: ns}, nil
}

func (d *netstackDevice) Name() string {
	return d.device.Name()
}

// Close закрывает стек и устройство; закрытие устройства разблокирует циклы чтения пакетов.
func (d *netstackDevice) Close() error {
	d.netstack.Close()
	d.device.Close()
	return waitNetstackClose(d.netstack, netstackCloseTimeout)
}

func waitNetstackClose(ns *stack.Stack, timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		ns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("wait tun netstack close timeout after %s", timeout)
	}
}
