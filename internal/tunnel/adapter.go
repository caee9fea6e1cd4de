// Package tunnel поднимает TUN-интерфейс, пользовательский сетевой стек tun2socks
// и маршруты, направляющие системный трафик в SOCKS-вход движка.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"xraytun/internal/coreconfig"
	"xraytun/internal/logging"
	"xraytun/internal/routes"
)

// ErrAlreadyOpen возвращается при повторном Open без Close.
var ErrAlreadyOpen = errors.New("tunnel is already open")

// RouteManager управляет адресами интерфейса и таблицей маршрутов.
type RouteManager interface {
	ConfigureInterface(ctx context.Context, name string, addrs []netip.Prefix, mtu int) error
	DefaultGateway(ctx context.Context, v6 bool, exclude string) (routes.Gateway, error)
	AddRoute(ctx context.Context, dest netip.Prefix, via routes.Gateway, kind routes.Kind) (routes.Record, error)
	RemoveAll(ctx context.Context, kinds ...routes.Kind) error
}

// DNSManager назначает DNS интерфейсу.
type DNSManager interface {
	SetInterfaceDNS(ctx context.Context, iface string, servers []netip.Addr) error
	Reset(ctx context.Context, iface string) error
}

// Resolver разрешает имена серверов до поднятия маршрутов.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Adapter реализует открытие и закрытие туннеля для контроллера сессии.
type Adapter struct {
	logger   *logging.Logger
	routes   RouteManager
	dns      DNSManager
	resolver Resolver
	open     deviceOpener
	index    func(name string) int

	mu     sync.Mutex
	dev    device
	dnsSet bool
}

// NewAdapter создаёт адаптер поверх системных менеджеров маршрутов и DNS.
func NewAdapter(logger *logging.Logger, routeManager RouteManager, dnsManager DNSManager) *Adapter {
	return &Adapter{
		logger:   logger,
		routes:   routeManager,
		dns:      dnsManager,
		resolver: net.DefaultResolver,
		open:     openNetstack,
		index:    interfaceIndex,
	}
}

// Open поднимает туннель. При ошибке или истечении ctx всё, что успело подняться, снимается.
func (a *Adapter) Open(ctx context.Context, params coreconfig.TunParams) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev != nil {
		return ErrAlreadyOpen
	}
	if len(params.ExcludedApps) > 0 {
		a.logger.Warnf("per-application exclusion is not supported by the desktop tunnel, ignoring %d apps", len(params.ExcludedApps))
	}

	socks := params.Socks.AddrPort()
	dialer, err := newSocks5Dialer(socks.String(), params.Socks.Username, params.Socks.Password, params.Socks.UDP)
	if err != nil {
		return err
	}

	// адреса серверов и шлюз определяются до того, как трафик уйдёт в TUN
	servers, err := a.resolveServers(ctx, params.ServerHosts)
	if err != nil {
		return err
	}
	gw4, gw6, err := a.gateways(ctx, params)
	if err != nil {
		return err
	}

	type result struct {
		dev device
		err error
	}
	done := make(chan result, 1)
	go func() {
		dev, err := a.open(params.Name, params.MTU, dialer)
		done <- result{dev, err}
	}()
	var dev device
	select {
	case res := <-done:
		if res.err != nil {
			return res.err
		}
		dev = res.dev
	case <-ctx.Done():
		go func() {
			if res := <-done; res.dev != nil {
				_ = res.dev.Close()
			}
		}()
		return ctx.Err()
	}
	a.dev = dev

	if err := a.configure(ctx, dev, params, servers, gw4, gw6); err != nil {
		a.logger.Errorf("configure tunnel: %v", err)
		if closeErr := a.closeLocked(context.WithoutCancel(ctx)); closeErr != nil {
			a.logger.Warnf("rollback tunnel: %v", closeErr)
		}
		return err
	}
	a.logger.Infof("tunnel %s is up (mtu=%d, routes=%d, socks=%s)", dev.Name(), params.MTU, len(params.Routes), socks)
	return nil
}

func (a *Adapter) configure(ctx context.Context, dev device, params coreconfig.TunParams, servers []netip.Addr, gw4, gw6 *routes.Gateway) error {
	name := dev.Name()
	addrs := []netip.Prefix{params.IPv4}
	if params.IPv6.IsValid() {
		addrs = append(addrs, params.IPv6)
	}
	if err := a.routes.ConfigureInterface(ctx, name, addrs, params.MTU); err != nil {
		return fmt.Errorf("configure interface: %w", err)
	}

	for _, server := range routes.HostPrefixes(servers) {
		via := gw4
		if server.Addr().Is6() {
			via = gw6
		}
		if via == nil {
			a.logger.Warnf("no uplink gateway for server %s, bypass route skipped", server)
			continue
		}
		if _, err := a.routes.AddRoute(ctx, server, *via, routes.KindBypass); err != nil {
			return fmt.Errorf("add bypass route: %w", err)
		}
	}

	index := a.index(name)
	for _, dest := range params.Routes {
		via := routes.Gateway{Interface: name, InterfaceIndex: index, OnLink: true, IP: params.IPv4.Addr()}
		if dest.Addr().Is6() {
			if !params.IPv6.IsValid() {
				continue
			}
			via.IP = params.IPv6.Addr()
		}
		if _, err := a.routes.AddRoute(ctx, dest, via, routes.KindTunnel); err != nil {
			return fmt.Errorf("add tunnel route: %w", err)
		}
	}

	if len(params.DNS) > 0 {
		if err := a.dns.SetInterfaceDNS(ctx, name, params.DNS); err != nil {
			a.logger.Warnf("set tunnel dns: %v", err)
		} else {
			a.dnsSet = true
		}
	}
	return ctx.Err()
}

func (a *Adapter) resolveServers(ctx context.Context, hosts []string) ([]netip.Addr, error) {
	var out []netip.Addr
	for _, host := range hosts {
		if addr, err := netip.ParseAddr(host); err == nil {
			out = append(out, addr.Unmap())
			continue
		}
		addrs, err := a.resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("resolve server %q: %w", host, err)
		}
		for _, addr := range addrs {
			out = append(out, addr.Unmap())
		}
	}
	return out, nil
}

func (a *Adapter) gateways(ctx context.Context, params coreconfig.TunParams) (*routes.Gateway, *routes.Gateway, error) {
	gw4, err := a.routes.DefaultGateway(ctx, false, params.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("detect default gateway: %w", err)
	}
	if !params.IPv6.IsValid() {
		return &gw4, nil, nil
	}
	gw6, err := a.routes.DefaultGateway(ctx, true, params.Name)
	if err != nil {
		a.logger.Infof("no IPv6 uplink: %v", err)
		return &gw4, nil, nil
	}
	return &gw4, &gw6, nil
}

// Close снимает DNS и маршруты, затем закрывает устройство. Повторный вызов ничего не делает.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeLocked(ctx)
}

func (a *Adapter) closeLocked(ctx context.Context) error {
	if a.dev == nil {
		return nil
	}
	dev := a.dev
	a.dev = nil

	var errs []error
	if a.dnsSet {
		if err := a.dns.Reset(ctx, dev.Name()); err != nil {
			a.logger.Warnf("reset tunnel dns: %v", err)
		}
		a.dnsSet = false
	}
	if err := a.routes.RemoveAll(ctx, routes.KindTunnel, routes.KindBypass); err != nil {
		errs = append(errs, err)
	}
	if err := dev.Close(); err != nil {
		errs = append(errs, err)
	}
	a.logger.Infof("tunnel %s closed", dev.Name())
	return errors.Join(errs...)
}

// IsOpen сообщает, поднят ли туннель.
func (a *Adapter) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dev != nil
}

func interfaceIndex(name string) int {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0
	}
	return iface.Index
}
