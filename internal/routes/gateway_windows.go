//go:build windows

package routes

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

const gaaFlagIncludeGateways = 0x0080

// DefaultGateway ищет единственный маршрут по умолчанию через GetAdaptersAddresses.
// Интерфейс exclude (сам TUN) пропускается.
func (m *Manager) DefaultGateway(_ context.Context, v6 bool, exclude string) (Gateway, error) {
	family := uint32(windows.AF_INET)
	if v6 {
		family = windows.AF_INET6
	}
	flags := uint32(gaaFlagIncludeGateways)
	var size uint32
	if err := windows.GetAdaptersAddresses(family, flags, 0, nil, &size); err != windows.ERROR_BUFFER_OVERFLOW {
		return Gateway{}, fmt.Errorf("GetAdaptersAddresses sizing: %w", err)
	}
	buffer := make([]byte, size)
	addresses := (*windows.IpAdapterAddresses)(unsafe.Pointer(&buffer[0]))
	if err := windows.GetAdaptersAddresses(family, flags, 0, addresses, &size); err != nil {
		return Gateway{}, fmt.Errorf("GetAdaptersAddresses: %w", err)
	}
	var found *Gateway
	for adapter := addresses; adapter != nil; adapter = adapter.Next {
		if adapter.OperStatus != windows.IfOperStatusUp {
			continue
		}
		name := windows.UTF16PtrToString(adapter.FriendlyName)
		if exclude != "" && strings.EqualFold(name, exclude) {
			continue
		}
		for gw := adapter.FirstGatewayAddress; gw != nil; gw = gw.Next {
			ip, ok := sockaddrAddr(gw.Address.Sockaddr)
			if !ok || ip.IsUnspecified() {
				continue
			}
			info := Gateway{IP: ip, Interface: name}
			if v6 {
				info.InterfaceIndex = int(adapter.Ipv6IfIndex)
				info.Metric = int(adapter.Ipv6Metric)
			} else {
				info.InterfaceIndex = int(adapter.IfIndex)
				info.Metric = int(adapter.Ipv4Metric)
			}
			if info.Metric <= 0 {
				info.Metric = 1
			}
			if found == nil {
				found = &info
				continue
			}
			if found.IP != info.IP || found.InterfaceIndex != info.InterfaceIndex {
				// при нескольких шлюзах выбираем интерфейс с меньшей метрикой
				if info.Metric < found.Metric {
					found = &info
				}
			}
		}
	}
	if found == nil {
		return Gateway{}, fmt.Errorf("default gateway not found")
	}
	return *found, nil
}

func sockaddrAddr(sa *windows.RawSockaddrAny) (netip.Addr, bool) {
	if sa == nil {
		return netip.Addr{}, false
	}
	switch sa.Addr.Family {
	case windows.AF_INET:
		sa4 := (*windows.RawSockaddrInet4)(unsafe.Pointer(sa))
		return netip.AddrFrom4(sa4.Addr), true
	case windows.AF_INET6:
		sa6 := (*windows.RawSockaddrInet6)(unsafe.Pointer(sa))
		return netip.AddrFrom16(sa6.Addr), true
	}
	return netip.Addr{}, false
}
