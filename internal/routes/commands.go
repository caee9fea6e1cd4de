package routes

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

type windowsPlatform struct{}

func (windowsPlatform) addRoute(dest netip.Prefix, via Gateway) (command, error) {
	if !via.IP.IsValid() {
		return command{}, fmt.Errorf("gateway is not defined")
	}
	if dest.Addr().Is4() {
		if !via.IP.Is4() {
			return command{}, fmt.Errorf("gateway %s is not IPv4", via.IP)
		}
		args := []string{"ADD", dest.Addr().String(), "MASK", ipv4Mask(dest.Bits()), via.IP.String(), "METRIC", strconv.Itoa(via.Metric)}
		if via.InterfaceIndex > 0 {
			args = append(args, "IF", strconv.Itoa(via.InterfaceIndex))
		}
		return command{name: "route.exe", args: args}, nil
	}
	if via.InterfaceIndex <= 0 {
		return command{}, fmt.Errorf("interface index is required for IPv6 routes")
	}
	return command{name: "netsh", args: []string{
		"interface", "ipv6", "add", "route",
		"prefix=" + dest.String(),
		"interface=" + strconv.Itoa(via.InterfaceIndex),
		"nexthop=" + via.IP.String(),
		"metric=" + strconv.Itoa(via.Metric),
		"store=active",
	}}, nil
}

func (windowsPlatform) deleteRoute(record Record) (command, error) {
	dest := record.Destination
	if dest.Addr().Is4() {
		args := []string{"DELETE", dest.Addr().String(), "MASK", ipv4Mask(dest.Bits())}
		if record.Gateway.IsValid() {
			args = append(args, record.Gateway.String())
		}
		if record.InterfaceIndex > 0 {
			args = append(args, "IF", strconv.Itoa(record.InterfaceIndex))
		}
		return command{name: "route.exe", args: args}, nil
	}
	args := []string{"interface", "ipv6", "delete", "route", "prefix=" + dest.String()}
	if record.InterfaceIndex > 0 {
		args = append(args, "interface="+strconv.Itoa(record.InterfaceIndex))
	}
	if record.Gateway.IsValid() {
		args = append(args, "nexthop="+record.Gateway.String())
	}
	args = append(args, "store=active")
	return command{name: "netsh", args: args}, nil
}

func (windowsPlatform) configureInterface(name string, addrs []netip.Prefix, mtu int) ([]command, error) {
	var commands []command
	hasV6 := false
	for _, p := range addrs {
		if p.Addr().Is4() {
			commands = append(commands, command{name: "netsh", args: []string{
				"interface", "ipv4", "set", "address",
				"name=" + name, "source=static",
				"address=" + p.Addr().String(), "mask=" + ipv4Mask(p.Bits()),
			}})
			continue
		}
		hasV6 = true
		commands = append(commands, command{name: "netsh", args: []string{
			"interface", "ipv6", "add", "address",
			"interface=" + name, "address=" + p.String(), "store=active",
		}})
	}
	if mtu > 0 {
		commands = append(commands, command{name: "netsh", args: []string{
			"interface", "ipv4", "set", "subinterface", name, "mtu=" + strconv.Itoa(mtu), "store=active",
		}})
		if hasV6 {
			commands = append(commands, command{name: "netsh", args: []string{
				"interface", "ipv6", "set", "subinterface", name, "mtu=" + strconv.Itoa(mtu), "store=active",
			}})
		}
	}
	return commands, nil
}

func (windowsPlatform) onLinkNeedsGateway() bool { return true }

// route.exe и netsh пишут сообщения в OEM-кодировке консоли.
func (windowsPlatform) decode(output []byte) string {
	return decodeOEMText(output)
}

type linuxPlatform struct{}

func ipFamily(addr netip.Addr) []string {
	if addr.Is6() {
		return []string{"-6"}
	}
	return []string{"-4"}
}

func (linuxPlatform) addRoute(dest netip.Prefix, via Gateway) (command, error) {
	if via.Interface == "" {
		return command{}, fmt.Errorf("interface is not defined")
	}
	args := append(ipFamily(dest.Addr()), "route", "replace", dest.String())
	if via.IP.IsValid() && !via.OnLink {
		args = append(args, "via", via.IP.String())
	}
	args = append(args, "dev", via.Interface, "metric", strconv.Itoa(via.Metric))
	return command{name: "ip", args: args}, nil
}

func (linuxPlatform) deleteRoute(record Record) (command, error) {
	args := append(ipFamily(record.Destination.Addr()), "route", "del", record.Destination.String())
	if record.Gateway.IsValid() {
		args = append(args, "via", record.Gateway.String())
	}
	if record.Interface != "" {
		args = append(args, "dev", record.Interface)
	}
	return command{name: "ip", args: args}, nil
}

func (linuxPlatform) configureInterface(name string, addrs []netip.Prefix, mtu int) ([]command, error) {
	commands := make([]command, 0, len(addrs)+1)
	for _, p := range addrs {
		args := append(ipFamily(p.Addr()), "addr", "replace", p.String(), "dev", name)
		commands = append(commands, command{name: "ip", args: args})
	}
	link := []string{"link", "set", "dev", name}
	if mtu > 0 {
		link = append(link, "mtu", strconv.Itoa(mtu))
	}
	commands = append(commands, command{name: "ip", args: append(link, "up")})
	return commands, nil
}

func (linuxPlatform) decode(output []byte) string {
	return string(output)
}

func (linuxPlatform) onLinkNeedsGateway() bool { return false }

type unsupportedPlatform struct{}

func (unsupportedPlatform) addRoute(netip.Prefix, Gateway) (command, error) {
	return command{}, ErrUnsupported
}

func (unsupportedPlatform) deleteRoute(Record) (command, error) {
	return command{}, ErrUnsupported
}

func (unsupportedPlatform) configureInterface(string, []netip.Prefix, int) ([]command, error) {
	return nil, ErrUnsupported
}

func (unsupportedPlatform) decode(output []byte) string {
	return string(output)
}

func (unsupportedPlatform) onLinkNeedsGateway() bool { return false }

func ipv4Mask(bits int) string {
	return net.IP(net.CIDRMask(bits, 32)).String()
}
