package routes

import (
	"fmt"
	"net/netip"

	"go4.org/netipx"
)

// lanPrefixes перечисляет диапазоны, которые не заворачиваются в туннель при bypass LAN.
var lanPrefixes = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
}

// LANPrefixes возвращает копию списка локальных диапазонов.
func LANPrefixes() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(lanPrefixes))
	for _, raw := range lanPrefixes {
		out = append(out, netip.MustParsePrefix(raw))
	}
	return out
}

// PlanOptions задаёт входные данные для расчёта маршрутов туннеля.
type PlanOptions struct {
	IPv6      bool
	BypassLAN bool
	// Exclude содержит дополнительные диапазоны вне туннеля (адреса серверов).
	Exclude []netip.Prefix
}

// Plan вычисляет минимальный набор префиксов, которые следует направить в TUN.
func Plan(opts PlanOptions) ([]netip.Prefix, error) {
	var b netipx.IPSetBuilder
	b.AddPrefix(netip.MustParsePrefix("0.0.0.0/0"))
	if opts.IPv6 {
		b.AddPrefix(netip.MustParsePrefix("::/0"))
	}
	if opts.BypassLAN {
		for _, p := range LANPrefixes() {
			b.RemovePrefix(p)
		}
	}
	for _, p := range opts.Exclude {
		if !p.IsValid() {
			return nil, fmt.Errorf("invalid exclude prefix %v", p)
		}
		b.RemovePrefix(p.Masked())
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("build route set: %w", err)
	}
	return set.Prefixes(), nil
}

// HostPrefixes превращает адреса в host-префиксы /32 и /128.
func HostPrefixes(addrs []netip.Addr) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(addrs))
	for _, addr := range addrs {
		if !addr.IsValid() {
			continue
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out
}
