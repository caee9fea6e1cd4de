package coreconfig

import (
	"fmt"
	"net/netip"
	"strings"

	"gopkg.in/yaml.v3"
)

// TunParams полностью описывает TUN-интерфейс и SOCKS-цель адаптера.
type TunParams struct {
	Name         string
	MTU          int
	IPv4         netip.Prefix
	IPv6         netip.Prefix
	DNS          []netip.Addr
	Routes       []netip.Prefix
	ExcludedApps []string
	// ServerHosts содержит адреса удалённых серверов, которые должны идти мимо туннеля.
	ServerHosts []string
	Socks       SocksParams
}

// AdapterConfig повторяет YAML-формат tun2socks.yml.
type AdapterConfig struct {
	Tunnel AdapterTunnel `yaml:"tunnel"`
	Socks5 AdapterSocks5 `yaml:"socks5"`
}

type AdapterTunnel struct {
	Name        string   `yaml:"name"`
	MTU         int      `yaml:"mtu"`
	IPv4        string   `yaml:"ipv4"`
	IPv6        string   `yaml:"ipv6,omitempty"`
	DNS         []string `yaml:"dns,omitempty"`
	Routes      []string `yaml:"routes,omitempty"`
	ExcludeApps []string `yaml:"exclude-apps,omitempty"`
	Servers     []string `yaml:"servers,omitempty"`
}

type AdapterSocks5 struct {
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	UDP      string `yaml:"udp"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

func adapterConfig(t TunParams) AdapterConfig {
	cfg := AdapterConfig{
		Tunnel: AdapterTunnel{
			Name:        t.Name,
			MTU:         t.MTU,
			IPv4:        t.IPv4.String(),
			ExcludeApps: t.ExcludedApps,
			Servers:     t.ServerHosts,
		},
		Socks5: AdapterSocks5{
			Address:  t.Socks.AddrPort().Addr().String(),
			Port:     t.Socks.Port,
			UDP:      "tcp",
			Username: t.Socks.Username,
			Password: t.Socks.Password,
		},
	}
	if t.IPv6.IsValid() {
		cfg.Tunnel.IPv6 = t.IPv6.String()
	}
	if t.Socks.UDP {
		cfg.Socks5.UDP = "udp"
	}
	for _, addr := range t.DNS {
		cfg.Tunnel.DNS = append(cfg.Tunnel.DNS, addr.String())
	}
	for _, p := range t.Routes {
		cfg.Tunnel.Routes = append(cfg.Tunnel.Routes, p.String())
	}
	return cfg
}

func encodeAdapter(t TunParams) ([]byte, error) {
	data, err := yaml.Marshal(adapterConfig(t))
	if err != nil {
		return nil, fmt.Errorf("encode adapter config: %w", err)
	}
	return data, nil
}

// ParseAdapterConfig разбирает tun2socks.yml и восстанавливает параметры туннеля.
func ParseAdapterConfig(data []byte) (TunParams, error) {
	var cfg AdapterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return TunParams{}, invalid("adapter", "decode yaml: %v", err)
	}
	return cfg.TunParams()
}

// TunParams переводит YAML-представление в типизированные параметры.
func (c AdapterConfig) TunParams() (TunParams, error) {
	t := TunParams{
		Name:         c.Tunnel.Name,
		MTU:          c.Tunnel.MTU,
		ExcludedApps: c.Tunnel.ExcludeApps,
		ServerHosts:  c.Tunnel.Servers,
		Socks: SocksParams{
			Port:     c.Socks5.Port,
			Username: c.Socks5.Username,
			Password: c.Socks5.Password,
			UDP:      strings.EqualFold(c.Socks5.UDP, "udp"),
		},
	}
	var err error
	if t.IPv4, err = netip.ParsePrefix(c.Tunnel.IPv4); err != nil {
		return TunParams{}, invalid("tunnel.ipv4", "%v", err)
	}
	if c.Tunnel.IPv6 != "" {
		if t.IPv6, err = netip.ParsePrefix(c.Tunnel.IPv6); err != nil {
			return TunParams{}, invalid("tunnel.ipv6", "%v", err)
		}
	}
	if t.Socks.Address, err = netip.ParseAddr(c.Socks5.Address); err != nil {
		return TunParams{}, invalid("socks5.address", "%v", err)
	}
	for _, raw := range c.Tunnel.DNS {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return TunParams{}, invalid("tunnel.dns", "%v", err)
		}
		t.DNS = append(t.DNS, addr)
	}
	for _, raw := range c.Tunnel.Routes {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return TunParams{}, invalid("tunnel.routes", "%v", err)
		}
		t.Routes = append(t.Routes, p)
	}
	return t, nil
}
