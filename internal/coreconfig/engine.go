package coreconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

const socksInboundTag = "socks-in"

// SocksParams описывает SOCKS5-вход движка, к которому подключается адаптер.
type SocksParams struct {
	Address  netip.Addr
	Port     int
	Username string
	Password string
	UDP      bool
}

// AddrPort возвращает адрес для подключения клиента. Неуказанный адрес
// прослушивания заменяется на loopback того же семейства.
func (p SocksParams) AddrPort() netip.AddrPort {
	addr := p.Address
	if addr.IsUnspecified() {
		if addr.Is6() {
			addr = netip.IPv6Loopback()
		} else {
			addr = netip.AddrFrom4([4]byte{127, 0, 0, 1})
		}
	}
	return netip.AddrPortFrom(addr, uint16(p.Port))
}

// EngineSummary содержит поля конфигурации движка, которые материализатор задаёт или читает.
type EngineSummary struct {
	Socks       SocksParams
	DNS         []string
	LogLevel    string
	ServerHosts []string
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, invalid("config", "not valid JSON: %v", err)
	}
	if dec.More() {
		return nil, invalid("config", "trailing data after JSON object")
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, invalid("config", "top level must be a JSON object")
	}
	return obj, nil
}

// findSocksInbound возвращает первый inbound с протоколом socks.
func findSocksInbound(cfg map[string]any) (map[string]any, bool) {
	inbounds, _ := cfg["inbounds"].([]any)
	for _, item := range inbounds {
		inbound, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if protocol, _ := inbound["protocol"].(string); strings.EqualFold(protocol, "socks") {
			return inbound, true
		}
	}
	return nil, false
}

// socksFromInbound читает параметры из socks-inbound профиля; неуказанные поля берутся из fallback.
func socksFromInbound(inbound map[string]any, fallback SocksParams) (SocksParams, error) {
	result := fallback
	if listen, ok := inbound["listen"].(string); ok && strings.TrimSpace(listen) != "" {
		addr, err := netip.ParseAddr(strings.TrimSpace(listen))
		if err != nil {
			return SocksParams{}, invalid("inbounds.socks.listen", "%q is not an IP address", listen)
		}
		result.Address = addr
	}
	if rawPort, ok := inbound["port"]; ok {
		port, err := parsePort(rawPort)
		if err != nil {
			return SocksParams{}, invalid("inbounds.socks.port", "%v", err)
		}
		result.Port = port
	}
	settings, _ := inbound["settings"].(map[string]any)
	if settings != nil {
		if udp, ok := settings["udp"].(bool); ok {
			result.UDP = udp
		}
		auth, _ := settings["auth"].(string)
		result.Username, result.Password = "", ""
		if strings.EqualFold(auth, "password") {
			accounts, _ := settings["accounts"].([]any)
			if len(accounts) > 0 {
				if account, ok := accounts[0].(map[string]any); ok {
					result.Username, _ = account["user"].(string)
					result.Password, _ = account["pass"].(string)
				}
			}
		}
	}
	return result, nil
}

func parsePort(raw any) (int, error) {
	var (
		port int
		err  error
	)
	switch v := raw.(type) {
	case json.Number:
		var n int64
		n, err = v.Int64()
		port = int(n)
	case float64:
		port = int(v)
		if float64(port) != v {
			err = fmt.Errorf("port %v is not an integer", v)
		}
	case string:
		port, err = strconv.Atoi(strings.TrimSpace(v))
	default:
		err = fmt.Errorf("unsupported port value %v", raw)
	}
	if err != nil {
		return 0, fmt.Errorf("port is not numeric: %w", err)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return port, nil
}

func socksInbound(p SocksParams) map[string]any {
	settings := map[string]any{
		"udp":  p.UDP,
		"auth": "noauth",
	}
	if p.Username != "" {
		settings["auth"] = "password"
		settings["accounts"] = []any{map[string]any{"user": p.Username, "pass": p.Password}}
	}
	return map[string]any{
		"tag":      socksInboundTag,
		"protocol": "socks",
		"listen":   p.Address.String(),
		"port":     p.Port,
		"settings": settings,
		"sniffing": map[string]any{
			"enabled":      true,
			"destOverride": []any{"http", "tls"},
		},
	}
}

// serverHosts собирает адреса серверов из vnext/servers всех outbound.
func serverHosts(cfg map[string]any) []string {
	outbounds, _ := cfg["outbounds"].([]any)
	seen := make(map[string]struct{})
	var hosts []string
	add := func(entries []any) {
		for _, entry := range entries {
			server, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			address, _ := server["address"].(string)
			address = strings.TrimSpace(address)
			if address == "" {
				continue
			}
			if _, dup := seen[address]; dup {
				continue
			}
			seen[address] = struct{}{}
			hosts = append(hosts, address)
		}
	}
	for _, item := range outbounds {
		outbound, ok := item.(map[string]any)
		if !ok {
			continue
		}
		settings, _ := outbound["settings"].(map[string]any)
		if settings == nil {
			continue
		}
		vnext, _ := settings["vnext"].([]any)
		add(vnext)
		servers, _ := settings["servers"].([]any)
		add(servers)
	}
	return hosts
}

func dnsServers(cfg map[string]any) []string {
	dns, _ := cfg["dns"].(map[string]any)
	servers, _ := dns["servers"].([]any)
	out := make([]string, 0, len(servers))
	for _, item := range servers {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]any:
			if address, ok := v["address"].(string); ok {
				out = append(out, address)
			}
		}
	}
	return out
}

// ParseEngineConfig разбирает итоговый JSON движка и извлекает поля, заданные материализатором.
func ParseEngineConfig(data []byte) (EngineSummary, error) {
	cfg, err := decodeObject(data)
	if err != nil {
		return EngineSummary{}, err
	}
	inbound, ok := findSocksInbound(cfg)
	if !ok {
		return EngineSummary{}, invalid("inbounds", "no socks inbound")
	}
	socks, err := socksFromInbound(inbound, SocksParams{})
	if err != nil {
		return EngineSummary{}, err
	}
	summary := EngineSummary{
		Socks:       socks,
		DNS:         dnsServers(cfg),
		ServerHosts: serverHosts(cfg),
	}
	if logSection, ok := cfg["log"].(map[string]any); ok {
		summary.LogLevel, _ = logSection["loglevel"].(string)
	}
	return summary, nil
}
