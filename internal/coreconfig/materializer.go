package coreconfig

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"xraytun/internal/fsutil"
	"xraytun/internal/profile"
	"xraytun/internal/routes"
	"xraytun/internal/settings"
)

// Имена файлов, которые материализатор кладёт в рабочий каталог.
const (
	EngineFileName  = "config.json"
	TestFileName    = "test.json"
	AdapterFileName = "tun2socks.yml"
)

const (
	minMTU = 576
	maxMTU = 65535
)

// MaterializedConfig содержит всё, что нужно движку и адаптеру для одной сессии.
type MaterializedConfig struct {
	ProfileID string

	Engine  []byte
	Adapter []byte
	Tun     TunParams

	EnginePath  string
	TestPath    string
	AdapterPath string
}

// Build объединяет конфигурацию профиля с глобальными настройками и проверяет результат.
// Ничего не пишет на диск.
func Build(p profile.Profile, s settings.Settings) (*MaterializedConfig, error) {
	if strings.TrimSpace(p.Config) == "" {
		return nil, invalid("config", "profile %q has empty configuration", p.Name)
	}
	cfg, err := decodeObject([]byte(p.Config))
	if err != nil {
		return nil, err
	}

	socks, err := settingsSocks(s)
	if err != nil {
		return nil, err
	}
	if inbound, ok := findSocksInbound(cfg); ok {
		if socks, err = socksFromInbound(inbound, socks); err != nil {
			return nil, err
		}
	} else {
		inbounds, _ := cfg["inbounds"].([]any)
		cfg["inbounds"] = append([]any{socksInbound(socks)}, inbounds...)
	}

	dns, err := parseDNS(s.DNSServers())
	if err != nil {
		return nil, err
	}
	if _, ok := cfg["dns"]; !ok {
		servers := make([]any, 0, len(dns))
		for _, addr := range dns {
			servers = append(servers, addr.String())
		}
		cfg["dns"] = map[string]any{"servers": servers}
	}
	if _, ok := cfg["log"]; !ok {
		cfg["log"] = map[string]any{"loglevel": "warning"}
	}

	tun, err := tunParams(s)
	if err != nil {
		return nil, err
	}
	tun.DNS = dns
	tun.Socks = socks
	tun.ServerHosts = serverHosts(cfg)
	if tun.Routes, err = routes.Plan(routes.PlanOptions{IPv6: s.EnableIPv6, BypassLAN: s.BypassLAN}); err != nil {
		return nil, invalid("routes", "%v", err)
	}

	engine, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode engine config: %w", err)
	}
	adapter, err := encodeAdapter(tun)
	if err != nil {
		return nil, err
	}
	return &MaterializedConfig{
		ProfileID: p.ID,
		Engine:    engine,
		Adapter:   adapter,
		Tun:       tun,
	}, nil
}

func settingsSocks(s settings.Settings) (SocksParams, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s.SocksAddress))
	if err != nil {
		return SocksParams{}, invalid("socks_address", "%q is not an IP address", s.SocksAddress)
	}
	if s.SocksPort < 1 || s.SocksPort > 65535 {
		return SocksParams{}, invalid("socks_port", "port %d out of range 1-65535", s.SocksPort)
	}
	if s.SocksPassword != "" && s.SocksUsername == "" {
		return SocksParams{}, invalid("socks_username", "password set without username")
	}
	return SocksParams{
		Address:  addr,
		Port:     s.SocksPort,
		Username: s.SocksUsername,
		Password: s.SocksPassword,
		UDP:      s.SocksUDP,
	}, nil
}

func parseDNS(values []string) ([]netip.Addr, error) {
	if len(values) == 0 {
		return nil, invalid("dns", "at least one DNS server is required")
	}
	out := make([]netip.Addr, 0, len(values))
	for _, raw := range values {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, invalid("dns", "%q is not an IP address", raw)
		}
		out = append(out, addr)
	}
	return out, nil
}

func tunParams(s settings.Settings) (TunParams, error) {
	name := strings.TrimSpace(s.TunName)
	if name == "" {
		return TunParams{}, invalid("tun_name", "must not be empty")
	}
	if s.TunMTU < minMTU || s.TunMTU > maxMTU {
		return TunParams{}, invalid("tun_mtu", "mtu %d out of range %d-%d", s.TunMTU, minMTU, maxMTU)
	}
	v4, err := tunPrefix("tun_address", s.TunAddress, s.TunPrefix, false)
	if err != nil {
		return TunParams{}, err
	}
	t := TunParams{
		Name:         name,
		MTU:          s.TunMTU,
		IPv4:         v4,
		ExcludedApps: s.ExcludedApps,
	}
	if s.EnableIPv6 {
		if s.TunMTU < 1280 {
			return TunParams{}, invalid("tun_mtu", "mtu %d below IPv6 minimum 1280", s.TunMTU)
		}
		if t.IPv6, err = tunPrefix("tun_address_v6", s.TunAddressV6, s.TunPrefixV6, true); err != nil {
			return TunParams{}, err
		}
	}
	return t, nil
}

func tunPrefix(field, address string, bits int, v6 bool) (netip.Prefix, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(address))
	if err != nil {
		return netip.Prefix{}, invalid(field, "%q is not an IP address", address)
	}
	if addr.Is6() != v6 || addr.Is4In6() {
		return netip.Prefix{}, invalid(field, "%s has wrong address family", addr)
	}
	prefix := netip.PrefixFrom(addr, bits)
	if !prefix.IsValid() {
		return netip.Prefix{}, invalid(field, "prefix length %d invalid for %s", bits, addr)
	}
	return prefix, nil
}

// Materializer пишет результат Build в рабочий каталог.
type Materializer struct {
	dir string
}

// NewMaterializer создаёт материализатор с каталогом для сгенерированных файлов.
func NewMaterializer(dir string) *Materializer {
	return &Materializer{dir: dir}
}

// Dir возвращает рабочий каталог.
func (m *Materializer) Dir() string {
	return m.dir
}

// Materialize строит конфигурацию и заменяет все три файла одним поколением. При ошибке
// валидации или записи прежние файлы остаются как были.
func (m *Materializer) Materialize(p profile.Profile, s settings.Settings) (*MaterializedConfig, error) {
	result, err := Build(p, s)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}
	result.TestPath = filepath.Join(m.dir, TestFileName)
	result.EnginePath = filepath.Join(m.dir, EngineFileName)
	result.AdapterPath = filepath.Join(m.dir, AdapterFileName)

	files := []fsutil.File{
		{Path: result.TestPath, Data: result.Engine},
		{Path: result.EnginePath, Data: result.Engine},
		{Path: result.AdapterPath, Data: result.Adapter},
	}
	if err := fsutil.WriteFilesAtomic(files, 0o600); err != nil {
		return nil, fmt.Errorf("write session config: %w", err)
	}
	return result, nil
}

// WriteTest сохраняет произвольный текст конфигурации в test.json для проверки движком.
func (m *Materializer) WriteTest(config string) (string, error) {
	if _, err := decodeObject([]byte(config)); err != nil {
		return "", err
	}
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return "", fmt.Errorf("create runtime dir: %w", err)
	}
	path := filepath.Join(m.dir, TestFileName)
	if err := fsutil.WriteFileAtomic(path, []byte(config), 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", TestFileName, err)
	}
	return path, nil
}
