package settings

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"xraytun/internal/fsutil"
)

// Settings хранит глобальные параметры VPN: SOCKS-вход, DNS, TUN и списки исключений.
type Settings struct {
	SelectedProfile string `yaml:"selected_profile"`

	SocksAddress  string `yaml:"socks_address"`
	SocksPort     int    `yaml:"socks_port"`
	SocksUsername string `yaml:"socks_username"`
	SocksPassword string `yaml:"socks_password"`
	SocksUDP      bool   `yaml:"socks_udp"`

	GeoIPAddress   string `yaml:"geoip_address"`
	GeoSiteAddress string `yaml:"geosite_address"`
	PingAddress    string `yaml:"ping_address"`
	PingTimeout    int    `yaml:"ping_timeout"`

	ExcludedApps []string `yaml:"excluded_apps"`
	BypassLAN    bool     `yaml:"bypass_lan"`
	EnableIPv6   bool     `yaml:"enable_ipv6"`

	PrimaryDNS     string `yaml:"primary_dns"`
	SecondaryDNS   string `yaml:"secondary_dns"`
	PrimaryDNSv6   string `yaml:"primary_dns_v6"`
	SecondaryDNSv6 string `yaml:"secondary_dns_v6"`

	TunName      string `yaml:"tun_name"`
	TunMTU       int    `yaml:"tun_mtu"`
	TunAddress   string `yaml:"tun_address"`
	TunPrefix    int    `yaml:"tun_prefix"`
	TunAddressV6 string `yaml:"tun_address_v6"`
	TunPrefixV6  int    `yaml:"tun_prefix_v6"`
}

// Default возвращает настройки первого запуска.
func Default() Settings {
	return Settings{
		SocksAddress:   "127.0.0.1",
		SocksPort:      10808,
		SocksUDP:       true,
		GeoIPAddress:   "https://github.com/v2fly/geoip/releases/latest/download/geoip.dat",
		GeoSiteAddress: "https://github.com/v2fly/domain-list-community/releases/latest/download/dlc.dat",
		PingAddress:    "https://developers.google.com",
		PingTimeout:    5,
		BypassLAN:      true,
		EnableIPv6:     true,
		PrimaryDNS:     "1.1.1.1",
		SecondaryDNS:   "1.0.0.1",
		PrimaryDNSv6:   "2606:4700:4700::1111",
		SecondaryDNSv6: "2606:4700:4700::1001",
		TunName:        "tun0",
		TunMTU:         1500,
		TunAddress:     "10.10.10.10",
		TunPrefix:      32,
		TunAddressV6:   "fc00::1",
		TunPrefixV6:    128,
	}
}

// DNSServers возвращает непустые DNS-адреса; IPv6-адреса только при включённом IPv6.
func (s Settings) DNSServers() []string {
	candidates := []string{s.PrimaryDNS, s.SecondaryDNS}
	if s.EnableIPv6 {
		candidates = append(candidates, s.PrimaryDNSv6, s.SecondaryDNSv6)
	}
	out := make([]string, 0, len(candidates))
	for _, value := range candidates {
		value = strings.TrimSpace(value)
		if value != "" {
			out = append(out, value)
		}
	}
	return out
}

// Store читает и сохраняет Settings в YAML-файле.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore создаёт хранилище настроек по указанному пути.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path возвращает путь к файлу настроек.
func (s *Store) Path() string {
	return s.path
}

// Load читает настройки. Отсутствующий файл даёт значения по умолчанию,
// отсутствующие ключи сохраняют значения по умолчанию.
func (s *Store) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Save атомарно перезаписывает файл настроек.
func (s *Store) Save(value Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(value)
}

// Update загружает настройки, применяет fn и сохраняет результат под одной блокировкой.
func (s *Store) Update(fn func(*Settings)) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.loadLocked()
	if err != nil {
		return Settings{}, err
	}
	fn(&current)
	if err := s.saveLocked(current); err != nil {
		return Settings{}, err
	}
	return current, nil
}

func (s *Store) loadLocked() (Settings, error) {
	result := Default()
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return result, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read settings %s: %w", s.path, err)
	}
	if err := yaml.Unmarshal(data, &result); err != nil {
		return Settings{}, fmt.Errorf("decode settings %s: %w", s.path, err)
	}
	return result, nil
}

func (s *Store) saveLocked(value Settings) error {
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
