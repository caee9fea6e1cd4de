package coreconfig

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xraytun/internal/profile"
	"xraytun/internal/settings"
)

const vlessProfile = `{
  "outbounds": [
    {
      "protocol": "vless",
      "settings": {"vnext": [{"address": "example.org", "port": 443, "users": [{"id": "u"}]}]}
    },
    {"protocol": "trojan", "settings": {"servers": [{"address": "203.0.113.9", "port": 443}]}},
    {"protocol": "freedom", "tag": "direct"}
  ]
}`

func testProfile(config string) profile.Profile {
	return profile.Profile{ID: "p1", Name: "test", Config: config}
}

func TestBuildInjectsSocksInbound(t *testing.T) {
	s := settings.Default()
	s.SocksUsername = "user"
	s.SocksPassword = "secret"

	result, err := Build(testProfile(vlessProfile), s)
	require.NoError(t, err)

	summary, err := ParseEngineConfig(result.Engine)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), summary.Socks.Address)
	assert.Equal(t, 10808, summary.Socks.Port)
	assert.Equal(t, "user", summary.Socks.Username)
	assert.Equal(t, "secret", summary.Socks.Password)
	assert.True(t, summary.Socks.UDP)
	assert.Equal(t, s.DNSServers(), summary.DNS)
	assert.Equal(t, "warning", summary.LogLevel)
	assert.Equal(t, []string{"example.org", "203.0.113.9"}, summary.ServerHosts)
}

func TestBuildKeepsProfileSocksInbound(t *testing.T) {
	config := `{
  "log": {"loglevel": "debug"},
  "dns": {"servers": ["8.8.8.8"]},
  "inbounds": [{"protocol": "socks", "listen": "0.0.0.0", "port": "2080", "settings": {"udp": false}}]
}`
	result, err := Build(testProfile(config), settings.Default())
	require.NoError(t, err)

	summary, err := ParseEngineConfig(result.Engine)
	require.NoError(t, err)
	assert.Equal(t, 2080, summary.Socks.Port)
	assert.False(t, summary.Socks.UDP)
	assert.Equal(t, "debug", summary.LogLevel)
	assert.Equal(t, []string{"8.8.8.8"}, summary.DNS)

	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:2080"), result.Tun.Socks.AddrPort())
}

func TestBuildRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		config string
		mutate func(*settings.Settings)
		field  string
	}{
		{
			name:   "profile socks port out of range",
			config: `{"inbounds":[{"protocol":"socks","port":99999}]}`,
			field:  "inbounds.socks.port",
		},
		{
			name:   "profile socks port not numeric",
			config: `{"inbounds":[{"protocol":"socks","port":"abc"}]}`,
			field:  "inbounds.socks.port",
		},
		{name: "not an object", config: `[1,2]`, field: "config"},
		{name: "empty", config: ` `, field: "config"},
		{
			name:   "settings port",
			config: `{}`,
			mutate: func(s *settings.Settings) { s.SocksPort = 0 },
			field:  "socks_port",
		},
		{
			name:   "no dns",
			config: `{}`,
			mutate: func(s *settings.Settings) {
				s.PrimaryDNS, s.SecondaryDNS, s.PrimaryDNSv6, s.SecondaryDNSv6 = "", "", "", ""
			},
			field: "dns",
		},
		{
			name:   "ipv4 prefix too long",
			config: `{}`,
			mutate: func(s *settings.Settings) { s.TunPrefix = 33 },
			field:  "tun_address",
		},
		{
			name:   "ipv6 prefix too long",
			config: `{}`,
			mutate: func(s *settings.Settings) { s.TunPrefixV6 = 129 },
			field:  "tun_address_v6",
		},
		{
			name:   "ipv4 address in v6 slot",
			config: `{}`,
			mutate: func(s *settings.Settings) { s.TunAddressV6 = "10.0.0.1" },
			field:  "tun_address_v6",
		},
		{
			name:   "mtu",
			config: `{}`,
			mutate: func(s *settings.Settings) { s.TunMTU = 100 },
			field:  "tun_mtu",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := settings.Default()
			if tt.mutate != nil {
				tt.mutate(&s)
			}
			_, err := Build(testProfile(tt.config), s)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			var cfgErr *Error
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestBuildIPv6DisabledIgnoresV6Fields(t *testing.T) {
	s := settings.Default()
	s.EnableIPv6 = false
	s.TunAddressV6 = "garbage"

	result, err := Build(testProfile(`{}`), s)
	require.NoError(t, err)
	assert.False(t, result.Tun.IPv6.IsValid())
	for _, p := range result.Tun.Routes {
		assert.True(t, p.Addr().Is4(), "route %s", p)
	}
}

func TestMaterializeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := settings.Default()
	s.ExcludedApps = []string{"com.example.bank"}
	s.SocksUsername = "u"
	s.SocksPassword = "p"
	s.TunMTU = 9000

	result, err := NewMaterializer(dir).Materialize(testProfile(vlessProfile), s)
	require.NoError(t, err)
	assert.Equal(t, "p1", result.ProfileID)

	engine, err := os.ReadFile(filepath.Join(dir, EngineFileName))
	require.NoError(t, err)
	test, err := os.ReadFile(filepath.Join(dir, TestFileName))
	require.NoError(t, err)
	assert.Equal(t, engine, test)

	adapter, err := os.ReadFile(filepath.Join(dir, AdapterFileName))
	require.NoError(t, err)
	tun, err := ParseAdapterConfig(adapter)
	require.NoError(t, err)

	assert.Equal(t, s.TunName, tun.Name)
	assert.Equal(t, 9000, tun.MTU)
	assert.Equal(t, netip.MustParsePrefix("10.10.10.10/32"), tun.IPv4)
	assert.Equal(t, netip.MustParsePrefix("fc00::1/128"), tun.IPv6)
	assert.Equal(t, []string{"com.example.bank"}, tun.ExcludedApps)
	assert.Equal(t, []string{"example.org", "203.0.113.9"}, tun.ServerHosts)
	assert.Equal(t, result.Tun.Routes, tun.Routes)
	assert.Equal(t, result.Tun.DNS, tun.DNS)
	assert.Equal(t, result.Tun.Socks, tun.Socks)
	assert.Len(t, tun.DNS, 4)
}

func TestMaterializeInvalidLeavesFilesUntouched(t *testing.T) {
	dir := t.TempDir()
	m := NewMaterializer(dir)
	_, err := m.Materialize(testProfile(`{}`), settings.Default())
	require.NoError(t, err)
	before, err := os.ReadFile(filepath.Join(dir, EngineFileName))
	require.NoError(t, err)

	_, err = m.Materialize(testProfile(`{"inbounds":[{"protocol":"socks","port":99999}]}`), settings.Default())
	require.ErrorIs(t, err, ErrInvalid)

	after, err := os.ReadFile(filepath.Join(dir, EngineFileName))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "no temporary files left behind")
}

func TestMaterializeInvalidWritesNothing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runtime")
	_, err := NewMaterializer(dir).Materialize(testProfile(`{"inbounds":[{"protocol":"socks","port":99999}]}`), settings.Default())
	require.ErrorIs(t, err, ErrInvalid)
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriteTest(t *testing.T) {
	m := NewMaterializer(t.TempDir())
	path, err := m.WriteTest(`{"log":{}}`)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"log":{}}`, string(data))

	_, err = m.WriteTest(`nope`)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMaterializeWriteFailureKeepsPreviousGeneration(t *testing.T) {
	dir := t.TempDir()
	m := NewMaterializer(dir)
	_, err := m.Materialize(testProfile(vlessProfile), settings.Default())
	require.NoError(t, err)
	engineBefore, err := os.ReadFile(filepath.Join(dir, EngineFileName))
	require.NoError(t, err)

	// tun2socks.yml нельзя заменить: на его месте непустой каталог
	adapterPath := filepath.Join(dir, AdapterFileName)
	require.NoError(t, os.Remove(adapterPath))
	require.NoError(t, os.MkdirAll(filepath.Join(adapterPath, "inner"), 0o755))

	s := settings.Default()
	s.SocksPort = 2080
	_, err = m.Materialize(testProfile(vlessProfile), s)
	require.Error(t, err)

	for _, name := range []string{EngineFileName, TestFileName} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, engineBefore, data, name)
	}
}
