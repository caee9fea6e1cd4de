package routes

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"xraytun/internal/logging"
)

type recorder struct {
	mu       sync.Mutex
	commands []string
	fail     string
	output   []byte
}

func (r *recorder) run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	line := name + " " + strings.Join(args, " ")
	r.commands = append(r.commands, line)
	if r.fail != "" && strings.Contains(line, r.fail) {
		return r.output, errors.New("exit status 1")
	}
	return nil, nil
}

func newTestManager(p platform) (*Manager, *recorder) {
	rec := &recorder{}
	return &Manager{
		logger:   logging.Discard(),
		run:      rec.run,
		platform: p,
		registry: NewRegistry(),
	}, rec
}

func TestLinuxAddAndRemoveRoutes(t *testing.T) {
	m, rec := newTestManager(linuxPlatform{})
	ctx := context.Background()
	uplink := Gateway{IP: netip.MustParseAddr("192.168.1.1"), Interface: "eth0", Metric: 100}
	tun := Gateway{Interface: "tun0"}

	_, err := m.AddRoute(ctx, netip.MustParsePrefix("203.0.113.7/32"), uplink, KindBypass)
	require.NoError(t, err)
	_, err = m.AddRoute(ctx, netip.MustParsePrefix("10.1.2.3/8"), tun, KindTunnel)
	require.NoError(t, err)
	_, err = m.AddRoute(ctx, netip.MustParsePrefix("::/0"), tun, KindTunnel)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"ip -4 route replace 203.0.113.7/32 via 192.168.1.1 dev eth0 metric 100",
		"ip -4 route replace 10.0.0.0/8 dev tun0 metric 1",
		"ip -6 route replace ::/0 dev tun0 metric 1",
	}, rec.commands)
	assert.Len(t, m.Registry().ListByKinds(KindTunnel), 2)

	rec.commands = nil
	require.NoError(t, m.RemoveAll(ctx))
	assert.Len(t, rec.commands, 3)
	assert.Contains(t, rec.commands, "ip -4 route del 203.0.113.7/32 via 192.168.1.1 dev eth0")
	assert.Contains(t, rec.commands, "ip -6 route del ::/0 dev tun0")
	assert.Empty(t, m.Registry().ListByKinds())
}

func TestRemoveAllContinuesOnFailure(t *testing.T) {
	m, rec := newTestManager(linuxPlatform{})
	ctx := context.Background()
	tun := Gateway{Interface: "tun0"}
	_, err := m.AddRoute(ctx, netip.MustParsePrefix("0.0.0.0/1"), tun, KindTunnel)
	require.NoError(t, err)
	_, err = m.AddRoute(ctx, netip.MustParsePrefix("128.0.0.0/1"), tun, KindTunnel)
	require.NoError(t, err)

	rec.fail = "del 0.0.0.0/1"
	err = m.RemoveAll(ctx, KindTunnel)
	require.Error(t, err)
	assert.Empty(t, m.Registry().ListByKinds(), "failed routes are dropped from the registry")
}

func TestLinuxConfigureInterface(t *testing.T) {
	m, rec := newTestManager(linuxPlatform{})
	err := m.ConfigureInterface(context.Background(), "tun0", []netip.Prefix{
		netip.MustParsePrefix("10.10.10.10/32"),
		netip.MustParsePrefix("fc00::1/128"),
	}, 1500)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ip -4 addr replace 10.10.10.10/32 dev tun0",
		"ip -6 addr replace fc00::1/128 dev tun0",
		"ip link set dev tun0 mtu 1500 up",
	}, rec.commands)
}

func TestWindowsCommands(t *testing.T) {
	m, rec := newTestManager(windowsPlatform{})
	ctx := context.Background()
	uplink := Gateway{IP: netip.MustParseAddr("192.168.1.1"), InterfaceIndex: 12, Metric: 25}

	_, err := m.AddRoute(ctx, netip.MustParsePrefix("203.0.113.7/32"), uplink, KindBypass)
	require.NoError(t, err)
	_, err = m.AddRoute(ctx, netip.MustParsePrefix("2000::/3"), Gateway{IP: netip.MustParseAddr("fc00::1"), InterfaceIndex: 40}, KindTunnel)
	require.NoError(t, err)
	_, err = m.AddRoute(ctx, netip.MustParsePrefix("0.0.0.0/0"), Gateway{}, KindTunnel)
	assert.Error(t, err, "windows routes need a gateway")

	assert.Equal(t, []string{
		"route.exe ADD 203.0.113.7 MASK 255.255.255.255 192.168.1.1 METRIC 25 IF 12",
		"netsh interface ipv6 add route prefix=2000::/3 interface=40 nexthop=fc00::1 metric=1 store=active",
	}, rec.commands)
}

func TestWindowsErrorOutputIsDecoded(t *testing.T) {
	m, rec := newTestManager(windowsPlatform{})
	encoded, err := charmap.CodePage866.NewEncoder().String("Ошибка маршрута")
	require.NoError(t, err)
	rec.fail = "route.exe"
	rec.output = []byte(encoded)

	_, err = m.AddRoute(context.Background(), netip.MustParsePrefix("1.2.3.4/32"),
		Gateway{IP: netip.MustParseAddr("192.168.1.1")}, KindBypass)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Ошибка маршрута")
}

func TestRemoveRouteRefusesBareDefault(t *testing.T) {
	m, _ := newTestManager(linuxPlatform{})
	err := m.RemoveRoute(context.Background(), Record{Destination: netip.MustParsePrefix("0.0.0.0/0")})
	assert.Error(t, err)
}

func TestUnsupportedPlatform(t *testing.T) {
	m, _ := newTestManager(unsupportedPlatform{})
	_, err := m.AddRoute(context.Background(), netip.MustParsePrefix("1.2.3.4/32"), Gateway{}, KindBypass)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestParseDefaultRoute(t *testing.T) {
	out := `default via 10.0.0.1 dev wlan0 proto dhcp metric 600
default dev tun0 scope link
default via 192.168.1.1 dev eth0 proto dhcp src 192.168.1.5 metric 100
`
	gw, err := parseDefaultRoute(out, "tun0")
	require.NoError(t, err)
	assert.Equal(t, Gateway{IP: netip.MustParseAddr("192.168.1.1"), Interface: "eth0", Metric: 100}, gw)

	_, err = parseDefaultRoute("default dev tun0 scope link\n", "tun0")
	assert.Error(t, err)

	gw, err = parseDefaultRoute("default via fe80::1 dev eth0 proto ra metric 1024 pref medium\n", "")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("fe80::1"), gw.IP)
}

func TestOnLinkTunnelRoutes(t *testing.T) {
	tun := Gateway{IP: netip.MustParseAddr("10.10.10.10"), Interface: "tun0", InterfaceIndex: 40, OnLink: true}
	dest := netip.MustParsePrefix("0.0.0.0/1")

	m, rec := newTestManager(linuxPlatform{})
	record, err := m.AddRoute(context.Background(), dest, tun, KindTunnel)
	require.NoError(t, err)
	assert.Equal(t, []string{"ip -4 route replace 0.0.0.0/1 dev tun0 metric 1"}, rec.commands)
	assert.False(t, record.Gateway.IsValid())

	m, rec = newTestManager(windowsPlatform{})
	record, err = m.AddRoute(context.Background(), dest, tun, KindTunnel)
	require.NoError(t, err)
	assert.Equal(t, []string{"route.exe ADD 0.0.0.0 MASK 128.0.0.0 10.10.10.10 METRIC 1 IF 40"}, rec.commands)
	assert.Equal(t, tun.IP, record.Gateway)
}
