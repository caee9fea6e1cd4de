package routes

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go4.org/netipx"
)

func planSet(t *testing.T, opts PlanOptions) *netipx.IPSet {
	t.Helper()
	prefixes, err := Plan(opts)
	require.NoError(t, err)
	var b netipx.IPSetBuilder
	for _, p := range prefixes {
		b.AddPrefix(p)
	}
	set, err := b.IPSet()
	require.NoError(t, err)
	return set
}

func TestPlanWithoutBypassRoutesEverything(t *testing.T) {
	prefixes, err := Plan(PlanOptions{})
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")}, prefixes)

	prefixes, err = Plan(PlanOptions{IPv6: true})
	require.NoError(t, err)
	assert.Len(t, prefixes, 2)
}

func TestPlanBypassLAN(t *testing.T) {
	set := planSet(t, PlanOptions{BypassLAN: true, IPv6: true})

	assert.False(t, set.Contains(netip.MustParseAddr("192.168.1.10")))
	assert.False(t, set.Contains(netip.MustParseAddr("10.1.2.3")))
	assert.False(t, set.Contains(netip.MustParseAddr("fe80::1")))
	assert.True(t, set.Contains(netip.MustParseAddr("8.8.8.8")))
	assert.True(t, set.Contains(netip.MustParseAddr("2606:4700:4700::1111")))
}

func TestPlanExcludesServerHosts(t *testing.T) {
	server := netip.MustParseAddr("203.0.113.7")
	set := planSet(t, PlanOptions{Exclude: HostPrefixes([]netip.Addr{server})})

	assert.False(t, set.Contains(server))
	assert.True(t, set.Contains(netip.MustParseAddr("203.0.113.8")))
	assert.False(t, set.Contains(netip.MustParseAddr("2001:db8::1")), "IPv6 disabled")
}

func TestHostPrefixes(t *testing.T) {
	got := HostPrefixes([]netip.Addr{
		netip.MustParseAddr("::ffff:1.2.3.4"),
		netip.MustParseAddr("2001:db8::1"),
		{},
	})
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("1.2.3.4/32"),
		netip.MustParsePrefix("2001:db8::1/128"),
	}, got)
}
