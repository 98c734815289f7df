package dnsforward

import (
	"testing"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUpstreamAddr(t *testing.T) {
	testCases := []struct {
		name   string
		addr   string
		want   string
		wantOK bool
	}{{
		name:   "bare_ipv4",
		addr:   "198.51.100.53",
		want:   "198.51.100.53:53",
		wantOK: true,
	}, {
		name:   "ipv4_with_port",
		addr:   "198.51.100.53:5353",
		want:   "198.51.100.53:5353",
		wantOK: true,
	}, {
		name:   "bare_ipv6",
		addr:   "2001:db8::53",
		want:   "[2001:db8::53]:53",
		wantOK: true,
	}, {
		name:   "ipv6_with_port",
		addr:   "[2001:db8::53]:5353",
		want:   "[2001:db8::53]:5353",
		wantOK: true,
	}, {
		name:   "hostname",
		addr:   "dns.example",
		wantOK: false,
	}, {
		name:   "garbage",
		addr:   "not an address",
		wantOK: false,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := normalizeUpstreamAddr(tc.addr)
			assert.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestNewResolverWith_fallback(t *testing.T) {
	r, err := NewResolverWith(slogutil.NewDiscardLogger(), []string{"bogus", "also bad"})
	require.NoError(t, err)

	assert.Equal(t, defaultUpstreams, r.Addresses())
}

func TestNewResolverWith_valid(t *testing.T) {
	r, err := NewResolverWith(slogutil.NewDiscardLogger(), []string{"198.51.100.53"})
	require.NoError(t, err)

	assert.Equal(t, []string{"198.51.100.53:53"}, r.Addresses())
}

func TestFilterRRSIG(t *testing.T) {
	a := &dns.A{Hdr: dns.RR_Header{Name: "example.org.", Rrtype: dns.TypeA, Ttl: 60}}
	sig := &dns.RRSIG{Hdr: dns.RR_Header{Name: "example.org.", Rrtype: dns.TypeRRSIG, Ttl: 60}}

	req := (&dns.Msg{}).SetQuestion("example.org.", dns.TypeA)

	// Without a DO bit in the client request, signatures are stripped.
	got := filterRRSIG(req, []dns.RR{a, sig})
	require.Len(t, got, 1)
	assert.Equal(t, a, got[0])

	// With the DO bit, signatures pass through.
	req.SetEdns0(4096, true)
	got = filterRRSIG(req, []dns.RR{a, sig})
	assert.Len(t, got, 2)
}

func TestLowestTTL(t *testing.T) {
	_, found := lowestTTL(nil)
	assert.False(t, found)

	answers := []dns.RR{
		&dns.A{Hdr: dns.RR_Header{Ttl: 300}},
		&dns.A{Hdr: dns.RR_Header{Ttl: 60}},
		&dns.A{Hdr: dns.RR_Header{Ttl: 600}},
	}

	minTTL, found := lowestTTL(answers)
	require.True(t, found)
	assert.Equal(t, uint32(60), minTTL)
}
