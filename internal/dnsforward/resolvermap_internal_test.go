package dnsforward

import (
	"testing"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverMap(t *testing.T) {
	rm := newResolverMap(slogutil.NewDiscardLogger(), nil)

	first := rm.get([]string{"198.51.100.53"})
	require.NotNil(t, first)

	res, ok := first.(*Resolver)
	require.True(t, ok)
	assert.Equal(t, []string{"198.51.100.53:53"}, res.Addresses())

	// The same list is served by the same instance.
	second := rm.get([]string{"198.51.100.53"})
	assert.Same(t, first, second)

	// Order differences don't duplicate pools.
	a := rm.get([]string{"198.51.100.1", "198.51.100.2"})
	b := rm.get([]string{"198.51.100.2", "198.51.100.1"})
	assert.Same(t, a, b)

	// A different list gets its own resolver.
	other := rm.get([]string{"203.0.113.53"})
	assert.NotSame(t, first, other)

	require.NoError(t, rm.close())
}
