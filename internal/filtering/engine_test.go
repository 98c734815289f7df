package filtering_test

import (
	"context"
	"net/netip"
	"testing"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entdns/entdns/internal/filtering"
)

// fakeStorage is a [filtering.Storage] for tests.
type fakeStorage struct {
	rules    []string
	rewrites map[string]string
	err      error
}

// type check
var _ filtering.Storage = (*fakeStorage)(nil)

func (s *fakeStorage) EnabledRuleTexts(_ context.Context) (texts []string, err error) {
	return s.rules, s.err
}

func (s *fakeStorage) RewriteMap(_ context.Context) (rewrites map[string]string, err error) {
	return s.rewrites, s.err
}

func TestEngine_Reload(t *testing.T) {
	store := &fakeStorage{
		rules: []string{"||blocked.example^", "@@||safe.blocked.example^"},
		rewrites: map[string]string{
			"myapp.lan": "192.0.2.10",
			"bad.lan":   "not-an-ip",
		},
	}

	e := filtering.NewEngine(slogutil.NewDiscardLogger(), store)

	// Before the first reload nothing is blocked.
	assert.False(t, e.IsBlocked("blocked.example"))

	require.NoError(t, e.Reload(context.Background()))

	assert.True(t, e.IsBlocked("blocked.example"))
	assert.True(t, e.IsBlocked("ads.blocked.example"))
	assert.False(t, e.IsBlocked("safe.blocked.example"))

	ip, ok := e.CheckRewrite("myapp.lan")
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("192.0.2.10"), ip)

	// The unparsable answer is dropped.
	_, ok = e.CheckRewrite("bad.lan")
	assert.False(t, ok)

	blocked, allowed, rewrites := e.Stats()
	assert.Equal(t, 1, blocked)
	assert.Equal(t, 1, allowed)
	assert.Equal(t, 1, rewrites)
}

func TestEngine_Reload_storeError(t *testing.T) {
	store := &fakeStorage{
		rules: []string{"||old.example^"},
	}

	e := filtering.NewEngine(slogutil.NewDiscardLogger(), store)
	require.NoError(t, e.Reload(context.Background()))
	require.True(t, e.IsBlocked("old.example"))

	// A failing reload keeps the previous snapshot.
	store.err = errors.Error("store is down")
	store.rules = []string{"||new.example^"}

	require.Error(t, e.Reload(context.Background()))

	assert.True(t, e.IsBlocked("old.example"))
	assert.False(t, e.IsBlocked("new.example"))
}

func TestEngine_Reload_replaces(t *testing.T) {
	store := &fakeStorage{
		rules: []string{"||first.example^"},
	}

	e := filtering.NewEngine(slogutil.NewDiscardLogger(), store)
	require.NoError(t, e.Reload(context.Background()))
	require.True(t, e.IsBlocked("first.example"))

	store.rules = []string{"||second.example^"}
	require.NoError(t, e.Reload(context.Background()))

	assert.False(t, e.IsBlocked("first.example"))
	assert.True(t, e.IsBlocked("second.example"))
}

func TestEngine_AddRuleLive(t *testing.T) {
	e := filtering.NewEngine(slogutil.NewDiscardLogger(), &fakeStorage{})
	require.NoError(t, e.Reload(context.Background()))

	assert.False(t, e.IsBlocked("live.example"))
	assert.True(t, e.AddRuleLive("||live.example^"))
	assert.True(t, e.IsBlocked("live.example"))
}

func TestEngine_CheckRewrite_normalizes(t *testing.T) {
	store := &fakeStorage{
		rewrites: map[string]string{"MyApp.LAN.": "192.0.2.10"},
	}

	e := filtering.NewEngine(slogutil.NewDiscardLogger(), store)
	require.NoError(t, e.Reload(context.Background()))

	_, ok := e.CheckRewrite("myapp.lan.")
	assert.True(t, ok)
}
