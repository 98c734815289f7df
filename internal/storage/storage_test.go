package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entdns/entdns/internal/storage"
)

// newTestStore opens a store in a temporary directory.
func newTestStore(t *testing.T) (s *storage.Store) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "entdns.db")
	s, err := storage.Open(path, slogutil.NewDiscardLogger())
	require.NoError(t, err)
	testutil.CleanupAndRequireSuccess(t, s.Close)

	return s
}

func TestStore_rules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddRule(ctx, "||ads.example.com^", true)
	require.NoError(t, err)
	_, err = s.AddRule(ctx, "||disabled.example.com^", false)
	require.NoError(t, err)

	texts, err := s.EnabledRuleTexts(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"||ads.example.com^"}, texts)
}

func TestStore_rewrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddRewrite(ctx, "myapp.lan", "192.0.2.10"))
	require.NoError(t, s.AddRewrite(ctx, "myapp.lan", "192.0.2.11"))

	rewrites, err := s.RewriteMap(ctx)
	require.NoError(t, err)

	// Unique by domain:  the later insert replaced the earlier one.
	assert.Equal(t, map[string]string{"myapp.lan": "192.0.2.11"}, rewrites)
}

func TestStore_clients(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddClient(ctx, &storage.Client{
		Name:          "laptop",
		Identifiers:   []string{"192.168.1.5", "192.168.2.0/24"},
		FilterEnabled: false,
		Upstreams:     []string{"198.51.100.53"},
	})
	require.NoError(t, err)

	_, err = s.AddClient(ctx, &storage.Client{
		Name:          "phone",
		Identifiers:   []string{"192.168.1.6"},
		FilterEnabled: true,
	})
	require.NoError(t, err)

	clients, err := s.Clients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 2)

	// Scan order is insertion order.
	assert.Equal(t, "laptop", clients[0].Name)
	assert.Equal(t, []string{"192.168.1.5", "192.168.2.0/24"}, clients[0].Identifiers)
	assert.Equal(t, []string{"198.51.100.53"}, clients[0].Upstreams)
	assert.False(t, clients[0].FilterEnabled)

	assert.Equal(t, "phone", clients[1].Name)
	assert.Nil(t, clients[1].Upstreams)
	assert.True(t, clients[1].FilterEnabled)
}

func TestStore_groupRules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	clientID, err := s.AddClient(ctx, &storage.Client{
		Name:          "c",
		Identifiers:   []string{"192.168.100.1"},
		FilterEnabled: true,
	})
	require.NoError(t, err)

	lowPrio, err := s.AddGroup(ctx, "later", 20)
	require.NoError(t, err)
	highPrio, err := s.AddGroup(ctx, "first", 10)
	require.NoError(t, err)

	require.NoError(t, s.AddGroupMembership(ctx, clientID, lowPrio))
	require.NoError(t, s.AddGroupMembership(ctx, clientID, highPrio))

	ruleA, err := s.AddRule(ctx, "||a.example^", true)
	require.NoError(t, err)
	ruleB, err := s.AddRule(ctx, "||b.example^", true)
	require.NoError(t, err)
	ruleOff, err := s.AddRule(ctx, "||off.example^", false)
	require.NoError(t, err)
	ruleRW, err := s.AddRule(ctx, "||rw.example^", true)
	require.NoError(t, err)

	require.NoError(t, s.AddGroupRule(ctx, highPrio, ruleA, "custom_rule", true))
	require.NoError(t, s.AddGroupRule(ctx, lowPrio, ruleB, "custom_rule", true))
	// Disabled rules and bindings of other types are ignored.
	require.NoError(t, s.AddGroupRule(ctx, highPrio, ruleOff, "custom_rule", true))
	require.NoError(t, s.AddGroupRule(ctx, highPrio, ruleRW, "rewrite", true))

	texts, err := s.GroupRuleTexts(ctx, clientID)
	require.NoError(t, err)

	// Ordered by group priority ascending; the disabled rule and the
	// rewrite binding are filtered out.
	assert.Equal(t, []string{"||a.example^", "||b.example^"}, texts)

	// A client with no memberships has no group rules.
	texts, err = s.GroupRuleTexts(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, texts)
}

func TestStore_queryLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	batch := []storage.QueryLogRecord{{
		Time:      now,
		ClientIP:  "10.0.0.1",
		Question:  "example.org.",
		QType:     "A",
		Status:    "allowed",
		ElapsedMS: 12,
	}, {
		Time:      now,
		ClientIP:  "10.0.0.2",
		Question:  "ads.example.org.",
		QType:     "AAAA",
		Status:    "blocked",
		Reason:    "filter_rule",
		ElapsedMS: 1,
	}}

	require.NoError(t, s.InsertQueryLogBatch(ctx, batch))
	require.NoError(t, s.InsertQueryLogBatch(ctx, nil))

	// Nothing is old enough to sweep yet.
	n, err := s.DeleteQueryLogBefore(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.DeleteQueryLogBefore(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
