// Package client resolves the per-client DNS configuration:  which filter
// rules apply to a source address and which upstreams serve it.
package client

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/bluele/gcache"

	"github.com/entdns/entdns/internal/filtering"
	"github.com/entdns/entdns/internal/storage"
)

// Cache parameters for resolved configurations.  Stale entries self-heal
// within the TTL, so admin mutations need no explicit invalidation.
const (
	configCacheSize = 4096
	configCacheTTL  = time.Minute
)

// Config is the configuration resolved for one source address.
type Config struct {
	// GroupRules, when non-nil, replaces the global rule set for this
	// client.  Global rewrites still apply.
	GroupRules *filtering.RuleSet

	// Upstreams is the client's own upstream list, or nil to use the
	// default resolver.
	Upstreams []string

	// FilterEnabled reports whether filtering applies to this client.
	FilterEnabled bool
}

// Storage is the store read interface the resolver consumes.
type Storage interface {
	// Clients returns all client rows in table-scan order.
	Clients(ctx context.Context) (clients []*storage.Client, err error)

	// GroupRuleTexts returns the enabled rules bound to the client's
	// groups, ordered by group priority ascending.
	GroupRuleTexts(ctx context.Context, clientID string) (texts []string, err error)
}

// defaultConfig is returned for unknown clients and on store errors.
func defaultConfig() (conf *Config) {
	return &Config{FilterEnabled: true}
}

// Resolver maps source addresses to resolved configurations with a short
// TTL cache in front of the store.
type Resolver struct {
	logger *slog.Logger
	store  Storage
	cache  gcache.Cache
}

// NewResolver returns a resolver reading from store.
func NewResolver(logger *slog.Logger, store Storage) (r *Resolver) {
	return &Resolver{
		logger: logger.With(slogutil.KeyPrefix, "client"),
		store:  store,
		cache:  gcache.New(configCacheSize).LRU().Expiration(configCacheTTL).Build(),
	}
}

// Config returns the resolved configuration for ip.  It never fails:  on
// any store error the default configuration is returned and a warning is
// logged.
func (r *Resolver) Config(ctx context.Context, ip netip.Addr) (conf *Config) {
	key := ip.String()
	if cached, err := r.cache.Get(key); err == nil {
		return cached.(*Config)
	}

	conf = r.resolve(ctx, ip)
	_ = r.cache.Set(key, conf)

	return conf
}

// Invalidate drops the cached configuration for ip.  Correctness does not
// depend on it; the cache is passive.
func (r *Resolver) Invalidate(ip netip.Addr) {
	r.cache.Remove(ip.String())
}

// resolve performs the uncached lookup.
func (r *Resolver) resolve(ctx context.Context, ip netip.Addr) (conf *Config) {
	clients, err := r.store.Clients(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "loading clients", slogutil.KeyError, err)

		return defaultConfig()
	}

	// First row with a matching identifier wins, in table-scan order.
	// Overlapping identifiers are not resolved by prefix length.
	var matched *storage.Client
	for _, c := range clients {
		if clientMatches(c, ip) {
			matched = c

			break
		}
	}

	if matched == nil {
		return defaultConfig()
	}

	conf = &Config{FilterEnabled: matched.FilterEnabled}
	if len(matched.Upstreams) > 0 {
		conf.Upstreams = matched.Upstreams
	}

	texts, err := r.store.GroupRuleTexts(ctx, matched.ID)
	if err != nil {
		r.logger.WarnContext(
			ctx,
			"loading group rules",
			"client_id", matched.ID,
			slogutil.KeyError, err,
		)

		return defaultConfig()
	}

	if len(texts) > 0 {
		rules := filtering.NewRuleSet()
		for _, text := range texts {
			_ = rules.AddRule(text)
		}

		if rules.BlockedCount() > 0 || rules.AllowedCount() > 0 {
			conf.GroupRules = rules
		}
	}

	return conf
}

// clientMatches reports whether any identifier of c matches ip, either by
// literal equality or by CIDR containment.
func clientMatches(c *storage.Client, ip netip.Addr) (ok bool) {
	for _, id := range c.Identifiers {
		if idIP, err := netip.ParseAddr(id); err == nil {
			if idIP == ip {
				return true
			}

			continue
		}

		if pref, err := netip.ParsePrefix(id); err == nil && pref.Contains(ip) {
			return true
		}
	}

	return false
}
