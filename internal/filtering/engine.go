package filtering

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// Storage is the narrow store read interface the engine consumes on reload.
type Storage interface {
	// EnabledRuleTexts returns the texts of all enabled rules.
	EnabledRuleTexts(ctx context.Context) (texts []string, err error)

	// RewriteMap returns the rewrite table as a domain-to-answer map.
	RewriteMap(ctx context.Context) (rewrites map[string]string, err error)
}

// Engine owns the published rule set and rewrite table.  Reload builds new
// values off-path and publishes both atomically, so concurrent readers see
// either the old or the new pair, never a mix.
type Engine struct {
	logger *slog.Logger
	store  Storage

	// mu protects rules and rewrites.  Readers match under the read lock;
	// Reload swaps both pointers under the write lock.
	mu       sync.RWMutex
	rules    *RuleSet
	rewrites map[string]netip.Addr
}

// NewEngine returns an engine with empty published state.  Call Reload to
// load the stored rules.
func NewEngine(logger *slog.Logger, store Storage) (e *Engine) {
	return &Engine{
		logger:   logger.With(slogutil.KeyPrefix, "filtering"),
		store:    store,
		rules:    NewRuleSet(),
		rewrites: map[string]netip.Addr{},
	}
}

// Reload loads the enabled rules and the rewrite rows from the store, builds
// a fresh rule set and rewrite table, and publishes both.  On error the
// previous snapshot remains in effect.
func (e *Engine) Reload(ctx context.Context) (err error) {
	texts, err := e.store.EnabledRuleTexts(ctx)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}

	rows, err := e.store.RewriteMap(ctx)
	if err != nil {
		return fmt.Errorf("loading rewrites: %w", err)
	}

	rules := NewRuleSet()
	n := 0
	for _, text := range texts {
		if rules.AddRule(text) {
			n++
		}
	}

	rewrites := make(map[string]netip.Addr, len(rows))
	for domain, answer := range rows {
		ip, parseErr := netip.ParseAddr(answer)
		if parseErr != nil {
			e.logger.WarnContext(
				ctx,
				"skipping rewrite with bad answer",
				"domain", domain,
				slogutil.KeyError, parseErr,
			)

			continue
		}

		rewrites[normalizeDomain(domain)] = ip
	}

	e.mu.Lock()
	e.rules = rules
	e.rewrites = rewrites
	e.mu.Unlock()

	e.logger.InfoContext(
		ctx,
		"reloaded",
		"rules", n,
		"blocked", rules.BlockedCount(),
		"allowed", rules.AllowedCount(),
		"rewrites", len(rewrites),
	)

	return nil
}

// IsBlocked reports whether domain is blocked by the currently published
// rule set.  The lock is held while matching because AddRuleLive may grow
// the published set.
func (e *Engine) IsBlocked(domain string) (blocked bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.rules.IsBlocked(domain)
}

// CheckRewrite returns the rewrite answer for domain, if any.
func (e *Engine) CheckRewrite(domain string) (ip netip.Addr, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ip, ok = e.rewrites[normalizeDomain(domain)]

	return ip, ok
}

// AddRuleLive adds a rule to the running rule set without a store write.  It
// is used by administrative paths only; the change does not survive the next
// Reload.
func (e *Engine) AddRuleLive(rule string) (ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.rules.AddRule(rule)
}

// Stats returns the sizes of the published rule set and rewrite table.
func (e *Engine) Stats() (blocked, allowed, rewrites int) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.rules.BlockedCount(), e.rules.AllowedCount(), len(e.rewrites)
}
