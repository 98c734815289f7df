package dnsforward

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// resolverMap memoizes per-client upstream resolvers.  A resolver is built
// lazily on first use and shared by every client with the same upstream
// list; the key is the sorted list, so order differences don't duplicate
// pools.
type resolverMap struct {
	logger *slog.Logger
	def    Exchanger

	mu sync.RWMutex
	m  map[string]Exchanger
}

// newResolverMap returns a map falling back to def on construction errors.
func newResolverMap(logger *slog.Logger, def Exchanger) (rm *resolverMap) {
	return &resolverMap{
		logger: logger,
		def:    def,
		m:      map[string]Exchanger{},
	}
}

// get returns the memoized resolver for upstreams, creating it on first
// use.
func (rm *resolverMap) get(upstreams []string) (r Exchanger) {
	sorted := slices.Clone(upstreams)
	slices.Sort(sorted)
	key := strings.Join(sorted, " ")

	rm.mu.RLock()
	r, ok := rm.m[key]
	rm.mu.RUnlock()
	if ok {
		return r
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	// Re-check:  another query may have built it while we waited.
	if r, ok = rm.m[key]; ok {
		return r
	}

	res, err := NewResolverWith(rm.logger, upstreams)
	if err != nil {
		rm.logger.Warn("creating client resolver", "upstreams", key, "err", err)

		return rm.def
	}

	rm.m[key] = res

	return res
}

// close releases every memoized resolver.
func (rm *resolverMap) close() (err error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	for key, r := range rm.m {
		if res, ok := r.(*Resolver); ok {
			_ = res.Close()
		}

		delete(rm.m, key)
	}

	return nil
}
