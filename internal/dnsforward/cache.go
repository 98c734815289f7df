package dnsforward

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bluele/gcache"
	"github.com/miekg/dns"
)

// Answer cache parameters.  TTLs outside the clamp are pulled back in;
// synthetic answers use the default.
const (
	cacheSize       = 10_000
	cacheDefaultTTL = 300
	cacheMinTTL     = 5
	cacheMaxTTL     = 86_400
)

// answerCache stores complete wire responses keyed by question fingerprint.
// Entries never mutate after insertion and expire individually; eviction
// beyond that is LRU.  Message IDs are NOT rewritten here — the handler
// patches the ID before returning cached bytes.
type answerCache struct {
	logger *slog.Logger
	items  gcache.Cache
}

// newAnswerCache returns an empty cache.
func newAnswerCache(logger *slog.Logger) (c *answerCache) {
	return &answerCache{
		logger: logger,
		items:  gcache.New(cacheSize).LRU().Build(),
	}
}

// cacheKey builds the fingerprint of one question.
func cacheKey(domain string, qtype uint16) (key string) {
	return fmt.Sprintf(
		"%s:%s",
		strings.ToLower(strings.TrimSuffix(domain, ".")),
		dns.Type(qtype).String(),
	)
}

// get returns the stored wire bytes verbatim, or false past their TTL.
func (c *answerCache) get(domain string, qtype uint16) (wire []byte, ok bool) {
	val, err := c.items.Get(cacheKey(domain, qtype))
	if err != nil {
		// Miss or expired.
		return nil, false
	}

	return val.([]byte), true
}

// set inserts wire with the effective TTL derived from minTTL.  hasTTL is
// false for responses without answer records, in which case the default is
// used.
func (c *answerCache) set(domain string, qtype uint16, wire []byte, minTTL uint32, hasTTL bool) {
	ttl := clampTTL(minTTL, hasTTL)
	err := c.items.SetWithExpire(cacheKey(domain, qtype), wire, time.Duration(ttl)*time.Second)
	if err != nil {
		c.logger.Debug("cache insert", "domain", domain, "err", err)
	}
}

// clampTTL returns the effective TTL in seconds.
func clampTTL(minTTL uint32, hasTTL bool) (ttl uint32) {
	if !hasTTL {
		return cacheDefaultTTL
	}

	switch {
	case minTTL < cacheMinTTL:
		return cacheMinTTL
	case minTTL > cacheMaxTTL:
		return cacheMaxTTL
	default:
		return minTTL
	}
}
