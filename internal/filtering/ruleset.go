// Package filtering implements the DNS request filter:  compiled rule sets
// with parent-domain matching and the hot-swappable engine that owns the
// published rule set and rewrite table.
package filtering

import (
	"net/netip"
	"strings"

	"github.com/AdguardTeam/golibs/container"
)

// maxDomainLen and maxLabelLen are the RFC 1035 limits enforced on parsed
// rule domains.
const (
	maxDomainLen = 253
	maxLabelLen  = 63
)

// RuleSet holds compiled block and allow domain sets.  A domain matches a
// set when the domain itself or any of its parents is in the set; an allow
// match at any level defeats a block match at any level.
//
// A RuleSet is not safe for concurrent use by itself.  The engine builds it
// off-path and guards all published access with its own lock.
type RuleSet struct {
	blocked *container.MapSet[string]
	allowed *container.MapSet[string]
}

// NewRuleSet returns an empty rule set.
func NewRuleSet() (rs *RuleSet) {
	return &RuleSet{
		blocked: container.NewMapSet[string](),
		allowed: container.NewMapSet[string](),
	}
}

// AddRule parses a single rule line and adds it to the set.  It returns true
// if the line produced a rule.  Comments, cosmetic rules, regex rules, and
// malformed lines are dropped silently.
func (rs *RuleSet) AddRule(line string) (ok bool) {
	line = strings.TrimSpace(line)

	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return false
	}

	// Cosmetic rules:  element hiding and script injection have no DNS
	// meaning.
	if strings.Contains(line, "##") ||
		strings.Contains(line, "#@#") ||
		strings.Contains(line, "#%#") {
		return false
	}

	// Regex rules.
	if strings.HasPrefix(line, "/") && strings.HasSuffix(line, "/") {
		return false
	}

	// Allow rules:  @@ followed by an AdGuard-format rule such as ||domain^.
	// A bare @@domain is not an allow rule.
	if rest, isAllow := strings.CutPrefix(line, "@@"); isAllow {
		if domain, parsed := parseAdguardDomain(rest); parsed {
			rs.allowed.Add(domain)

			return true
		}

		return false
	}

	// AdGuard format:  ||domain^ or ||domain^$options.
	if domain, parsed := parseAdguardDomain(line); parsed {
		rs.blocked.Add(domain)

		return true
	}

	// Hosts format:  "0.0.0.0 domain".
	if domain, parsed := parseHostsLine(line); parsed {
		rs.blocked.Add(domain)

		return true
	}

	// Wildcard:  *.domain blocks the subdomains of domain, which parent
	// matching already provides.
	if rest, isWild := strings.CutPrefix(line, "*."); isWild {
		domain := normalizeDomain(rest)
		if isValidDomain(domain) {
			rs.blocked.Add(domain)

			return true
		}

		return false
	}

	// Plain domain.
	domain := normalizeDomain(line)
	if isValidDomain(domain) {
		rs.blocked.Add(domain)

		return true
	}

	return false
}

// AddRulesFromString parses all lines of text and returns the number of
// rules added.
func (rs *RuleSet) AddRulesFromString(text string) (n int) {
	for line := range strings.Lines(text) {
		if rs.AddRule(line) {
			n++
		}
	}

	return n
}

// IsBlocked reports whether domain is blocked, considering the allow list.
// domain is normalized before matching.
func (rs *RuleSet) IsBlocked(domain string) (blocked bool) {
	domain = normalizeDomain(domain)

	if matchesSet(domain, rs.allowed) {
		return false
	}

	return matchesSet(domain, rs.blocked)
}

// BlockedCount returns the number of block rules.
func (rs *RuleSet) BlockedCount() (n int) { return rs.blocked.Len() }

// AllowedCount returns the number of allow rules.
func (rs *RuleSet) AllowedCount() (n int) { return rs.allowed.Len() }

// matchesSet reports whether domain or any of its parents is in set.  The
// walk goes from the most specific name up to the final label.
func matchesSet(domain string, set *container.MapSet[string]) (ok bool) {
	for cur := domain; cur != ""; {
		if set.Has(cur) {
			return true
		}

		dot := strings.IndexByte(cur, '.')
		if dot < 0 {
			return false
		}

		cur = cur[dot+1:]
	}

	return false
}

// parseAdguardDomain extracts the domain from ||domain^, ||domain^$options,
// |domain|, and ||domain forms.
func parseAdguardDomain(rule string) (domain string, ok bool) {
	var rest string
	if r, found := strings.CutPrefix(rule, "||"); found {
		rest = r
	} else if r, found = strings.CutPrefix(rule, "|"); found {
		rest = r
	} else {
		return "", false
	}

	// Strip the separator, any $options behind it, and trailing anchors.
	rest, _, _ = strings.Cut(rest, "^")
	rest = strings.TrimSuffix(rest, "|")
	rest = strings.TrimSuffix(rest, "/")

	domain = normalizeDomain(rest)
	if !isValidDomain(domain) {
		return "", false
	}

	return domain, true
}

// parseHostsLine extracts the domain from a hosts-style "IP domain" line.
// Entries for localhost, *.local names, and the IPv6 loopback names are
// skipped.
func parseHostsLine(line string) (domain string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", false
	}

	if _, err := netip.ParseAddr(fields[0]); err != nil {
		return "", false
	}

	host := fields[1]
	switch {
	case host == "localhost",
		strings.HasSuffix(host, ".local"),
		strings.HasPrefix(host, "ip6-"):
		return "", false
	}

	domain = normalizeDomain(host)
	if !isValidDomain(domain) {
		return "", false
	}

	return domain, true
}

// normalizeDomain lowercases s and strips surrounding space and the trailing
// dot.
func normalizeDomain(s string) (domain string) {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), "."))
}

// isValidDomain reports whether s is a valid rule domain:  at most 253
// characters, labels of at most 63 characters from [A-Za-z0-9-] not
// bordered by a hyphen, and at least one dot unless it is localhost.
func isValidDomain(s string) (ok bool) {
	if s == "" || len(s) > maxDomainLen {
		return false
	}

	if !strings.Contains(s, ".") && s != "localhost" {
		return false
	}

	for label := range strings.SplitSeq(s, ".") {
		if !isValidLabel(label) {
			return false
		}
	}

	return true
}

// isValidLabel reports whether label is a valid domain label.
func isValidLabel(label string) (ok bool) {
	if label == "" || len(label) > maxLabelLen {
		return false
	}

	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}

	for i := range len(label) {
		c := label[i]
		isAlnum := (c >= 'a' && c <= 'z') ||
			(c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9')
		if !isAlnum && c != '-' {
			return false
		}
	}

	return true
}
