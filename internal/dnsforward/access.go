package dnsforward

import (
	"fmt"
	"net/netip"
)

// accessManager holds the source address access control lists.  The deny
// list is checked first; with an empty allow list everything not denied is
// allowed.
type accessManager struct {
	allowed    []netip.Prefix
	disallowed []netip.Prefix
}

// newAccessManager parses the allowed and disallowed entries, each a
// literal IP or a CIDR prefix.
func newAccessManager(allowed, disallowed []string) (a *accessManager, err error) {
	a = &accessManager{}

	a.allowed, err = parsePrefixes(allowed)
	if err != nil {
		return nil, fmt.Errorf("allowed clients: %w", err)
	}

	a.disallowed, err = parsePrefixes(disallowed)
	if err != nil {
		return nil, fmt.Errorf("disallowed clients: %w", err)
	}

	return a, nil
}

// isBlockedIP reports whether queries from ip must be refused.
func (a *accessManager) isBlockedIP(ip netip.Addr) (blocked bool) {
	for _, pref := range a.disallowed {
		if pref.Contains(ip) {
			return true
		}
	}

	if len(a.allowed) == 0 {
		return false
	}

	for _, pref := range a.allowed {
		if pref.Contains(ip) {
			return false
		}
	}

	return true
}

// parsePrefixes parses entries as prefixes, promoting literal addresses to
// single-address prefixes.
func parsePrefixes(entries []string) (prefs []netip.Prefix, err error) {
	for _, entry := range entries {
		if ip, parseErr := netip.ParseAddr(entry); parseErr == nil {
			prefs = append(prefs, netip.PrefixFrom(ip, ip.BitLen()))

			continue
		}

		pref, parseErr := netip.ParsePrefix(entry)
		if parseErr != nil {
			return nil, fmt.Errorf("parsing %q: %w", entry, parseErr)
		}

		prefs = append(prefs, pref)
	}

	return prefs, nil
}
