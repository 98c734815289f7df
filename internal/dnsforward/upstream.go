package dnsforward

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"time"

	"github.com/AdguardTeam/dnsproxy/upstream"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/miekg/dns"
)

// defaultUpstreams are the well-known public resolvers used when no
// upstreams are configured, plain UDP/53.
var defaultUpstreams = []string{
	"9.9.9.9:53",
	"8.8.8.8:53",
	"1.1.1.1:53",
}

// defaultUpstreamTimeout bounds a single upstream exchange.
const defaultUpstreamTimeout = 5 * time.Second

// ednsUDPSize is the EDNS0 payload size advertised to upstreams.
const ednsUDPSize = 4096

// Resolver is the async stub resolver of the forwarding path.  It keeps no
// cache of its own — the answer cache is authoritative — and it reads no
// hosts files.  DNSSEC records are requested from upstreams via the DO bit
// so that validating resolvers fail closed with ServFail.
type Resolver struct {
	logger    *slog.Logger
	upstreams []upstream.Upstream
	addrs     []string
}

// NewResolver returns a resolver over the built-in public resolver set.
func NewResolver(logger *slog.Logger) (r *Resolver, err error) {
	return newResolver(logger, defaultUpstreams)
}

// NewResolverWith returns a resolver over the given "ip" or "ip:port"
// entries.  Invalid entries are skipped with a warning; when none remain,
// the default set is used.
func NewResolverWith(logger *slog.Logger, addrs []string) (r *Resolver, err error) {
	valid := make([]string, 0, len(addrs))
	for _, a := range addrs {
		norm, ok := normalizeUpstreamAddr(a)
		if !ok {
			logger.Warn("skipping invalid upstream", "addr", a)

			continue
		}

		valid = append(valid, norm)
	}

	if len(valid) == 0 {
		logger.Warn("no valid upstreams, using defaults")
		valid = defaultUpstreams
	}

	return newResolver(logger, valid)
}

// newResolver builds the upstream handles for addrs.
func newResolver(logger *slog.Logger, addrs []string) (r *Resolver, err error) {
	r = &Resolver{
		logger: logger.With(slogutil.KeyPrefix, "upstream"),
		addrs:  addrs,
	}

	opts := &upstream.Options{
		Logger:  r.logger,
		Timeout: defaultUpstreamTimeout,
	}
	for _, addr := range addrs {
		var u upstream.Upstream
		u, err = upstream.AddressToUpstream(addr, opts)
		if err != nil {
			return nil, fmt.Errorf("creating upstream %q: %w", addr, err)
		}

		r.upstreams = append(r.upstreams, u)
	}

	return r, nil
}

// Addresses returns the upstream addresses served by this resolver.
func (r *Resolver) Addresses() (addrs []string) {
	return r.addrs
}

// Close releases the upstream handles.
func (r *Resolver) Close() (err error) {
	var errs []error
	for _, u := range r.upstreams {
		errs = append(errs, u.Close())
	}

	return errors.Join(errs...)
}

// Resolve forwards the question of req upstream and returns a complete wire
// response for the client.  Failures never surface as errors:  timeouts,
// network problems, and validation failures all collapse into a ServFail
// response.  minTTL is the lowest answer TTL; hasTTL is false when the
// response carries no answers.
func (r *Resolver) Resolve(req *dns.Msg) (wire []byte, minTTL uint32, hasTTL bool) {
	q := req.Question[0]

	fwd := (&dns.Msg{}).SetQuestion(q.Name, q.Qtype)
	fwd.Id = req.Id
	fwd.RecursionDesired = req.RecursionDesired
	fwd.SetEdns0(ednsUDPSize, true)

	resp := makeResponse(req)

	reply, err := r.exchange(fwd)
	switch {
	case err != nil:
		r.logger.Debug("upstream exchange", "domain", q.Name, "err", err)
		resp.Rcode = dns.RcodeServerFailure
	case reply.Rcode == dns.RcodeSuccess || reply.Rcode == dns.RcodeNameError:
		resp.Rcode = reply.Rcode
		resp.Answer = filterRRSIG(req, reply.Answer)
		minTTL, hasTTL = lowestTTL(resp.Answer)
	default:
		// Treat anything else from upstream, validation failures
		// included, as a server failure.
		resp.Rcode = dns.RcodeServerFailure
	}

	wire, err = resp.Pack()
	if err != nil {
		r.logger.Warn("packing response", "domain", q.Name, "err", err)

		return packServFail(req.Id), 0, false
	}

	return wire, minTTL, hasTTL
}

// probeHost is the name resolved by Probe.
const probeHost = "google-public-dns-a.google.com."

// Probe checks that every upstream of the resolver answers.  It is used by
// the management plane to validate upstream settings before saving them.
// The per-exchange timeout of the upstream options applies.
func (r *Resolver) Probe() (err error) {
	req := (&dns.Msg{}).SetQuestion(probeHost, dns.TypeA)

	var errs []error
	for _, u := range r.upstreams {
		reply, exchErr := u.Exchange(req)
		if exchErr != nil {
			errs = append(errs, fmt.Errorf("upstream %s: %w", u.Address(), exchErr))

			continue
		}

		if reply.Rcode != dns.RcodeSuccess || len(reply.Answer) == 0 {
			errs = append(errs, fmt.Errorf(
				"upstream %s: unexpected response: %s",
				u.Address(),
				dns.RcodeToString[reply.Rcode],
			))
		}
	}

	return errors.Join(errs...)
}

// exchange tries the upstreams in order, starting at a random one, and
// returns the first reply.
func (r *Resolver) exchange(req *dns.Msg) (reply *dns.Msg, err error) {
	start := rand.IntN(len(r.upstreams))

	var errs []error
	for i := range r.upstreams {
		u := r.upstreams[(start+i)%len(r.upstreams)]
		reply, err = u.Exchange(req)
		if err == nil {
			return reply, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", u.Address(), err))
	}

	return nil, errors.Join(errs...)
}

// filterRRSIG strips RRSIG records requested by our own DO bit when the
// client did not ask for DNSSEC records itself.
func filterRRSIG(req *dns.Msg, answers []dns.RR) (filtered []dns.RR) {
	if opt := req.IsEdns0(); opt != nil && opt.Do() {
		return answers
	}

	filtered = make([]dns.RR, 0, len(answers))
	for _, rr := range answers {
		if _, isSig := rr.(*dns.RRSIG); !isSig {
			filtered = append(filtered, rr)
		}
	}

	return filtered
}

// lowestTTL returns the minimum TTL across answers.
func lowestTTL(answers []dns.RR) (minTTL uint32, found bool) {
	for _, rr := range answers {
		if ttl := rr.Header().Ttl; !found || ttl < minTTL {
			minTTL = ttl
			found = true
		}
	}

	return minTTL, found
}

// normalizeUpstreamAddr validates an "ip" or "ip:port" entry, appending the
// default DNS port when absent.
func normalizeUpstreamAddr(addr string) (norm string, ok bool) {
	if ip, err := netip.ParseAddr(addr); err == nil {
		return net.JoinHostPort(ip.String(), "53"), true
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", false
	}

	ip, err := netip.ParseAddr(host)
	if err != nil || port == "" {
		return "", false
	}

	return net.JoinHostPort(ip.String(), port), true
}
