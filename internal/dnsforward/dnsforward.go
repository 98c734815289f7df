// Package dnsforward contains the query processing pipeline and the plain
// DNS front ends.  One handler serves UDP, TCP, and DoH:  it applies
// rewrites, per-client filtering, the answer cache, and upstream
// forwarding, and for each handled query records exactly one log entry and
// increments the total counter plus exactly one status counter.
package dnsforward

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/miekg/dns"

	"github.com/entdns/entdns/internal/client"
	"github.com/entdns/entdns/internal/events"
	"github.com/entdns/entdns/internal/filtering"
	"github.com/entdns/entdns/internal/metrics"
	"github.com/entdns/entdns/internal/storage"
)

// udpBufSize is the datagram receive buffer, sized for the EDNS0 allowance.
const udpBufSize = 4096

// defaultSyntheticTTL is the TTL of synthesized rewrite answers.  Filter
// denials are NXDomain responses without records, so no TTL applies to them.
const defaultSyntheticTTL = 300

// shutdownTimeout bounds the graceful stop of the transport listeners.
const shutdownTimeout = 5 * time.Second

// Exchanger resolves one query into complete wire bytes.  It never fails;
// upstream problems surface as ServFail responses.
type Exchanger interface {
	Resolve(req *dns.Msg) (wire []byte, minTTL uint32, hasTTL bool)
}

// ClientResolver resolves the per-client configuration for a source
// address.
type ClientResolver interface {
	Config(ctx context.Context, ip netip.Addr) (conf *client.Config)
}

// QueryLogger accepts query log entries without blocking.
type QueryLogger interface {
	Enqueue(rec storage.QueryLogRecord)
}

// Config is the DNS server configuration.
type Config struct {
	// Logger is the base logger.  It must not be nil.
	Logger *slog.Logger

	// Filter is the global filter engine.  It must not be nil.
	Filter *filtering.Engine

	// Clients resolves per-client configurations.  It must not be nil.
	Clients ClientResolver

	// QueryLog receives one entry per handled query.  It may be nil.
	QueryLog QueryLogger

	// Events receives one event per handled query.  It may be nil.
	Events *events.Broadcaster

	// Resolver overrides the default upstream resolver.  When nil, one is
	// built from Upstreams, or from the built-in public set.
	Resolver Exchanger

	// Bind is the address the UDP and TCP listeners bind to.
	Bind string

	// Upstreams configures the default resolver, "ip" or "ip:port"
	// entries.
	Upstreams []string

	// AllowedClients and DisallowedClients are the access control lists,
	// literal IPs or CIDR prefixes.
	AllowedClients    []string
	DisallowedClients []string

	// Port is the UDP and TCP listening port.
	Port uint16

	// SyntheticTTL is the TTL of synthesized answers.  Zero means the
	// default of 300 seconds.
	SyntheticTTL uint32
}

// Server is the DNS server:  the shared handler plus the UDP and TCP front
// ends.
type Server struct {
	logger       *slog.Logger
	filter       *filtering.Engine
	clients      ClientResolver
	queryLog     QueryLogger
	events       *events.Broadcaster
	cache        *answerCache
	resolver     Exchanger
	resolvers    *resolverMap
	access       *accessManager
	udpSrv       *dns.Server
	tcpSrv       *dns.Server
	syntheticTTL uint32
}

// NewServer returns a server ready to be started.
func NewServer(conf *Config) (s *Server, err error) {
	logger := conf.Logger.With(slogutil.KeyPrefix, "dnsforward")

	access, err := newAccessManager(conf.AllowedClients, conf.DisallowedClients)
	if err != nil {
		return nil, fmt.Errorf("access control: %w", err)
	}

	resolver := conf.Resolver
	if resolver == nil {
		var def *Resolver
		if len(conf.Upstreams) > 0 {
			def, err = NewResolverWith(conf.Logger, conf.Upstreams)
		} else {
			def, err = NewResolver(conf.Logger)
		}
		if err != nil {
			return nil, fmt.Errorf("default resolver: %w", err)
		}

		resolver = def
	}

	syntheticTTL := conf.SyntheticTTL
	if syntheticTTL == 0 {
		syntheticTTL = defaultSyntheticTTL
	}

	s = &Server{
		logger:       logger,
		filter:       conf.Filter,
		clients:      conf.Clients,
		queryLog:     conf.QueryLog,
		events:       conf.Events,
		cache:        newAnswerCache(logger),
		resolver:     resolver,
		resolvers:    newResolverMap(conf.Logger, resolver),
		access:       access,
		syntheticTTL: syntheticTTL,
	}

	addr := net.JoinHostPort(conf.Bind, strconv.Itoa(int(conf.Port)))
	s.udpSrv = &dns.Server{
		Addr:    addr,
		Net:     "udp",
		Handler: s,
		UDPSize: udpBufSize,
	}
	s.tcpSrv = &dns.Server{
		Addr:    addr,
		Net:     "tcp",
		Handler: s,
	}

	return s, nil
}

// Start brings up the UDP and TCP listeners.  Each runs until Shutdown;
// listener errors after startup are reported on errCh.
func (s *Server) Start(errCh chan<- error) {
	go func() {
		err := s.udpSrv.ListenAndServe()
		if err != nil {
			errCh <- fmt.Errorf("udp listener: %w", err)
		}
	}()
	go func() {
		err := s.tcpSrv.ListenAndServe()
		if err != nil {
			errCh <- fmt.Errorf("tcp listener: %w", err)
		}
	}()

	s.logger.Info("listening", "addr", s.udpSrv.Addr)
}

// Shutdown stops the listeners and releases the upstream handles.
func (s *Server) Shutdown(ctx context.Context) (err error) {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error
	errs = append(errs, s.udpSrv.ShutdownContext(ctx))
	errs = append(errs, s.tcpSrv.ShutdownContext(ctx))
	errs = append(errs, s.resolvers.close())

	if r, ok := s.resolver.(*Resolver); ok {
		errs = append(errs, r.Close())
	}

	return errors.Join(errs...)
}

// ServeDNS implements the [dns.Handler] interface for Server.  It is called
// by the UDP and TCP front ends with one goroutine per query.
func (s *Server) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	clientIP := ipFromAddr(w.RemoteAddr())

	var resp *dns.Msg
	if s.access.isBlockedIP(clientIP) {
		metrics.QueriesRefused.Inc()
		resp = genRefused(req)
	} else {
		resp = s.handleMsg(context.Background(), req, clientIP)
	}

	// Some devices require message compression.
	resp.Compress = true

	err := w.WriteMsg(resp)
	if err != nil {
		s.logger.Debug("writing response", "client", clientIP, "err", err)
	}
}

// ipFromAddr extracts the peer IP from a transport address.
func ipFromAddr(addr net.Addr) (ip netip.Addr) {
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.Addr{}
	}

	return ap.Addr().Unmap()
}
