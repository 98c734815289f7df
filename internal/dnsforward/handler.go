package dnsforward

import (
	"context"
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/entdns/entdns/internal/client"
	"github.com/entdns/entdns/internal/events"
	"github.com/entdns/entdns/internal/metrics"
	"github.com/entdns/entdns/internal/storage"
)

// Log reasons recorded for short-circuit responses.
const (
	reasonRewrite    = "rewrite"
	reasonFilterRule = "filter_rule"
)

// mozillaCanaryHost is the Mozilla DoH canary domain.  Answering NXDomain
// keeps browsers on this resolver.
//
// See https://support.mozilla.org/en-US/kb/canary-domain-use-application-dnsnet.
const mozillaCanaryHost = "use-application-dns.net."

// queryContext carries one query through the pipeline modules.
type queryContext struct {
	ctx      context.Context
	req      *dns.Msg
	resp     *dns.Msg
	conf     *client.Config
	clientIP netip.Addr
	start    time.Time
	status   string
	reason   string
}

// Module result codes of the pipeline loop.
const (
	resultDone   = iota // module done, continue with the next one
	resultFinish        // response is final, stop the pipeline
)

// handleMsg runs the query pipeline and returns the response.  It never
// returns nil:  every failure collapses into a well-formed response with an
// appropriate RCODE.
func (s *Server) handleMsg(ctx context.Context, req *dns.Msg, clientIP netip.Addr) (resp *dns.Msg) {
	if req.Response || req.Opcode != dns.OpcodeQuery || len(req.Question) == 0 {
		return genServFail(req)
	}

	qc := &queryContext{
		ctx:      ctx,
		req:      req,
		clientIP: clientIP,
		start:    time.Now(),
		status:   metrics.StatusAllowed,
	}

	mods := []func(qc *queryContext) (rc int){
		s.processInitial,
		s.processRewrite,
		s.processClientConfig,
		s.processFilter,
		s.processCache,
		s.processUpstream,
	}
	for _, mod := range mods {
		if mod(qc) == resultFinish {
			break
		}
	}

	if qc.resp == nil {
		qc.resp = genServFail(req)
	}

	s.emit(qc)

	return qc.resp
}

// processInitial answers the Mozilla DoH canary.
func (s *Server) processInitial(qc *queryContext) (rc int) {
	q := qc.req.Question[0]
	if (q.Qtype == dns.TypeA || q.Qtype == dns.TypeAAAA) && q.Name == mozillaCanaryHost {
		qc.resp = genNXDomain(qc.req)
		qc.status = metrics.StatusBlocked
		qc.reason = reasonFilterRule

		return resultFinish
	}

	return resultDone
}

// processRewrite answers from the rewrite table when the question type
// matches the address family of the configured answer.  On a family
// mismatch the query falls through to the normal pipeline.
func (s *Server) processRewrite(qc *queryContext) (rc int) {
	q := qc.req.Question[0]
	if q.Qtype != dns.TypeA && q.Qtype != dns.TypeAAAA {
		return resultDone
	}

	ip, ok := s.filter.CheckRewrite(q.Name)
	if !ok {
		return resultDone
	}

	ip = ip.Unmap()
	if wantV4 := q.Qtype == dns.TypeA; wantV4 != ip.Is4() {
		return resultDone
	}

	qc.resp = genRewriteResponse(qc.req, ip, s.syntheticTTL)
	qc.reason = reasonRewrite

	return resultFinish
}

// processClientConfig resolves the per-client configuration.
func (s *Server) processClientConfig(qc *queryContext) (rc int) {
	qc.conf = s.clients.Config(qc.ctx, qc.clientIP)

	return resultDone
}

// processFilter applies the block check:  the client's group rule set when
// present, the global engine otherwise.
func (s *Server) processFilter(qc *queryContext) (rc int) {
	if !qc.conf.FilterEnabled {
		return resultDone
	}

	q := qc.req.Question[0]

	var blocked bool
	if qc.conf.GroupRules != nil {
		blocked = qc.conf.GroupRules.IsBlocked(q.Name)
	} else {
		blocked = s.filter.IsBlocked(q.Name)
	}

	if !blocked {
		return resultDone
	}

	qc.resp = genNXDomain(qc.req)
	qc.status = metrics.StatusBlocked
	qc.reason = reasonFilterRule

	return resultFinish
}

// processCache serves cached wire bytes.  The stored bytes carry the ID of
// the query that populated them, so the ID field is patched before the
// bytes are decoded back into a message.
func (s *Server) processCache(qc *queryContext) (rc int) {
	q := qc.req.Question[0]

	wire, ok := s.cache.get(q.Name, q.Qtype)
	if !ok {
		return resultDone
	}

	m := &dns.Msg{}
	if err := m.Unpack(patchID(wire, qc.req.Id)); err != nil {
		s.logger.Debug("unpacking cached response", "domain", q.Name, "err", err)

		return resultDone
	}

	qc.resp = m
	qc.status = metrics.StatusCached

	return resultFinish
}

// processUpstream forwards the query to the client's resolver, or the
// default one, and caches the response unless it is a server failure.
func (s *Server) processUpstream(qc *queryContext) (rc int) {
	q := qc.req.Question[0]

	resolver := s.resolver
	if len(qc.conf.Upstreams) > 0 {
		resolver = s.resolvers.get(qc.conf.Upstreams)
	}

	wire, minTTL, hasTTL := resolver.Resolve(qc.req)

	m := &dns.Msg{}
	if err := m.Unpack(wire); err != nil {
		s.logger.Warn("unpacking upstream response", "domain", q.Name, "err", err)
		qc.resp = genServFail(qc.req)

		return resultFinish
	}

	if m.Rcode != dns.RcodeServerFailure {
		s.cache.set(q.Name, q.Qtype, wire, minTTL, hasTTL)
	}

	qc.resp = m

	return resultFinish
}

// emit records the terminal state of one query:  exactly one log entry, one
// event, and an increment of the total counter plus one status counter.
// Logging failures never affect the response.
func (s *Server) emit(qc *queryContext) {
	elapsed := time.Since(qc.start)
	q := qc.req.Question[0]
	qtype := dns.Type(q.Qtype).String()

	metrics.IncQuery(qc.status)
	metrics.QueryDuration.Observe(elapsed.Seconds())

	if s.queryLog != nil {
		s.queryLog.Enqueue(storage.QueryLogRecord{
			Time:      qc.start,
			ClientIP:  qc.clientIP.String(),
			Question:  q.Name,
			QType:     qtype,
			Status:    qc.status,
			Reason:    qc.reason,
			ElapsedMS: elapsed.Milliseconds(),
		})
	}

	if s.events != nil {
		s.events.Publish(events.Query{
			Time:      qc.start,
			ClientIP:  qc.clientIP.String(),
			Question:  q.Name,
			QType:     qtype,
			Status:    qc.status,
			Reason:    qc.reason,
			ElapsedMS: elapsed.Milliseconds(),
		})
	}
}

// Handle processes one wire-format query for clientIP and returns the wire
// response.  It is the entry point shared by the DoH front end.  Decode
// failures yield a best-effort ServFail echoing whatever ID the packet
// carried.
func (s *Server) Handle(ctx context.Context, packet []byte, clientIP netip.Addr) (wire []byte, err error) {
	req := &dns.Msg{}
	if unpackErr := req.Unpack(packet); unpackErr != nil {
		var id uint16
		if len(packet) >= 2 {
			id = binary.BigEndian.Uint16(packet[:2])
		}

		return packServFail(id), nil
	}

	var resp *dns.Msg
	if s.access.isBlockedIP(clientIP) {
		metrics.QueriesRefused.Inc()
		resp = genRefused(req)
	} else {
		resp = s.handleMsg(ctx, req, clientIP)
	}

	wire, packErr := resp.Pack()
	if packErr != nil {
		return packServFail(req.Id), nil
	}

	return wire, nil
}
