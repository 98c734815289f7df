package dnsforward

import (
	"encoding/binary"
	"net/netip"

	"github.com/miekg/dns"
)

// makeResponse returns a response skeleton echoing the ID, the
// recursion-desired flag, and the question section of req.
func makeResponse(req *dns.Msg) (resp *dns.Msg) {
	resp = &dns.Msg{}
	resp.Id = req.Id
	resp.Response = true
	resp.Opcode = dns.OpcodeQuery
	resp.RecursionDesired = req.RecursionDesired
	resp.RecursionAvailable = true
	resp.Question = append(resp.Question, req.Question...)

	return resp
}

// genNXDomain returns an NXDomain response for req with no answer records.
func genNXDomain(req *dns.Msg) (resp *dns.Msg) {
	resp = makeResponse(req)
	resp.Rcode = dns.RcodeNameError

	return resp
}

// genServFail returns a ServFail response for req.
func genServFail(req *dns.Msg) (resp *dns.Msg) {
	resp = makeResponse(req)
	resp.Rcode = dns.RcodeServerFailure

	return resp
}

// genRefused returns a REFUSED response for req.
func genRefused(req *dns.Msg) (resp *dns.Msg) {
	resp = makeResponse(req)
	resp.Rcode = dns.RcodeRefused

	return resp
}

// genRewriteResponse synthesizes the answer for a rewrite hit:  a single A
// or AAAA record carrying ip with the given TTL.  The caller must have
// checked that the family of ip matches the question type.
func genRewriteResponse(req *dns.Msg, ip netip.Addr, ttl uint32) (resp *dns.Msg) {
	resp = makeResponse(req)

	q := req.Question[0]
	hdr := dns.RR_Header{
		Name:   q.Name,
		Rrtype: q.Qtype,
		Class:  dns.ClassINET,
		Ttl:    ttl,
	}

	if q.Qtype == dns.TypeA {
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: hdr,
			A:   ip.AsSlice(),
		})
	} else {
		resp.Answer = append(resp.Answer, &dns.AAAA{
			Hdr:  hdr,
			AAAA: ip.AsSlice(),
		})
	}

	return resp
}

// packServFail builds the minimal ServFail wire response carrying only id.
// It is used when the request cannot be decoded or a real response cannot
// be packed.
func packServFail(id uint16) (wire []byte) {
	m := &dns.Msg{}
	m.Id = id
	m.Response = true
	m.Rcode = dns.RcodeServerFailure

	wire, err := m.Pack()
	if err != nil {
		// A header-only message always packs.
		panic(err)
	}

	return wire
}

// patchID overwrites the message ID field of a copy of wire.  The ID lives
// in the first two bytes, big endian, so no re-encoding is needed.
func patchID(wire []byte, id uint16) (patched []byte) {
	patched = make([]byte, len(wire))
	copy(patched, wire)
	binary.BigEndian.PutUint16(patched[:2], id)

	return patched
}
