// Package web contains the HTTP front end:  the RFC 8484 DoH endpoint and
// the metrics text exposition.  TLS termination is the operator's business;
// this server speaks plain HTTP behind it.
package web

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/NYTimes/gziphandler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// dnsMessageContentType is the RFC 8484 media type.
const dnsMessageContentType = "application/dns-message"

// maxDNSMessageBytes is the RFC 8484 §6 maximum wire-format message size.
const maxDNSMessageBytes = 65_535

// dohPath is the well-known DoH endpoint path.
const dohPath = "/dns-query"

// readHeaderTimeout bounds reading request headers.
const readHeaderTimeout = 10 * time.Second

// DNSHandler processes one wire-format query and returns the wire
// response.
type DNSHandler interface {
	Handle(ctx context.Context, packet []byte, clientIP netip.Addr) (wire []byte, err error)
}

// Config is the web server configuration.
type Config struct {
	// Logger is the base logger.  It must not be nil.
	Logger *slog.Logger

	// DNS serves the DoH queries.  It must not be nil when DoHEnabled is
	// true.
	DNS DNSHandler

	// Registry is the metrics registry exposed on /metrics.  It must not
	// be nil.
	Registry *prometheus.Registry

	// Bind is the listening address.
	Bind string

	// CORSAllowedOrigins, when non-empty, enables CORS for the listed
	// origins, or for any origin with "*".
	CORSAllowedOrigins []string

	// Port is the listening port.
	Port uint16

	// DoHEnabled enables the /dns-query endpoint.
	DoHEnabled bool
}

// Server is the HTTP front end.
type Server struct {
	logger *slog.Logger
	conf   *Config
	http   *http.Server
}

// New returns a server ready to be started.
func New(conf *Config) (s *Server) {
	s = &Server{
		logger: conf.Logger.With(slogutil.KeyPrefix, "web"),
		conf:   conf,
	}

	mux := http.NewServeMux()
	if conf.DoHEnabled {
		mux.HandleFunc(dohPath, s.handleDoH)
	}

	metricsHandler := promhttp.HandlerFor(conf.Registry, promhttp.HandlerOpts{})
	mux.Handle("/metrics", gziphandler.GzipHandler(metricsHandler))

	s.http = &http.Server{
		Addr:              net.JoinHostPort(conf.Bind, strconv.Itoa(int(conf.Port))),
		Handler:           s.withCORS(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Start brings up the listener.  Errors after startup are reported on
// errCh.
func (s *Server) Start(errCh chan<- error) {
	go func() {
		err := s.http.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http listener: %w", err)
		}
	}()

	s.logger.Info("listening", "addr", s.http.Addr)
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) (err error) {
	return s.http.Shutdown(ctx)
}

// Handler returns the root handler of the server.  It is used by tests and
// by operators embedding the front end into their own HTTP termination.
func (s *Server) Handler() (h http.Handler) {
	return s.http.Handler
}

// handleDoH serves GET and POST /dns-query per RFC 8484.
func (s *Server) handleDoH(w http.ResponseWriter, r *http.Request) {
	var packet []byte

	switch r.Method {
	case http.MethodGet:
		dnsParam := r.URL.Query().Get("dns")
		decoded, err := base64.RawURLEncoding.DecodeString(dnsParam)
		if err != nil {
			http.Error(w, "invalid base64url encoding", http.StatusBadRequest)

			return
		}

		packet = decoded
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxDNSMessageBytes+1))
		if err != nil {
			http.Error(w, "reading request body", http.StatusBadRequest)

			return
		}

		if len(body) > maxDNSMessageBytes {
			http.Error(w, "dns message too large", http.StatusRequestEntityTooLarge)

			return
		}

		packet = body
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

		return
	}

	resp, err := s.conf.DNS.Handle(r.Context(), packet, peerIP(r))
	if err != nil {
		s.logger.Warn("doh handler", "err", err)
		http.Error(w, "dns resolution failed", http.StatusInternalServerError)

		return
	}

	h := w.Header()
	h.Set("Content-Type", dnsMessageContentType)
	h.Set("Cache-Control", "no-store")
	_, _ = w.Write(resp)
}

// withCORS wraps next with the configured CORS policy, if any.
func (s *Server) withCORS(next http.Handler) (h http.Handler) {
	origins := s.conf.CORSAllowedOrigins
	if len(origins) == 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range origins {
			if allowed == "*" || allowed == origin {
				w.Header().Set("Access-Control-Allow-Origin", allowed)

				break
			}
		}

		next.ServeHTTP(w, r)
	})
}

// peerIP extracts the HTTP peer address.
func peerIP(r *http.Request) (ip netip.Addr) {
	ap, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		return netip.Addr{}
	}

	return ap.Addr().Unmap()
}
