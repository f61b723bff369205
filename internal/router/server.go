package router

import (
	"context"
	"net/http"
	"time"

	"ouinet/internal/logger"
)

// Server binds Router to a TCP listener and serves HTTP/1.1 proxy traffic
// on it, honoring keep-alive the way spec.md §4.6 requires: net/http's own
// connection-reuse loop already implements "serve requests until
// end-of-stream or an unrecoverable error", so this wrapper only adds the
// origin-form request normalization (normalizeProxyRequest) and the
// shutdown ordering the rest of the client follows.
type Server struct {
	Router  *Router
	Addr    string
	Log     logger.DebugLogger
	httpSrv *http.Server
}

// NewServer builds a Server listening on addr ("host:port").
func NewServer(addr string, rt *Router, log logger.DebugLogger) *Server {
	s := &Server{Router: rt, Addr: addr, Log: noopLogger(log)}
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: http.HandlerFunc(s.serveHTTP),
		// CONNECT tunnels and long-lived proxied responses both outlive a
		// short fixed deadline, so only bound the read of the request head.
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s
}

// ListenAndServe binds Addr and blocks serving requests until Shutdown
// closes the listener.
func (s *Server) ListenAndServe() error {
	s.Log.Infof("router: listening on %s", s.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections and waits for in-flight ones to
// finish, the first step of the reverse-acquisition-order teardown
// described in spec.md §9 ("Global state").
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	normalizeProxyRequest(r)
	s.Router.ServeHTTP(w, r)
}

// normalizeProxyRequest fills in r.URL.Host/Scheme from the Host header
// when a client sends an origin-form request directly at this proxy (as
// opposed to the absolute-URI form RFC 7230 requires of a real proxy
// client), so the router's host-based rules still see a usable URL.
func normalizeProxyRequest(r *http.Request) {
	if r.URL.Host == "" {
		r.URL.Host = r.Host
	}
	if r.URL.Scheme == "" {
		r.URL.Scheme = "http"
	}
}
