package router

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"

	"ouinet/internal/logger"
)

// ResponderKind tags one of the four responder variants a rule's queue can
// list, the Go rendering of the source's tagged-enum responder queue (§9
// Design Notes: "sum-type responders").
type ResponderKind int

const (
	ResponderOrigin ResponderKind = iota
	ResponderProxy
	ResponderInjector
	ResponderFrontEnd
)

func (k ResponderKind) String() string {
	switch k {
	case ResponderOrigin:
		return "origin"
	case ResponderProxy:
		return "proxy"
	case ResponderInjector:
		return "injector"
	case ResponderFrontEnd:
		return "front_end"
	default:
		return "unknown"
	}
}

// Transport is the minimal collaborator spec.md §6 describes for the
// injector path: open a bidirectional byte stream, and identify the remote
// endpoint for credential lookup.
type Transport interface {
	Connect(ctx context.Context) (net.Conn, error)
	RemoteEndpoint() string
}

// CredentialFunc returns the Authorization (or equivalent) header value to
// attach to requests sent to the given transport endpoint, or "" if none.
type CredentialFunc func(endpoint string) string

// responder is the internal shape every variant is adapted to: attempt to
// satisfy req, or report why it could not.
type responder func(req *http.Request) (*http.Response, error)

// responderFor builds the concrete function for kind, or nil if this
// Router has no collaborator configured for it (e.g. no Proxy URL set).
func (rt *Router) responderFor(kind ResponderKind) responder {
	switch kind {
	case ResponderOrigin:
		return rt.respondOrigin
	case ResponderProxy:
		if rt.ProxyClient == nil {
			return nil
		}
		return rt.respondProxy
	case ResponderInjector:
		if rt.Transport == nil {
			return nil
		}
		return rt.respondInjector
	case ResponderFrontEnd:
		if rt.FrontEnd == nil {
			return nil
		}
		return rt.respondFrontEnd
	default:
		return nil
	}
}

// respondOrigin dials the request's own Host directly, the non-proxied
// fetch path get_next_mechanism falls back to for non-safe methods.
func (rt *Router) respondOrigin(req *http.Request) (*http.Response, error) {
	client := rt.originClient()
	return client.Do(cloneForUpstream(req))
}

// respondProxy routes through the configured HTTP proxy instead of dialing
// the origin directly.
func (rt *Router) respondProxy(req *http.Request) (*http.Response, error) {
	return rt.ProxyClient.Do(cloneForUpstream(req))
}

// respondInjector opens one transport stream, optionally signs the request
// with the credential looked up for that endpoint, and round-trips it by
// hand over the raw connection — the Go shape of injector.cpp's fetch_fresh
// closure, which itself opens one connection per request.
func (rt *Router) respondInjector(req *http.Request) (*http.Response, error) {
	conn, err := rt.Transport.Connect(req.Context())
	if err != nil {
		return nil, fmt.Errorf("router: injector connect: %w", err)
	}
	defer conn.Close()

	out := cloneForUpstream(req)
	if rt.Credentials != nil {
		if cred := rt.Credentials(rt.Transport.RemoteEndpoint()); cred != "" {
			out.Header.Set("Authorization", cred)
		}
	}
	if err := out.Write(conn); err != nil {
		return nil, fmt.Errorf("router: injector write: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), out)
	if err != nil {
		return nil, fmt.Errorf("router: injector read: %w", err)
	}
	return resp, nil
}

// respondFrontEnd synthesizes a response from the embedded admin
// collaborator instead of reaching any network, the Go equivalent of
// client.cpp's try_serve_client_control branch.
func (rt *Router) respondFrontEnd(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	rt.FrontEnd.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

// cloneForUpstream copies req and strips the hop-by-hop headers that must
// never be replayed to a second hop, mirroring filter_before_store's
// treatment of stored responses but applied to the outgoing request.
func cloneForUpstream(req *http.Request) *http.Request {
	out := req.Clone(req.Context())
	// RequestURI is only legal on a server-received *http.Request;
	// http.Client.Do rejects anything that still carries it.
	out.RequestURI = ""
	for _, h := range hopByHopRequestHeaders {
		out.Header.Del(h)
	}
	return out
}

var hopByHopRequestHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func noopLogger(log logger.DebugLogger) logger.DebugLogger {
	if log == nil {
		return logger.NullLogger{}
	}
	return log
}
