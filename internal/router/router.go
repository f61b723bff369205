package router

import (
	"fmt"
	"net/http"
	"time"

	"ouinet/internal/cachecontrol"
	"ouinet/internal/logger"
)

// RequestConfig is what a matching Rule resolves a request to: whether the
// cache may be consulted, and the ordered responder queue to try.
type RequestConfig struct {
	EnableCache bool
	Responders  []ResponderKind
}

// DefaultRequestConfig is what an unmatched request falls back to: caching
// enabled, a single injector responder, exactly as spec.md §4.6 states.
func DefaultRequestConfig() RequestConfig {
	return RequestConfig{EnableCache: true, Responders: []ResponderKind{ResponderInjector}}
}

// Rule pairs a predicate with the configuration to apply when it matches.
// Rules are evaluated in order; the first match wins.
type Rule struct {
	Predicate Predicate
	Config    RequestConfig
}

// Router holds the ordered rule list and every responder collaborator a
// rule's queue might name.
type Router struct {
	Rules   []Rule
	Default RequestConfig

	Transport   Transport
	Credentials CredentialFunc
	ProxyClient *http.Client
	FrontEnd    http.Handler

	CacheControl *cachecontrol.CacheControl

	Log logger.DebugLogger

	originHTTPClient *http.Client
}

// New builds a Router with the default request configuration and an
// http.Client suitable for the origin responder.
func New(log logger.DebugLogger) *Router {
	return &Router{
		Default: DefaultRequestConfig(),
		Log:     noopLogger(log),
	}
}

func (rt *Router) originClient() *http.Client {
	if rt.originHTTPClient == nil {
		rt.originHTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return rt.originHTTPClient
}

// RouteConfig returns the RequestConfig the first matching rule resolves
// req to, or Default if no rule matches — the Go rendering of
// get_next_mechanism's ordered scan, generalized from a hardcoded
// front_end/origin/queue sequence into data-driven rules so the front-end
// and non-safe-method special cases are just the first two rules a caller
// installs rather than baked-in control flow.
func (rt *Router) RouteConfig(req *http.Request) RequestConfig {
	for _, rule := range rt.Rules {
		if rule.Predicate(req) {
			return rule.Config
		}
	}
	return rt.Default
}

// ServeHTTP serves one HTTP request: CONNECT gets the tunnel path: every
// other method is routed and answered by the configured responder chain.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		rt.serveConnect(w, r)
		return
	}

	cfg := rt.RouteConfig(r)
	resp, err := rt.fetch(r, cfg)
	if err != nil {
		writeResourceError(w, r, err)
		return
	}
	defer resp.Body.Close()
	copyResponse(w, resp)
}

// fetch runs the responder loop from spec.md §4.6: try each configured
// responder in order, returning the first success; if cfg enables caching,
// the whole loop is wrapped by the cache-control policy instead of calling
// fetch_fresh directly.
func (rt *Router) fetch(req *http.Request, cfg RequestConfig) (*http.Response, error) {
	fetchFresh := func(req *http.Request) (*http.Response, error) {
		return rt.runResponders(req, cfg.Responders)
	}

	if !cfg.EnableCache || rt.CacheControl == nil {
		return fetchFresh(req)
	}

	cc := *rt.CacheControl
	cc.FetchFresh = fetchFresh
	return cc.Fetch(req)
}

func (rt *Router) runResponders(req *http.Request, kinds []ResponderKind) (*http.Response, error) {
	var lastErr error
	for _, kind := range kinds {
		respond := rt.responderFor(kind)
		if respond == nil {
			continue
		}
		resp, err := respond(req)
		if err == nil {
			return resp, nil
		}
		rt.Log.Debugf("router: responder %s failed for %s: %s", kind, req.URL, err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("router: no responder configured for %s", req.URL)
	}
	return nil, lastErr
}

// writeResourceError surfaces a Resource-class failure (§7: no route, all
// responders exhausted) to the client as a 502 with a short plain body.
func writeResourceError(w http.ResponseWriter, r *http.Request, err error) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	fmt.Fprintf(w, "could not satisfy request for %s: %s\n", r.URL, err)
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != nil {
		buf := make([]byte, 32*1024)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				w.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}
}
