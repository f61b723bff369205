// Package cachecontrol implements the fetch/store policy described in
// spec.md §4.5: a request is served from a stored cache entry when it is
// fresh enough, refreshed against the origin when it is not, and falls
// back to the stale entry when the origin is unreachable. The teacher
// (STX5-dht) has no cache layer at all; this package is grounded on
// original_source/src/injector.cpp's InjectorCacheControl, which wires the
// same fetch_fresh/fetch_stored/store triple around a CacheControl
// collaborator and is carried into Go nearly verbatim as three function
// fields on CacheControl.
package cachecontrol

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang/groupcache/lru"
)

// MaxCachedAge is the default freshness window for a stored entry (one
// week), applied when CacheControl.MaxCachedAge is not positive.
const MaxCachedAge = 7 * 24 * time.Hour

// CacheEntry is a stored response together with the time it was inserted,
// mirroring the original's CacheControl::CacheEntry{ts, response}.
type CacheEntry struct {
	Timestamp time.Time
	Response  *http.Response
}

// FetchFreshFunc performs the actual network fetch against the origin.
type FetchFreshFunc func(*http.Request) (*http.Response, error)

// FetchStoredFunc looks up a previously stored entry for the request. A nil
// error with a zero-value entry is treated the same as a lookup miss; most
// callers simply return an error (e.g. errNotFound) instead.
type FetchStoredFunc func(*http.Request) (CacheEntry, error)

// StoreFunc persists a response for later FetchStoredFunc lookups. It is
// called with the response filter_before_store has already run over.
type StoreFunc func(*http.Request, *http.Response)

// CacheControl wires the three injected operations around the policy in
// spec.md §4.5. Any field left nil makes the corresponding step behave as
// an always-miss/no-op, which is convenient for tests that only exercise
// part of the policy.
type CacheControl struct {
	FetchFresh  FetchFreshFunc
	FetchStored FetchStoredFunc
	Store       StoreFunc

	// MaxCachedAge overrides the package default when positive.
	MaxCachedAge time.Duration
}

func (cc *CacheControl) maxAge() time.Duration {
	if cc.MaxCachedAge > 0 {
		return cc.MaxCachedAge
	}
	return MaxCachedAge
}

// Fetch runs the cache policy for req and returns the response to hand back
// to the client.
func (cc *CacheControl) Fetch(req *http.Request) (*http.Response, error) {
	if !cacheAllowedByRequest(req) || cc.FetchStored == nil {
		return cc.fetchFreshAndStore(req)
	}

	entry, err := cc.FetchStored(req)
	if err != nil || entry.Response == nil {
		return cc.fetchFreshAndStore(req)
	}

	if time.Since(entry.Timestamp) <= cc.maxAge() {
		return entry.Response, nil
	}

	fresh, err := cc.fetchFreshAndStore(req)
	if err == nil {
		return fresh, nil
	}
	// stale-if-error: the origin is unreachable but we still have
	// something to answer with.
	return entry.Response, nil
}

func (cc *CacheControl) fetchFreshAndStore(req *http.Request) (*http.Response, error) {
	if cc.FetchFresh == nil {
		return nil, fmt.Errorf("cachecontrol: no fetch_fresh configured")
	}
	resp, err := cc.FetchFresh(req)
	if err != nil {
		return nil, err
	}
	if cc.Store != nil {
		if filtered, reason := OkToCache(resp); filtered {
			cc.Store(req, FilterBeforeStore(resp))
		} else if reason != "" {
			_ = reason // caller-supplied logging happens one layer up, in internal/router
		}
	}
	return resp, nil
}

// cacheAllowedByRequest reports whether req itself permits a cached answer,
// per the request-side half of spec.md §4.5 (the response-side half is
// OkToCache).
func cacheAllowedByRequest(req *http.Request) bool {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false
	}
	for _, dir := range splitCacheControl(req.Header.Get("Cache-Control")) {
		if dir == "no-cache" || dir == "no-store" {
			return false
		}
	}
	if req.Header.Get("Pragma") == "no-cache" {
		return false
	}
	return true
}

// hopByHopHeaders are stripped by filter_before_store: they describe this
// specific connection, not the resource, and must never be replayed from a
// cache entry handed to an unrelated later request.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// FilterBeforeStore strips hop-by-hop headers and any field that does not
// describe the resource itself, leaving a response safe to persist and
// later replay to a different connection.
func FilterBeforeStore(resp *http.Response) *http.Response {
	out := *resp
	out.Header = resp.Header.Clone()
	for _, h := range hopByHopHeaders {
		out.Header.Del(h)
	}
	out.Header.Del("Set-Cookie")
	return &out
}

// OkToCache reports whether resp is allowed to be stored at all. When it
// returns false, reason names why, for the caller to log.
func OkToCache(resp *http.Response) (bool, string) {
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Sprintf("status %d is not cacheable", resp.StatusCode)
	}
	if resp.Header.Get("Set-Cookie") != "" {
		return false, "response carries Set-Cookie"
	}
	for _, dir := range splitCacheControl(resp.Header.Get("Cache-Control")) {
		switch dir {
		case "no-store":
			return false, "Cache-Control: no-store"
		case "no-cache":
			return false, "Cache-Control: no-cache"
		case "private":
			return false, "Cache-Control: private"
		}
		if strings.HasPrefix(dir, "max-age=") {
			if n, err := strconv.Atoi(strings.TrimPrefix(dir, "max-age=")); err == nil && n <= 0 {
				return false, "Cache-Control: max-age<=0"
			}
		}
	}
	if resp.Header.Get("Vary") == "*" {
		return false, "Vary: *"
	}
	return true, ""
}

func splitCacheControl(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.ToLower(strings.TrimSpace(p)))
	}
	return out
}

// Store is a small in-process stale-if-error fallback: a bounded
// groupcache/lru.Cache keyed by request target, used by callers (e.g.
// cmd/ouinet-client's router) that have no backing injector/IPFS cache to
// delegate FetchStored/Store to.
type Store struct {
	cache *lru.Cache
}

// NewStore creates a Store holding up to maxEntries responses.
func NewStore(maxEntries int) *Store {
	return &Store{cache: lru.New(maxEntries)}
}

// ErrNotFound is returned by Store.FetchStored on a cache miss.
var ErrNotFound = fmt.Errorf("cachecontrol: not found")

// FetchStored implements FetchStoredFunc against the in-process cache.
func (s *Store) FetchStored(req *http.Request) (CacheEntry, error) {
	v, ok := s.cache.Get(req.URL.String())
	if !ok {
		return CacheEntry{}, ErrNotFound
	}
	return v.(CacheEntry), nil
}

// StoreResponse implements StoreFunc against the in-process cache.
func (s *Store) StoreResponse(req *http.Request, resp *http.Response) {
	s.cache.Add(req.URL.String(), CacheEntry{Timestamp: time.Now(), Response: resp})
}
