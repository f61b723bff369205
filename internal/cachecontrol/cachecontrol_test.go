package cachecontrol

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newResponse(status int, header http.Header, req *http.Request) *http.Response {
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{StatusCode: status, Header: header, Request: req}
}

func TestFetchServesFreshStoredEntry(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
	stored := newResponse(http.StatusOK, nil, req)

	cc := &CacheControl{
		FetchStored: func(*http.Request) (CacheEntry, error) {
			return CacheEntry{Timestamp: time.Now(), Response: stored}, nil
		},
		FetchFresh: func(*http.Request) (*http.Response, error) {
			t.Fatal("fetch_fresh should not run for a fresh stored entry")
			return nil, nil
		},
	}

	got, err := cc.Fetch(req)
	if err != nil {
		t.Fatal(err)
	}
	if got != stored {
		t.Errorf("expected the stored response to be returned unchanged")
	}
}

func TestFetchRefreshesStaleEntry(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
	stale := newResponse(http.StatusOK, nil, req)
	fresh := newResponse(http.StatusOK, nil, req)
	var stored bool

	cc := &CacheControl{
		MaxCachedAge: time.Minute,
		FetchStored: func(*http.Request) (CacheEntry, error) {
			return CacheEntry{Timestamp: time.Now().Add(-time.Hour), Response: stale}, nil
		},
		FetchFresh: func(*http.Request) (*http.Response, error) {
			return fresh, nil
		},
		Store: func(*http.Request, *http.Response) { stored = true },
	}

	got, err := cc.Fetch(req)
	if err != nil {
		t.Fatal(err)
	}
	if got != fresh {
		t.Errorf("expected the freshly fetched response")
	}
	if !stored {
		t.Errorf("expected a cacheable refresh to be stored")
	}
}

func TestFetchFallsBackToStaleOnFetchFreshError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
	stale := newResponse(http.StatusOK, nil, req)

	cc := &CacheControl{
		MaxCachedAge: time.Minute,
		FetchStored: func(*http.Request) (CacheEntry, error) {
			return CacheEntry{Timestamp: time.Now().Add(-time.Hour), Response: stale}, nil
		},
		FetchFresh: func(*http.Request) (*http.Response, error) {
			return nil, errOriginDown
		},
	}

	got, err := cc.Fetch(req)
	if err != nil {
		t.Fatalf("stale-if-error should suppress the origin error, got %s", err)
	}
	if got != stale {
		t.Errorf("expected the stale entry as a fallback")
	}
}

func TestFetchBypassesCacheWhenRequestForbidsIt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
	req.Header.Set("Cache-Control", "no-cache")
	fresh := newResponse(http.StatusOK, nil, req)

	cc := &CacheControl{
		FetchStored: func(*http.Request) (CacheEntry, error) {
			t.Fatal("fetch_stored should not run when the request forbids cache use")
			return CacheEntry{}, nil
		},
		FetchFresh: func(*http.Request) (*http.Response, error) { return fresh, nil },
	}

	got, err := cc.Fetch(req)
	if err != nil {
		t.Fatal(err)
	}
	if got != fresh {
		t.Errorf("expected the fresh response")
	}
}

func TestOkToCacheRejectsNegativeDirectives(t *testing.T) {
	cases := []struct {
		name   string
		status int
		header http.Header
		ok     bool
	}{
		{"plain 200", http.StatusOK, http.Header{}, true},
		{"no-store", http.StatusOK, http.Header{"Cache-Control": {"no-store"}}, false},
		{"private", http.StatusOK, http.Header{"Cache-Control": {"private"}}, false},
		{"set-cookie", http.StatusOK, http.Header{"Set-Cookie": {"a=b"}}, false},
		{"not found", http.StatusNotFound, http.Header{}, false},
		{"vary star", http.StatusOK, http.Header{"Vary": {"*"}}, false},
	}
	for _, c := range cases {
		resp := newResponse(c.status, c.header, nil)
		ok, reason := OkToCache(resp)
		if ok != c.ok {
			t.Errorf("%s: OkToCache = %v (%q), want %v", c.name, ok, reason, c.ok)
		}
	}
}

func TestFilterBeforeStoreStripsHopByHopAndCookies(t *testing.T) {
	resp := newResponse(http.StatusOK, http.Header{
		"Connection": {"keep-alive"},
		"Set-Cookie": {"a=b"},
		"Content-Type": {"text/html"},
	}, nil)

	filtered := FilterBeforeStore(resp)
	if filtered.Header.Get("Connection") != "" {
		t.Errorf("Connection header should have been stripped")
	}
	if filtered.Header.Get("Set-Cookie") != "" {
		t.Errorf("Set-Cookie header should have been stripped")
	}
	if filtered.Header.Get("Content-Type") != "text/html" {
		t.Errorf("Content-Type should survive filtering")
	}
}

func TestStoreFetchStoredRoundTrip(t *testing.T) {
	s := NewStore(4)
	req := httptest.NewRequest(http.MethodGet, "http://example.com/x", nil)
	resp := newResponse(http.StatusOK, nil, req)

	if _, err := s.FetchStored(req); err != ErrNotFound {
		t.Fatalf("expected a miss before anything is stored, got %v", err)
	}

	s.StoreResponse(req, resp)

	entry, err := s.FetchStored(req)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Response != resp {
		t.Errorf("expected to round-trip the exact stored response")
	}
}

var errOriginDown = &fetchError{"origin unreachable"}

type fetchError struct{ msg string }

func (e *fetchError) Error() string { return e.msg }
