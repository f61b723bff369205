// Package router implements the request router/proxy described in
// spec.md §4.6: per-request route matching against an ordered predicate
// list, a responder loop over origin/proxy/injector/front_end
// collaborators, and CONNECT tunneling with a full-duplex byte relay.
// request_routing.cpp's DefaultRequestRouter::get_next_mechanism supplies
// the match order (front-end host, then non-safe methods forced to
// origin, then the configured mechanism queue); the teacher's
// HTTPserver.go ServeHTTP switch supplies the Go net/http.Handler idiom
// the front-end responder is built on.
package router

import (
	"net/http"
	"regexp"
)

// Field names a request attribute a Predicate can match against.
type Field int

const (
	FieldMethod Field = iota
	FieldHost
	FieldTarget
	FieldHeader
)

// Predicate is one boolean test over a request, composable with And/Or/Not.
type Predicate func(*http.Request) bool

// FieldMatch builds a Predicate that runs re against the named field. For
// FieldHeader, headerName selects which header; it is ignored otherwise.
func FieldMatch(field Field, headerName string, re *regexp.Regexp) Predicate {
	return func(r *http.Request) bool {
		return re.MatchString(extract(r, field, headerName))
	}
}

func extract(r *http.Request, field Field, headerName string) string {
	switch field {
	case FieldMethod:
		return r.Method
	case FieldHost:
		return r.Host
	case FieldTarget:
		return r.URL.RequestURI()
	case FieldHeader:
		return r.Header.Get(headerName)
	default:
		return ""
	}
}

// And is satisfied when every predicate is.
func And(preds ...Predicate) Predicate {
	return func(r *http.Request) bool {
		for _, p := range preds {
			if !p(r) {
				return false
			}
		}
		return true
	}
}

// Or is satisfied when any predicate is.
func Or(preds ...Predicate) Predicate {
	return func(r *http.Request) bool {
		for _, p := range preds {
			if p(r) {
				return true
			}
		}
		return false
	}
}

// Not negates a predicate.
func Not(p Predicate) Predicate {
	return func(r *http.Request) bool { return !p(r) }
}

// Always matches every request, used as the catch-all default rule.
func Always(*http.Request) bool { return true }
