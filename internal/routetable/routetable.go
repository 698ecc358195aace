// Package routetable implements the compiled route matcher (C3): a mapping
// from lowercased host (empty = wildcard) to a priority-ordered list of
// routes, each an AND of optional host-equal and path-prefix predicates.
//
// Matchers are a closed set composed at compile time (no regex, no dynamic
// dispatch), so the hot path contains no configuration lookup.
package routetable

import (
	"net/http"
	"sort"
	"strings"
)

// Matcher is a compile-time-composed predicate: host and path are each
// optional; a route with neither always matches.
type Matcher struct {
	host       string // already lowercased; empty means "no host predicate"
	pathPrefix string // empty means "no path predicate"
}

// Matches reports whether the matcher accepts the request. Host comparison
// is case-insensitive; path comparison is case-sensitive, per spec.md §4.3.
func (m Matcher) Matches(host, path string) bool {
	if m.host != "" && !strings.EqualFold(m.host, host) {
		return false
	}
	if m.pathPrefix != "" && !strings.HasPrefix(path, m.pathPrefix) {
		return false
	}
	return true
}

// Route is a compiled, immutable routing rule.
type Route struct {
	ID           string
	Matcher      Matcher
	BackendGroup string
	Priority     int
}

// RouteSpec is the uncompiled input to Compile.
type RouteSpec struct {
	Name         string
	Host         string // "" = wildcard bucket
	PathPrefix   string
	BackendGroup string
	Priority     int
}

// Table is the compiled, immutable route table. Safe for concurrent use
// without locking: it is never mutated after Compile returns.
type Table struct {
	byHost map[string][]*Route
}

// Compile builds a Table from a set of route specs. Routes are grouped by
// their (lowercased) configured host and sorted within each bucket by
// descending priority; ties preserve input order (stable sort).
func Compile(specs []RouteSpec) *Table {
	byHost := make(map[string][]*Route)
	for _, spec := range specs {
		hostKey := strings.ToLower(spec.Host)
		route := &Route{
			ID: spec.Name,
			Matcher: Matcher{
				host:       hostKey,
				pathPrefix: spec.PathPrefix,
			},
			BackendGroup: spec.BackendGroup,
			Priority:     spec.Priority,
		}
		byHost[hostKey] = append(byHost[hostKey], route)
	}
	for _, routes := range byHost {
		sort.SliceStable(routes, func(i, j int) bool {
			return routes[i].Priority > routes[j].Priority
		})
	}
	return &Table{byHost: byHost}
}

// hostFromRequest derives the routing host: the Host header lowercased with
// any port suffix stripped.
func hostFromRequest(r *http.Request) string {
	host := r.Host
	if host == "" {
		host = r.Header.Get("Host")
	}
	host = strings.ToLower(host)
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		// Guard against IPv6 literals like "[::1]:8080" by only stripping
		// when what follows looks like a port (digits only).
		if isAllDigits(host[idx+1:]) {
			host = host[:idx]
		}
	}
	return host
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Match finds the first matching route for the request: the host-specific
// bucket is tried first (by descending priority), then the wildcard bucket.
// Returns nil if nothing matches; matching never fails.
func (t *Table) Match(r *http.Request) *Route {
	host := hostFromRequest(r)
	path := r.URL.Path

	if routes, ok := t.byHost[host]; ok {
		for _, route := range routes {
			if route.Matcher.Matches(host, path) {
				return route
			}
		}
	}
	if host != "" {
		for _, route := range t.byHost[""] {
			if route.Matcher.Matches(host, path) {
				return route
			}
		}
	}
	return nil
}
