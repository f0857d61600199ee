// Package router maps request paths to backend services and dispatches
// admitted requests to them.
package router

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Route binds a path prefix to a backend.
type Route struct {
	Prefix  string
	Target  string
	Service string
	// Public routes skip key validation.
	Public bool
}

// matches reports whether path falls under the route's prefix on a segment
// boundary.
func (r Route) matches(path string) bool {
	return path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/")
}

// Table is an immutable set of routes.
type Table struct {
	routes []Route
	known  []string
}

// NewTable validates routes and builds a table. gatewayPaths are paths the
// gateway serves itself; they are only used for KnownPaths.
func NewTable(routes []Route, gatewayPaths ...string) (*Table, error) {
	seen := make(map[string]string, len(routes))
	t := &Table{routes: make([]Route, 0, len(routes))}

	for _, r := range routes {
		r.Prefix = strings.TrimRight(r.Prefix, "/")
		if r.Prefix == "" || !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("route %q: prefix must start with / and not be the root", r.Service)
		}
		if other, dup := seen[r.Prefix]; dup {
			return nil, fmt.Errorf("route %q: prefix %s already used by %q", r.Service, r.Prefix, other)
		}
		u, err := url.Parse(r.Target)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("route %q: invalid target %q", r.Service, r.Target)
		}
		seen[r.Prefix] = r.Service
		t.routes = append(t.routes, r)
	}

	// Longest prefix first so Match can stop at the first hit.
	sort.SliceStable(t.routes, func(i, j int) bool {
		return len(t.routes[i].Prefix) > len(t.routes[j].Prefix)
	})

	known := make(map[string]struct{})
	for _, p := range gatewayPaths {
		known[p] = struct{}{}
	}
	for _, r := range t.routes {
		known[r.Prefix] = struct{}{}
	}
	for p := range known {
		t.known = append(t.known, p)
	}
	sort.Strings(t.known)

	return t, nil
}

// Match returns the most specific route for path.
func (t *Table) Match(path string) (Route, bool) {
	for _, r := range t.routes {
		if r.matches(path) {
			return r, true
		}
	}
	return Route{}, false
}

// KnownPaths lists the gateway and route paths, sorted.
func (t *Table) KnownPaths() []string {
	return append([]string(nil), t.known...)
}

// Routes returns the routes, longest prefix first.
func (t *Table) Routes() []Route {
	return append([]Route(nil), t.routes...)
}
