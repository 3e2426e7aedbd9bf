package route

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ErrNoRoute is returned when no backend prefix matches the request path.
// It is a configuration defect surfaced as a 404, distinct from a policy
// deny.
var ErrNoRoute = errors.New("no route for path")

// Route maps a path prefix to a backend target
type Route struct {
	// Prefix is the inbound path prefix to match
	Prefix string

	// Backend names the backend for audit and logs
	Backend string

	// Target is the backend base URL
	Target string

	// RewritePrefix replaces the matched prefix on the forwarded path
	// (default "/")
	RewritePrefix string
}

// Match is a resolved routing decision
type Match struct {
	// Backend is the matched route's backend name
	Backend string

	// Target is the parsed backend base URL
	Target *url.URL

	// Path is the rewritten request path
	Path string
}

// Table is a static longest-prefix routing table. It is immutable after
// construction and safe for concurrent readers.
type Table struct {
	routes []tableEntry
}

type tableEntry struct {
	prefix  string
	backend string
	target  *url.URL
	rewrite string
}

// NewTable builds a routing table from the configured routes.
// Returns an error for an empty table or a malformed target URL.
func NewTable(routes []Route) (*Table, error) {
	if len(routes) == 0 {
		return nil, errors.New("routing table has no routes")
	}

	entries := make([]tableEntry, 0, len(routes))
	for _, r := range routes {
		if !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("route %q: prefix must start with /", r.Backend)
		}
		target, err := url.Parse(r.Target)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("route %q: invalid target %q", r.Backend, r.Target)
		}
		rewrite := r.RewritePrefix
		if rewrite == "" {
			rewrite = "/"
		}
		if !strings.HasPrefix(rewrite, "/") {
			return nil, fmt.Errorf("route %q: rewrite prefix must start with /", r.Backend)
		}
		entries = append(entries, tableEntry{
			prefix:  strings.TrimSuffix(r.Prefix, "/"),
			backend: r.Backend,
			target:  target,
			rewrite: rewrite,
		})
	}

	// Longest prefix first so the linear scan returns the most specific match
	sort.SliceStable(entries, func(i, j int) bool {
		return len(entries[i].prefix) > len(entries[j].prefix)
	})

	return &Table{routes: entries}, nil
}

// Match resolves the request path to a backend and a rewritten path.
// The matched prefix is stripped and replaced with the route's rewrite
// prefix, e.g. /alice/photos on prefix /alice with rewrite / forwards as
// /photos.
func (t *Table) Match(path string) (*Match, error) {
	for _, e := range t.routes {
		if !matchesPrefix(path, e.prefix) {
			continue
		}
		rest := strings.TrimPrefix(path, e.prefix)
		rewritten := joinPath(e.rewrite, rest)
		return &Match{
			Backend: e.backend,
			Target:  e.target,
			Path:    rewritten,
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoRoute, path)
}

// matchesPrefix matches on segment boundaries, like the policy engine
func matchesPrefix(path, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

func joinPath(rewrite, rest string) string {
	if rest == "" {
		return rewrite
	}
	if strings.HasSuffix(rewrite, "/") {
		return rewrite + strings.TrimPrefix(rest, "/")
	}
	return rewrite + rest
}
