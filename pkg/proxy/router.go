package proxy

import (
	"cmp"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// Upstream is one reverse-proxy target.
type Upstream struct {
	Name   string `yaml:"name" json:"name"`
	Prefix string `yaml:"prefix" json:"prefix"` // "/" or empty matches everything
	Target string `yaml:"target" json:"target"`
	// StripPrefix removes Prefix from the path before forwarding.
	StripPrefix bool `yaml:"strip_prefix,omitempty" json:"stripPrefix,omitempty"`

	target *url.URL
}

// covers reports whether path falls under the upstream's prefix. Prefixes
// match whole path segments, so /api covers /api and /api/x but not /apix.
func (u *Upstream) covers(path string) bool {
	p := strings.TrimSuffix(u.Prefix, "/")
	if p == "" {
		return true
	}
	rest, ok := strings.CutPrefix(path, p)
	return ok && (rest == "" || rest[0] == '/')
}

// Router picks an upstream by path prefix. Longer prefixes win.
type Router struct {
	routes []Upstream
}

// NewRouter validates upstreams. Targets must be absolute http(s) URLs and
// names must be unique.
func NewRouter(upstreams []Upstream) (*Router, error) {
	routes := make([]Upstream, 0, len(upstreams))
	seen := make(map[string]struct{}, len(upstreams))
	for i, u := range upstreams {
		if u.Name == "" {
			u.Name = fmt.Sprintf("upstream-%d", i+1)
		}
		if _, dup := seen[u.Name]; dup {
			return nil, fmt.Errorf("duplicate upstream name %q", u.Name)
		}
		seen[u.Name] = struct{}{}

		if u.Prefix == "" {
			u.Prefix = "/"
		} else if !strings.HasPrefix(u.Prefix, "/") {
			u.Prefix = "/" + u.Prefix
		}
		target, err := url.Parse(u.Target)
		switch {
		case err != nil:
			return nil, fmt.Errorf("upstream %q: parse target: %w", u.Name, err)
		case target.Host == "" || (target.Scheme != "http" && target.Scheme != "https"):
			return nil, fmt.Errorf("upstream %q: target %q must be an absolute http(s) URL", u.Name, u.Target)
		}
		u.target = target
		routes = append(routes, u)
	}
	slices.SortStableFunc(routes, func(a, b Upstream) int {
		return cmp.Compare(len(b.Prefix), len(a.Prefix))
	})
	return &Router{routes: routes}, nil
}

// Match returns the upstream for req's path, or nil.
func (r *Router) Match(req *http.Request) *Upstream {
	for i := range r.routes {
		if r.routes[i].covers(req.URL.Path) {
			return &r.routes[i]
		}
	}
	return nil
}

// Upstreams returns a copy of the routing table in match order.
func (r *Router) Upstreams() []Upstream {
	return slices.Clone(r.routes)
}

// Director rewrites an inbound request to target the upstream. ReverseProxy
// adds X-Forwarded-For itself.
func Director(u *Upstream) func(*http.Request) {
	base := strings.TrimSuffix(u.target.Path, "/")
	strip := u.StripPrefix && u.Prefix != "/"
	return func(req *http.Request) {
		path := req.URL.Path
		if strip {
			path = "/" + strings.TrimLeft(strings.TrimPrefix(path, strings.TrimSuffix(u.Prefix, "/")), "/")
			req.URL.RawPath = ""
		}
		req.URL.Scheme = u.target.Scheme
		req.URL.Host = u.target.Host
		req.URL.Path = base + path
		req.Host = u.target.Host
	}
}
