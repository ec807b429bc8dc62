// Package router dispatches HTTP requests through three matching tiers:
// an exact-path table, an ordered method-aware prefix list, and a
// static-asset prefix table. Route tables are built once at startup and
// are read-only while serving, so lookups take no locks.
package router

import (
	"net/http"
	"sort"
	"strings"
)

type outcome int

const (
	outcomeNone outcome = iota
	outcomeWrongMethod
	outcomeFound
)

// tier is one matching stage. lookup reports the handler for a
// (method, path) pair, or that the path is routable only under a
// different method. methods accumulates every method a path is
// routable under, for the Allow header on 405 responses.
type tier interface {
	lookup(method, path string) (http.Handler, outcome)
	methods(path string, into map[string]struct{})
}

type exactTier struct {
	routes map[string]http.Handler
}

func (t *exactTier) lookup(method, path string) (http.Handler, outcome) {
	h, ok := t.routes[path]
	if !ok {
		return nil, outcomeNone
	}
	if method != http.MethodGet {
		return nil, outcomeWrongMethod
	}
	return h, outcomeFound
}

func (t *exactTier) methods(path string, into map[string]struct{}) {
	if _, ok := t.routes[path]; ok {
		into[http.MethodGet] = struct{}{}
	}
}

type prefixRoute struct {
	method  string
	prefix  string
	handler http.Handler
}

type prefixTier struct {
	routes []prefixRoute
}

func (t *prefixTier) lookup(method, path string) (http.Handler, outcome) {
	res := outcomeNone
	for _, rt := range t.routes {
		if !strings.HasPrefix(path, rt.prefix) {
			continue
		}
		if rt.method == method {
			return rt.handler, outcomeFound
		}
		res = outcomeWrongMethod
	}
	return nil, res
}

func (t *prefixTier) methods(path string, into map[string]struct{}) {
	for _, rt := range t.routes {
		if strings.HasPrefix(path, rt.prefix) {
			into[rt.method] = struct{}{}
		}
	}
}

type staticTier struct {
	routes map[string]http.Handler
}

// staticKey extracts the leading "/dir/" segment of a path, or "" when
// the path has no second slash.
func staticKey(path string) string {
	if len(path) < 2 || path[0] != '/' {
		return ""
	}
	i := strings.IndexByte(path[1:], '/')
	if i < 0 {
		return ""
	}
	return path[:i+2]
}

func (t *staticTier) lookup(method, path string) (http.Handler, outcome) {
	h, ok := t.routes[staticKey(path)]
	if !ok {
		return nil, outcomeNone
	}
	if method != http.MethodGet {
		return nil, outcomeWrongMethod
	}
	return h, outcomeFound
}

func (t *staticTier) methods(path string, into map[string]struct{}) {
	if _, ok := t.routes[staticKey(path)]; ok {
		into[http.MethodGet] = struct{}{}
	}
}

// Router matches requests against its tiers in order: exact, then
// prefix, then static. Registration must finish before the first
// request is served.
type Router struct {
	exact  exactTier
	prefix prefixTier
	static staticTier
	tiers  []tier

	notFound         http.Handler
	methodNotAllowed http.Handler
}

func New() *Router {
	r := &Router{
		exact:            exactTier{routes: make(map[string]http.Handler)},
		static:           staticTier{routes: make(map[string]http.Handler)},
		notFound:         http.NotFoundHandler(),
		methodNotAllowed: http.HandlerFunc(defaultMethodNotAllowed),
	}
	r.tiers = []tier{&r.exact, &r.prefix, &r.static}
	return r
}

func defaultMethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "405 method not allowed", http.StatusMethodNotAllowed)
}

// HandleExact registers h for GET requests whose path equals path
// exactly. Registering the same path twice is a configuration error
// and panics.
func (r *Router) HandleExact(path string, h http.Handler) {
	if path == "" || path[0] != '/' {
		panic("router: exact path must begin with /")
	}
	if h == nil {
		panic("router: nil handler for " + path)
	}
	if _, dup := r.exact.routes[path]; dup {
		panic("router: duplicate exact route " + path)
	}
	r.exact.routes[path] = h
}

// HandlePrefix registers h for requests of the given method whose path
// begins with prefix. Entries are tried in registration order, so more
// specific prefixes must be registered before more general ones.
func (r *Router) HandlePrefix(method, prefix string, h http.Handler) {
	if method == "" {
		panic("router: empty method for " + prefix)
	}
	if prefix == "" || prefix[0] != '/' {
		panic("router: prefix must begin with /")
	}
	if h == nil {
		panic("router: nil handler for " + prefix)
	}
	r.prefix.routes = append(r.prefix.routes, prefixRoute{method: method, prefix: prefix, handler: h})
}

// HandleStatic registers a GET-only asset handler for one virtual
// directory. The prefix must be a single path segment wrapped in
// slashes, such as "/css/".
func (r *Router) HandleStatic(prefix string, h http.Handler) {
	if len(prefix) < 3 || prefix[0] != '/' || prefix[len(prefix)-1] != '/' || strings.Count(prefix, "/") != 2 {
		panic("router: static prefix must look like /dir/, got " + prefix)
	}
	if h == nil {
		panic("router: nil handler for " + prefix)
	}
	if _, dup := r.static.routes[prefix]; dup {
		panic("router: duplicate static route " + prefix)
	}
	r.static.routes[prefix] = h
}

// NotFound replaces the handler invoked when no tier matches.
func (r *Router) NotFound(h http.Handler) {
	r.notFound = h
}

// MethodNotAllowed replaces the handler invoked when a path is routable
// only under a different method. The Allow header is already set when
// the handler runs.
func (r *Router) MethodNotAllowed(h http.Handler) {
	r.methodNotAllowed = h
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	blocked := false
	for _, t := range r.tiers {
		h, res := t.lookup(req.Method, req.URL.Path)
		switch res {
		case outcomeFound:
			h.ServeHTTP(w, req)
			return
		case outcomeWrongMethod:
			blocked = true
		}
	}
	if blocked {
		w.Header().Set("Allow", strings.Join(r.allowed(req.URL.Path), ", "))
		r.methodNotAllowed.ServeHTTP(w, req)
		return
	}
	r.notFound.ServeHTTP(w, req)
}

func (r *Router) allowed(path string) []string {
	set := make(map[string]struct{})
	for _, t := range r.tiers {
		t.methods(path, set)
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
