package routing

import (
	"net/http"
	"runtime/debug"
)

type Router struct {
	classifier *Classifier
	routes     map[string]map[string]routeEntry
	patterns   []patternRoutes

	// OnPanic, when set, receives recovered handler panics before the 500
	// response is written.
	OnPanic func(req *http.Request, rec any, stack []byte)
}

type routeEntry struct {
	rc      RouteClass
	handler http.Handler
}

type patternRoutes struct {
	pattern PathPattern
	methods map[string]routeEntry
}

func NewRouter(classifier *Classifier) *Router {
	return &Router{
		classifier: classifier,
		routes:     make(map[string]map[string]routeEntry),
	}
}

func (r *Router) Handle(rc RouteClass, method string, path string, h http.Handler) {
	if p, ok := parsePathPattern(path); ok {
		r.handlePattern(rc, method, p, h)
		return
	}
	if r.routes[path] == nil {
		r.routes[path] = make(map[string]routeEntry)
	}
	r.routes[path][method] = routeEntry{rc: rc, handler: r.recovered(rc, h)}
}

func (r *Router) HandleFunc(rc RouteClass, method string, path string, h http.HandlerFunc) {
	r.Handle(rc, method, path, h)
}

func (r *Router) handlePattern(rc RouteClass, method string, p PathPattern, h http.Handler) {
	for i := range r.patterns {
		if r.patterns[i].pattern.raw == p.raw {
			r.patterns[i].methods[method] = routeEntry{rc: rc, handler: r.recovered(rc, h)}
			return
		}
	}
	r.patterns = append(r.patterns, patternRoutes{
		pattern: p,
		methods: map[string]routeEntry{method: {rc: rc, handler: r.recovered(rc, h)}},
	})
}

func (r *Router) recovered(rc RouteClass, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if r.OnPanic != nil {
					r.OnPanic(req, rec, debug.Stack())
				}
				WriteError(w, req, rc, http.StatusInternalServerError, "internal_error", "internal error")
			}
		}()
		h.ServeHTTP(w, req)
	})
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	methods, ok := r.routes[req.URL.Path]
	if !ok {
		methods, ok = r.patternMethods(req.URL.Path)
	}
	if !ok {
		WriteError(w, req, r.classifier.Classify(req.URL.Path), http.StatusNotFound, "not_found", "not found")
		return
	}
	entry, ok := methods[req.Method]
	if !ok {
		WriteError(w, req, entrypointClass(methods, r.classifier.Classify(req.URL.Path)), http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	entry.handler.ServeHTTP(w, req)
}

func (r *Router) patternMethods(path string) (map[string]routeEntry, bool) {
	for i := range r.patterns {
		if r.patterns[i].pattern.Match(path) {
			return r.patterns[i].methods, true
		}
	}
	return nil, false
}

func entrypointClass(methods map[string]routeEntry, fallback RouteClass) RouteClass {
	for _, e := range methods {
		return e.rc
	}
	return fallback
}
