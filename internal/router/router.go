// Package router maps a method and concrete path to a registered handler.
package router

import (
	stderrors "errors"
	"net/http"
	"strings"
	"sync"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/errors"
	"github.com/luciancaetano/kephasgate/internal/expression"
	"github.com/luciancaetano/kephasgate/internal/validator"
)

// ErrConfiguration marks route registration failures. They are fatal at startup.
var ErrConfiguration = stderrors.New("route configuration error")

// Route is a registered (method, template) pair with its handler and pipeline
// configuration. Routes are immutable once added.
type Route struct {
	Method  string
	Handler kephasgate.Handler
	Config  kephasgate.RouteConfig

	expr *expression.Expression
}

// Template returns the path template the route was registered with.
func (r *Route) Template() string {
	return r.expr.Template()
}

// IsPattern reports whether the route template has placeholders.
func (r *Route) IsPattern() bool {
	return r.expr.IsPattern()
}

// Match is a resolved route and the bindings extracted from the path.
type Match struct {
	Route    *Route
	Bindings map[string]string
}

// Router is an ordered list of routes. Literal routes are kept in front of
// pattern routes so they win regardless of registration order.
type Router struct {
	mu     sync.RWMutex
	routes []*Route
}

// New creates an empty router.
func New() *Router {
	return &Router{}
}

// Add compiles template and registers the route.
func (r *Router) Add(method, template string, handler kephasgate.Handler, cfg kephasgate.RouteConfig) error {
	if handler == nil {
		return errors.Wrap(stderrors.Join(ErrConfiguration, stderrors.New("nil handler")), "Router", "Add", template)
	}

	expr, err := expression.Compile(template)
	if err != nil {
		return errors.Wrap(stderrors.Join(ErrConfiguration, err), "Router", "Add", "compile template")
	}

	if cfg.UseValidate {
		if err := validator.CheckRules(handler.Rules()); err != nil {
			return errors.Wrap(stderrors.Join(ErrConfiguration, err), "Router", "Add", "check rules")
		}
	}

	route := &Route{
		Method:  strings.ToUpper(method),
		Handler: handler,
		Config:  cfg,
		expr:    expr,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if expr.IsPattern() {
		r.routes = append(r.routes, route)
	} else {
		r.routes = append([]*Route{route}, r.routes...)
	}
	return nil
}

// Find returns the first route whose method matches and whose template
// accepts path. Any query string is ignored.
func (r *Router) Find(method, path string) (*Match, bool) {
	path = stripQuery(path)
	method = strings.ToUpper(method)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, route := range r.routes {
		if route.Method != method {
			continue
		}
		if res := route.expr.Query(path); res.Matches {
			return &Match{Route: route, Bindings: res.Bindings}, true
		}
	}
	return nil, false
}

// FindPathOnly returns every route whose template accepts path, in list order,
// regardless of method.
func (r *Router) FindPathOnly(path string) []*Route {
	path = stripQuery(path)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Route
	for _, route := range r.routes {
		if route.expr.Query(path).Matches {
			out = append(out, route)
		}
	}
	return out
}

// AllowedMethods returns the distinct methods that can serve path. OPTIONS is
// appended when the set is not empty.
func (r *Router) AllowedMethods(path string) []string {
	seen := make(map[string]struct{})
	var methods []string
	for _, route := range r.FindPathOnly(path) {
		if _, ok := seen[route.Method]; ok {
			continue
		}
		seen[route.Method] = struct{}{}
		methods = append(methods, route.Method)
	}
	if len(methods) > 0 {
		if _, ok := seen[http.MethodOptions]; !ok {
			methods = append(methods, http.MethodOptions)
		}
	}
	return methods
}

// Routes returns a snapshot of the registered routes in match order.
func (r *Router) Routes() []*Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Route, len(r.routes))
	copy(out, r.routes)
	return out
}

func stripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
