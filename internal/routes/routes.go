// Package routes provides a small registry that pairs each HTTP route with
// descriptive metadata, so the service can expose its own route table at
// runtime (used by the /api/routes introspection endpoint).
package routes

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Meta describes a route for introspection purposes.
type Meta struct {
	Group       string `json:"group"`
	Description string `json:"description"`
}

// Route is one registrable HTTP route plus its metadata.
type Route struct {
	Method  string
	Pattern string
	Handler http.HandlerFunc
	Meta    Meta
}

// Registry collects every route registered through it.
type Registry struct {
	mu     sync.Mutex
	routes []Route
}

var defaultRegistry = &Registry{}

// GetRegistry returns the process-wide route registry.
func GetRegistry() *Registry { return defaultRegistry }

// Register mounts route on r and records it for introspection.
func (reg *Registry) Register(r chi.Router, route Route) {
	reg.mu.Lock()
	reg.routes = append(reg.routes, route)
	reg.mu.Unlock()

	switch route.Method {
	case http.MethodGet:
		r.Get(route.Pattern, route.Handler)
	case http.MethodPost:
		r.Post(route.Pattern, route.Handler)
	case http.MethodPut:
		r.Put(route.Pattern, route.Handler)
	case http.MethodDelete:
		r.Delete(route.Pattern, route.Handler)
	case http.MethodPatch:
		r.Patch(route.Pattern, route.Handler)
	}
}

// All returns every route registered across the process, for the
// introspection endpoint.
func All() []Route {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	out := make([]Route, len(defaultRegistry.routes))
	copy(out, defaultRegistry.routes)
	return out
}
