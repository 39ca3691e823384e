package router

import (
	"net/http"
	"path"

	"github.com/gin-gonic/gin"
)

// RouteRegistrar mounts its routes on a gin group
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// Router mounts registrars under /api/{version} behind shared middleware
type Router struct {
	engine     *gin.Engine
	version    string
	middleware []gin.HandlerFunc
	registrars []RouteRegistrar
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithAPIVersion sets the version segment of the prefix, "v1" by default
func WithAPIVersion(version string) RouterOption {
	return func(r *Router) {
		r.version = version
	}
}

func NewRouter(engine *gin.Engine, opts ...RouterOption) *Router {
	r := &Router{engine: engine, version: "v1"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Use adds middleware run before every API route
func (r *Router) Use(middleware ...gin.HandlerFunc) *Router {
	r.middleware = append(r.middleware, middleware...)
	return r
}

func (r *Router) Register(registrar RouteRegistrar) *Router {
	r.registrars = append(r.registrars, registrar)
	return r
}

// Prefix returns the API base path, e.g. "/api/v1"
func (r *Router) Prefix() string {
	return "/api/" + r.version
}

// Setup mounts every registrar on the engine. Call once.
func (r *Router) Setup() {
	api := r.engine.Group(r.Prefix(), r.middleware...)
	for _, registrar := range r.registrars {
		registrar.RegisterRoutes(api)
	}
}

// ---------------------------------------------------------------------------
// DomainGroup
// ---------------------------------------------------------------------------

// DomainGroup declares the routes of one resource; nothing touches gin until
// RegisterRoutes.
type DomainGroup struct {
	prefix     string
	middleware []gin.HandlerFunc
	routes     []route
	children   []*DomainGroup
}

type route struct {
	method   string
	path     string
	handlers []gin.HandlerFunc
}

// NewDomainGroup creates a group mounted at prefix. An empty prefix shares
// the parent path.
func NewDomainGroup(prefix string) *DomainGroup {
	return &DomainGroup{prefix: prefix}
}

// Use adds middleware for this group and its children
func (g *DomainGroup) Use(middleware ...gin.HandlerFunc) *DomainGroup {
	g.middleware = append(g.middleware, middleware...)
	return g
}

func (g *DomainGroup) GET(p string, handlers ...gin.HandlerFunc) *DomainGroup {
	return g.add(http.MethodGet, p, handlers)
}

func (g *DomainGroup) POST(p string, handlers ...gin.HandlerFunc) *DomainGroup {
	return g.add(http.MethodPost, p, handlers)
}

func (g *DomainGroup) PUT(p string, handlers ...gin.HandlerFunc) *DomainGroup {
	return g.add(http.MethodPut, p, handlers)
}

func (g *DomainGroup) add(method, p string, handlers []gin.HandlerFunc) *DomainGroup {
	g.routes = append(g.routes, route{method: method, path: p, handlers: handlers})
	return g
}

// Group adds a child group mounted below this one
func (g *DomainGroup) Group(prefix string) *DomainGroup {
	child := NewDomainGroup(prefix)
	g.children = append(g.children, child)
	return child
}

// RegisterRoutes implements RouteRegistrar
func (g *DomainGroup) RegisterRoutes(rg *gin.RouterGroup) {
	group := rg.Group(g.prefix, g.middleware...)
	for _, rt := range g.routes {
		group.Handle(rt.method, rt.path, rt.handlers...)
	}
	for _, child := range g.children {
		child.RegisterRoutes(group)
	}
}

// Routes lists "METHOD /path" for every declared route, relative to the parent
func (g *DomainGroup) Routes() []string {
	return g.collect("/")
}

func (g *DomainGroup) collect(base string) []string {
	base = path.Join(base, g.prefix)
	var out []string
	for _, rt := range g.routes {
		out = append(out, rt.method+" "+path.Join(base, rt.path))
	}
	for _, child := range g.children {
		out = append(out, child.collect(base)...)
	}
	return out
}
