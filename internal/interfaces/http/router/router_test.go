package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serveRoute(engine *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func echoMethod(c *gin.Context) { c.String(http.StatusOK, c.Request.Method) }

func TestRouter_Prefix(t *testing.T) {
	assert.Equal(t, "/api/v1", NewRouter(gin.New()).Prefix())
	assert.Equal(t, "/api/v2", NewRouter(gin.New(), WithAPIVersion("v2")).Prefix())
}

func TestRouter_Setup(t *testing.T) {
	engine := gin.New()
	NewRouter(engine).
		Use(func(c *gin.Context) {
			c.Header("X-API", "yes")
			c.Next()
		}).
		Register(NewDomainGroup("/connections").GET("", func(c *gin.Context) { c.String(http.StatusOK, "list") })).
		Register(NewDomainGroup("/sync-runs").GET("/:id", func(c *gin.Context) { c.String(http.StatusOK, c.Param("id")) })).
		Setup()

	w := serveRoute(engine, http.MethodGet, "/api/v1/connections")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "list", w.Body.String())
	assert.Equal(t, "yes", w.Header().Get("X-API"))

	w = serveRoute(engine, http.MethodGet, "/api/v1/sync-runs/42")
	assert.Equal(t, "42", w.Body.String())

	w = serveRoute(engine, http.MethodGet, "/connections")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDomainGroup_RegisterRoutes(t *testing.T) {
	engine := gin.New()
	NewDomainGroup("/test").
		GET("/a", echoMethod).
		POST("/b", echoMethod).
		PUT("/c/:id", echoMethod).
		RegisterRoutes(engine.Group("/api/v1"))

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/test/a"},
		{http.MethodPost, "/api/v1/test/b"},
		{http.MethodPut, "/api/v1/test/c/1"},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			w := serveRoute(engine, tt.method, tt.path)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.method, w.Body.String())
		})
	}
}

func TestDomainGroup_ChildrenInheritMiddleware(t *testing.T) {
	engine := gin.New()
	g := NewDomainGroup("").Use(func(c *gin.Context) {
		c.Header("X-Group", "sync")
		c.Next()
	})
	g.Group("/sync-runs").GET("", echoMethod)
	g.Group("/sync-jobs").POST("/:id/cancel", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	g.RegisterRoutes(engine.Group("/api/v1"))

	w := serveRoute(engine, http.MethodGet, "/api/v1/sync-runs")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sync", w.Header().Get("X-Group"))

	w = serveRoute(engine, http.MethodPost, "/api/v1/sync-jobs/9/cancel")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "sync", w.Header().Get("X-Group"))
}

func TestDomainGroup_Routes(t *testing.T) {
	t.Run("connections", func(t *testing.T) {
		assert.Equal(t, []string{
			"GET /connections",
			"POST /connections",
			"GET /connections/:id",
			"POST /connections/:id/credentials",
			"POST /connections/:id/health-check",
			"POST /connections/:id/deactivate",
			"POST /connections/:id/sync",
			"GET /connections/:id/mappings",
			"PUT /connections/:id/mappings/:external_id",
		}, ConnectionRoutes(nil, 1024).Routes())
	})

	t.Run("sync runs and jobs", func(t *testing.T) {
		assert.Equal(t, []string{
			"GET /sync-runs",
			"GET /sync-runs/:id",
			"POST /sync-runs/:id/compensate",
			"POST /sync-jobs/:id/cancel",
		}, SyncRunRoutes(nil, 1024).Routes())
	})

	t.Run("webhooks", func(t *testing.T) {
		assert.Equal(t, []string{"POST /webhooks/:connection_id"}, WebhookRoutes(nil, 1024, nil).Routes())
	})
}
