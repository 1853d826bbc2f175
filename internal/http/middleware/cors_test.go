package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/neurobridge-bookgen/internal/platform/ctxutil"
)

func TestCORSAllowsConfiguredOrigins(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name    string
		origins []string
		origin  string
	}{
		{name: "default", origin: "http://localhost:5173"},
		{name: "configured", origins: []string{"https://ops.example.com"}, origin: "https://ops.example.com"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.Use(CORS(tc.origins))
			r.OPTIONS("/api/jobs/x/reset", func(c *gin.Context) {
				c.Status(http.StatusNoContent)
			})

			req := httptest.NewRequest(http.MethodOptions, "/api/jobs/x/reset", nil)
			req.Header.Set("Origin", tc.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != http.StatusNoContent {
				t.Fatalf("unexpected status: got=%d want=%d", rec.Code, http.StatusNoContent)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.origin {
				t.Fatalf("unexpected allow-origin header: got=%q want=%q", got, tc.origin)
			}
		})
	}
}

func TestTenantMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AttachTenant("default"))
	r.GET("/t", func(c *gin.Context) { c.String(http.StatusOK, TenantID(c)) })

	for header, want := range map[string]string{"": "default", "acme": "acme"} {
		req := httptest.NewRequest(http.MethodGet, "/t", nil)
		if header != "" {
			req.Header.Set(HeaderTenantID, header)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Body.String() != want {
			t.Fatalf("header %q: want tenant %q got %q", header, want, rec.Body.String())
		}
	}

	strict := gin.New()
	strict.Use(AttachTenant(""))
	strict.GET("/t", func(c *gin.Context) { c.Status(http.StatusOK) })
	rec := httptest.NewRecorder()
	strict.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/t", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing tenant without a default must be rejected, got %d", rec.Code)
	}
}

func TestTraceContextScopesRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AttachTraceContext(), AttachTenant("default"))
	var got ctxutil.Scope
	r.GET("/t", func(c *gin.Context) {
		got, _ = ctxutil.From(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/t", nil)
	req.Header.Set(headerRequestID, "req-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if got.RequestID != "req-1" || got.TenantID != "default" || got.TraceID == "" {
		t.Fatalf("unexpected scope %+v", got)
	}
	if rec.Header().Get(headerRequestID) != "req-1" || rec.Header().Get(headerTraceID) != got.TraceID {
		t.Fatalf("scope ids not echoed: %v", rec.Header())
	}
}
