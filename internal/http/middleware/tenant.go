package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/neurobridge-bookgen/internal/http/response"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/ctxutil"
)

const HeaderTenantID = "X-Tenant-Id"

// AttachTenant scopes the request to the tenant named in X-Tenant-Id, falling back to def. Requests with
// neither are rejected.
func AttachTenant(def string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := strings.TrimSpace(c.GetHeader(HeaderTenantID))
		if tenant == "" {
			tenant = strings.TrimSpace(def)
		}
		if tenant == "" {
			response.RespondError(c, http.StatusBadRequest, "missing_tenant", errors.New("X-Tenant-Id header required"))
			c.Abort()
			return
		}
		c.Request = c.Request.WithContext(ctxutil.WithTenant(c.Request.Context(), tenant))
		c.Next()
	}
}

func TenantID(c *gin.Context) string {
	return ctxutil.Tenant(c.Request.Context())
}
