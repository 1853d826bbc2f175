package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	jobsrepo "github.com/yungbote/neurobridge-bookgen/internal/data/repos/jobs"
	"github.com/yungbote/neurobridge-bookgen/internal/data/repos/testutil"
	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	httpH "github.com/yungbote/neurobridge-bookgen/internal/http/handlers"
	httpMW "github.com/yungbote/neurobridge-bookgen/internal/http/middleware"
	"github.com/yungbote/neurobridge-bookgen/internal/services"
)

func newTestRouter(t *testing.T, defaultTenant string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.DB(t)
	log := testutil.Logger(t)
	store := jobsrepo.NewJobStore(db, log)
	svc := services.NewJobService(store, log, nil, 0)
	return NewRouter(RouterConfig{
		JobHandler:    httpH.NewJobHandler(svc),
		HealthHandler: httpH.NewHealthHandler(nil),
		Log:           log,
		DefaultTenant: defaultTenant,
	})
}

func do(t *testing.T, r *gin.Engine, method, path string, body any, tenant string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenant != "" {
		req.Header.Set(httpMW.HeaderTenantID, tenant)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

type jobEnvelope struct {
	Job     types.Job         `json:"job"`
	Created bool              `json:"created"`
	Events  []json.RawMessage `json:"events"`
}

func TestHealthcheck(t *testing.T) {
	r := newTestRouter(t, "")
	rec := do(t, r, http.MethodGet, "/healthcheck", nil, "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthcheck: %d %q", rec.Code, rec.Body.String())
	}
}

func TestJobRoutes(t *testing.T) {
	r := newTestRouter(t, "")
	base := "/api/books/book-1/versions/v1"

	rec := do(t, r, http.MethodPost, base+"/jobs", map[string]any{"type": "full", "title": "Rivers"}, "tenant-a")
	if rec.Code != http.StatusCreated {
		t.Fatalf("enqueue: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var created jobEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode enqueue: %v", err)
	}
	if !created.Created || created.Job.Type != types.JobTypeFull || created.Job.Status != types.JobStatusQueued {
		t.Fatalf("unexpected enqueue response: %+v", created)
	}

	rec = do(t, r, http.MethodPost, base+"/jobs", map[string]any{"type": "full"}, "tenant-a")
	if rec.Code != http.StatusOK {
		t.Fatalf("second enqueue: status=%d, want 200", rec.Code)
	}

	rec = do(t, r, http.MethodGet, base+"/status", nil, "tenant-a")
	var st struct {
		Status services.RunStatus `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if rec.Code != http.StatusOK || st.Status.Total != 1 || st.Status.Active != 1 || st.Status.Complete {
		t.Fatalf("status: %d %+v", rec.Code, st.Status)
	}

	jobPath := "/api/jobs/" + created.Job.ID.String()
	rec = do(t, r, http.MethodGet, jobPath, nil, "tenant-a")
	var got jobEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if rec.Code != http.StatusOK || got.Job.ID != created.Job.ID || len(got.Events) == 0 {
		t.Fatalf("get job: %d %+v", rec.Code, got)
	}

	if rec := do(t, r, http.MethodGet, jobPath, nil, "tenant-b"); rec.Code != http.StatusNotFound {
		t.Fatalf("other tenant: status=%d, want 404", rec.Code)
	}
	if rec := do(t, r, http.MethodPost, jobPath+"/reset", map[string]any{"reason": "retry"}, "tenant-a"); rec.Code != http.StatusConflict {
		t.Fatalf("reset queued job: status=%d, want 409", rec.Code)
	}
	if rec := do(t, r, http.MethodGet, "/api/jobs/not-a-uuid", nil, "tenant-a"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: status=%d, want 400", rec.Code)
	}
}

func TestEnqueueRejectsBadRequests(t *testing.T) {
	r := newTestRouter(t, "")
	base := "/api/books/book-1/versions/v1/jobs"

	if rec := do(t, r, http.MethodPost, base, map[string]any{"type": "full"}, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing tenant: status=%d, want 400", rec.Code)
	}
	if rec := do(t, r, http.MethodPost, base, map[string]any{"type": "poem"}, "tenant-a"); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown type: status=%d, want 400", rec.Code)
	}
	if rec := do(t, r, http.MethodPost, base, map[string]any{"type": "section", "chapter_index": 0}, "tenant-a"); rec.Code != http.StatusBadRequest {
		t.Fatalf("section without index: status=%d, want 400", rec.Code)
	}
}

func TestDefaultTenantApplies(t *testing.T) {
	r := newTestRouter(t, "local")
	rec := do(t, r, http.MethodPost, "/api/books/b/versions/v/jobs", map[string]any{"type": "index"}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("enqueue with default tenant: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var env jobEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Job.TenantID != "local" {
		t.Fatalf("tenant = %q, want local", env.Job.TenantID)
	}
}
