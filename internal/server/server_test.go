package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	jobdomain "github.com/vendora-hq/vendora/internal/job/domain"
	obsmetrics "github.com/vendora-hq/vendora/internal/observability/metrics"
	"github.com/vendora-hq/vendora/internal/orgcontext"
	"github.com/vendora-hq/vendora/pkg/locks"
	"go.uber.org/zap"
)

type fakeJobService struct {
	err error
	job jobdomain.Job
}

func (f *fakeJobService) Submit(ctx context.Context, req jobdomain.SubmitRequest) (*jobdomain.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	job := f.job
	if orgID, ok := orgcontext.OrgIDFromContext(ctx); ok {
		job.OrgID = orgID
	}
	return &job, nil
}

func (f *fakeJobService) Start(ctx context.Context, jobID string) (*jobdomain.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &f.job, nil
}

func (f *fakeJobService) RecordProgress(ctx context.Context, req jobdomain.ProgressRequest) (*jobdomain.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &f.job, nil
}

func (f *fakeJobService) Complete(ctx context.Context, jobID, resultSummary string) (*jobdomain.Job, error) {
	return &f.job, f.err
}

func (f *fakeJobService) Fail(ctx context.Context, jobID, reason string) (*jobdomain.Job, error) {
	return &f.job, f.err
}

func (f *fakeJobService) Cancel(ctx context.Context, jobID string) (*jobdomain.Job, error) {
	return &f.job, f.err
}

func (f *fakeJobService) Get(ctx context.Context, jobID string) (*jobdomain.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &f.job, nil
}

func (f *fakeJobService) List(ctx context.Context, req jobdomain.ListJobsRequest) (jobdomain.ListJobsResponse, error) {
	return jobdomain.ListJobsResponse{}, f.err
}

func (f *fakeJobService) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]jobdomain.Job, error) {
	return nil, f.err
}

func (f *fakeJobService) AppendAction(ctx context.Context, req jobdomain.AppendActionRequest) (int64, error) {
	return 1, f.err
}

func (f *fakeJobService) ListActions(ctx context.Context, req jobdomain.ListActionsRequest) (jobdomain.ListActionsResponse, error) {
	return jobdomain.ListActionsResponse{}, f.err
}

func setupTestServer(t *testing.T, jobs jobdomain.Service) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine := NewEngine(obsmetrics.New())
	svc := &Server{
		engine: engine,
		log:    zap.NewNop(),
		jobSvc: jobs,
	}
	svc.registerRoutes()
	return svc
}

func doRequest(t *testing.T, s *Server, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	recorder := httptest.NewRecorder()
	s.engine.ServeHTTP(recorder, req)
	return recorder
}

func testOrgHeaders() map[string]string {
	node, _ := snowflake.NewNode(9)
	return map[string]string{"X-Org-ID": node.Generate().String()}
}

func TestMissingOrgHeaderIsUnauthorized(t *testing.T) {
	s := setupTestServer(t, &fakeJobService{})

	rec := doRequest(t, s, http.MethodGet, "/v1/jobs/123", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/jobs/123", nil, map[string]string{"X-Org-ID": "not-a-number"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for malformed org, got %d", rec.Code)
	}
}

func TestErrorTaxonomyMapsToStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid transition", jobdomain.ErrInvalidTransition, http.StatusConflict},
		{"not found", jobdomain.ErrNotFound, http.StatusNotFound},
		{"job closed", jobdomain.ErrJobClosed, http.StatusGone},
		{"busy", locks.ErrBusy, http.StatusServiceUnavailable},
		{"validation", jobdomain.ErrInvalidJobID, http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := setupTestServer(t, &fakeJobService{err: tc.err})

			rec := doRequest(t, s, http.MethodGet, "/v1/jobs/123", nil, testOrgHeaders())
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d (body %s)", tc.status, rec.Code, rec.Body.String())
			}

			var resp errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if resp.Error.Type == "" {
				t.Fatalf("expected a typed error, got %s", rec.Body.String())
			}
		})
	}
}

func TestBusyResponseCarriesRetryAfter(t *testing.T) {
	s := setupTestServer(t, &fakeJobService{err: locks.ErrBusy})

	rec := doRequest(t, s, http.MethodGet, "/v1/jobs/123", nil, testOrgHeaders())
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on busy response")
	}
}

func TestCorrelationIDIsEchoed(t *testing.T) {
	s := setupTestServer(t, &fakeJobService{})

	headers := testOrgHeaders()
	headers["X-Request-ID"] = "req-789"
	rec := doRequest(t, s, http.MethodGet, "/v1/jobs/123", nil, headers)
	if got := rec.Header().Get("X-Request-ID"); got != "req-789" {
		t.Fatalf("expected echoed correlation id, got %q", got)
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/jobs/123", nil, testOrgHeaders())
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated correlation id")
	}
}

func TestApprovalRoutesRequireHumanActor(t *testing.T) {
	s := setupTestServer(t, &fakeJobService{})

	headers := testOrgHeaders()
	headers["X-Actor-Type"] = "agent"
	headers["X-Actor-ID"] = "agent-7"
	rec := doRequest(t, s, http.MethodPost, "/v1/negotiations/123/approve", nil, headers)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for agent actor, got %d", rec.Code)
	}

	headers["X-Actor-Type"] = "user"
	headers["X-Actor-ID"] = ""
	rec = doRequest(t, s, http.MethodPost, "/v1/negotiations/123/approve", nil, headers)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous user, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s := setupTestServer(t, &fakeJobService{})

	rec := doRequest(t, s, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
