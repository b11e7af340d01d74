package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/googleapps-message-recall/internal/model"
	"github.com/google/googleapps-message-recall/internal/recall"
	"github.com/google/googleapps-message-recall/internal/repository"
	"github.com/google/googleapps-message-recall/internal/testutil"
)

type fakeJobs struct {
	createErr error
	handled   []string
	handleErr error
	aborted   []string
}

func (f *fakeJobs) CreateJob(ctx context.Context, owner, criterion string) (*model.RecallJob, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &model.RecallJob{ID: "job-1", OwnerEmail: owner, MessageCriteria: criterion, Domain: "example.com", State: model.JobStarted}, nil
}

func (f *fakeJobs) AbortJob(ctx context.Context, domain, jobID string) error {
	f.aborted = append(f.aborted, domain+"/"+jobID)
	return nil
}

func (f *fakeJobs) Handle(ctx context.Context, target string, payload []byte) error {
	f.handled = append(f.handled, target)
	return f.handleErr
}

func (f *fakeJobs) CounterSnapshot(ctx context.Context, jobID string) (map[string]int64, error) {
	return map[string]int64{recall.RetrievalStartedCounter(jobID): 36}, nil
}

type fakeDispatcher struct {
	running bool
}

func (f *fakeDispatcher) Start() error                             { f.running = true; return nil }
func (f *fakeDispatcher) Stop() error                              { f.running = false; return nil }
func (f *fakeDispatcher) IsRunning() bool                          { return f.running }
func (f *fakeDispatcher) RunOnce(ctx context.Context) (int, error) { return 2, nil }
func (f *fakeDispatcher) GetNextRun() time.Time                    { return time.Time{} }
func (f *fakeDispatcher) GetLastRun() time.Time                    { return time.Time{} }

type fakeQueue struct{}

func (fakeQueue) Stats(ctx context.Context) (map[model.TaskState]int64, error) {
	return map[model.TaskState]int64{model.TaskPending: 3}, nil
}

type fakeAdmins map[string]bool

func (f fakeAdmins) IsAdmin(ctx context.Context, email string) (bool, error) {
	return f[email], nil
}

type testServer struct {
	router *gin.Engine
	repo   *repository.Repository
	jobs   *fakeJobs
	disp   *fakeDispatcher
}

func newTestServer(t *testing.T, admins AdminChecker) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewTestDB(t)
	s := &testServer{
		router: gin.New(),
		repo:   repository.New(db),
		jobs:   &fakeJobs{},
		disp:   &fakeDispatcher{},
	}
	h := NewHandlers(db, s.jobs, s.repo, s.disp, fakeQueue{}, admins, testutil.NewLogger())
	h.SetupRoutes(s.router)
	return s
}

func (s *testServer) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) seedJob(t *testing.T, id, domain string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.repo.CreateJob(ctx, &model.RecallJob{
		ID: id, OwnerEmail: "admin@" + domain, MessageCriteria: "a@b", Domain: domain, StartedAt: time.Now(),
	}))
	users := []model.CandidateUser{
		model.NewCandidateUser(id, "alice@"+domain, false, time.Now()),
		model.NewCandidateUser(id, "carol@"+domain, true, time.Now()),
	}
	_, err := s.repo.CreateCandidateUsers(ctx, users)
	require.NoError(t, err)
	require.NoError(t, s.repo.AddErrorRecord(ctx, id, "alice@"+domain, "Unable to connect."))
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "stopped", resp.Dispatcher)
	assert.EqualValues(t, 3, resp.Queue[model.TaskPending])
}

func TestCreateJob(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/api/v1/jobs", CreateJobRequest{OwnerEmail: "admin@example.com", MessageCriteria: "<a@b.com>"})
	require.Equal(t, http.StatusCreated, w.Code)

	var job model.RecallJob
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, model.JobStarted, job.State)
}

func TestCreateJobValidation(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/api/v1/jobs", map[string]string{"owner_email": "admin@example.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	s.jobs.createErr = fmt.Errorf("%w: bad", model.ErrInvalidCriterion)
	w = s.do(http.MethodPost, "/api/v1/jobs", CreateJobRequest{OwnerEmail: "admin@example.com", MessageCriteria: "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	s.jobs.createErr = fmt.Errorf("%w: full", model.ErrQueueFull)
	w = s.do(http.MethodPost, "/api/v1/jobs", CreateJobRequest{OwnerEmail: "admin@example.com", MessageCriteria: "a@b.com"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCreateJobRequiresAdmin(t *testing.T) {
	s := newTestServer(t, fakeAdmins{"boss@example.com": true})

	w := s.do(http.MethodPost, "/api/v1/jobs", CreateJobRequest{OwnerEmail: "dev@example.com", MessageCriteria: "a@b.com"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodPost, "/api/v1/jobs", CreateJobRequest{OwnerEmail: "Boss@example.com", MessageCriteria: "a@b.com"})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestJobReadEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	s.seedJob(t, "job-a", "example.com")
	s.seedJob(t, "job-b", "other.com")

	w := s.do(http.MethodGet, "/api/v1/domains/example.com/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Jobs       []model.RecallJob `json:"jobs"`
		Pagination struct {
			Total int64 `json:"total"`
			Limit int   `json:"limit"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, "job-a", list.Jobs[0].ID)
	assert.EqualValues(t, 1, list.Pagination.Total)
	assert.Equal(t, 10, list.Pagination.Limit)

	w = s.do(http.MethodGet, "/api/v1/domains/example.com/jobs/job-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail JobDetailResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.EqualValues(t, 1, detail.ErrorCount)
	assert.EqualValues(t, 1, detail.Users.UserStates[model.UserStarted])
	assert.EqualValues(t, 1, detail.Users.UserStates[model.UserSuspended])

	w = s.do(http.MethodGet, "/api/v1/domains/example.com/jobs/job-b", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/api/v1/domains/example.com/jobs/job-a/errors", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Unable to connect.")

	w = s.do(http.MethodGet, "/api/v1/domains/example.com/jobs/job-a/users?user_state=Suspended", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var users struct {
		Users []model.CandidateUser `json:"users"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &users))
	require.Len(t, users.Users, 1)
	assert.Equal(t, "carol@example.com", users.Users[0].Email)

	w = s.do(http.MethodGet, "/api/v1/domains/example.com/jobs/job-a/users?user_state=Bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodGet, "/api/v1/domains/example.com/jobs/job-a/debug", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "job-a_retrieval_started")
}

func TestAbortJob(t *testing.T) {
	s := newTestServer(t, nil)
	s.seedJob(t, "job-a", "example.com")

	w := s.do(http.MethodPost, "/api/v1/domains/example.com/jobs/job-a/abort", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"example.com/job-a"}, s.jobs.aborted)

	w = s.do(http.MethodPost, "/api/v1/domains/other.com/jobs/job-a/abort", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBackendTaskEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	for _, target := range recall.Targets {
		w := s.do(http.MethodPost, target, map[string]string{"job_id": "job-a"})
		assert.Equal(t, http.StatusOK, w.Code, target)
	}
	assert.Equal(t, recall.Targets, s.jobs.handled)

	s.jobs.handleErr = model.ErrAbortedByOperator
	w := s.do(http.MethodPost, recall.TargetRecallUserMessages, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "skipped")

	s.jobs.handleErr = fmt.Errorf("boom")
	w = s.do(http.MethodPost, recall.TargetRecallUserMessages, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestDispatcherEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/api/v1/dispatcher/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, s.disp.running)

	w = s.do(http.MethodGet, "/api/v1/dispatcher/status", nil)
	assert.Contains(t, w.Body.String(), `"status":"running"`)

	w = s.do(http.MethodPost, "/api/v1/dispatcher/run-once", nil)
	assert.Contains(t, w.Body.String(), `"started":2`)

	w = s.do(http.MethodPost, "/api/v1/dispatcher/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, s.disp.running)
}
