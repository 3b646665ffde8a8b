package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apkforge/apkforge/internal/storage"
	"github.com/apkforge/apkforge/pkg/api"
)

type fakeStore struct {
	jobs   map[string]*api.Job
	counts map[api.JobState]int
	err    error
}

func (f *fakeStore) GetJob(id string) (*api.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	job, ok := f.jobs[id]
	if !ok {
		// Wrapped like the real store reports it.
		return nil, fmt.Errorf("%w: %s", storage.ErrJobNotFound, id)
	}
	return job, nil
}

func (f *fakeStore) ListJobs(state api.JobState, limit int) ([]*api.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*api.Job
	for _, job := range f.jobs {
		if state == "" || job.State == state {
			out = append(out, job)
		}
	}
	return out, nil
}

func (f *fakeStore) CountByState() (map[api.JobState]int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.counts, nil
}

type fakeQueue struct {
	stats  api.QueueStats
	closed bool
}

func (f *fakeQueue) Stats() api.QueueStats { return f.stats }
func (f *fakeQueue) Open() bool            { return !f.closed }

type fakeBase struct {
	path       string
	refreshes  int
	refreshErr error
}

func (f *fakeBase) Path() string { return f.path }

func (f *fakeBase) Refresh(ctx context.Context) error {
	f.refreshes++
	return f.refreshErr
}

type fakeTools struct {
	tools []api.ToolInfo
	err   error
}

func (f *fakeTools) Verify(ctx context.Context) ([]api.ToolInfo, error) {
	return f.tools, f.err
}

func testLoggerQuiet() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newTestServer(store *fakeStore, queue *fakeQueue, tools *fakeTools) *Server {
	return NewServer(0, store, queue, &fakeBase{path: "/data/magnet.apk"}, tools, testLoggerQuiet())
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthOK(t *testing.T) {
	tools := &fakeTools{tools: []api.ToolInfo{
		{Name: "apktool", Path: "/usr/bin/apktool", Version: "2.9.3"},
		{Name: "uber-apk-signer", Path: "/usr/bin/uber-apk-signer"},
	}}
	s := newTestServer(&fakeStore{}, &fakeQueue{}, tools)

	rec := doRequest(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var status api.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "/data/magnet.apk", status.BaseAPK)
	assert.Len(t, status.Tools, 2)
	assert.True(t, status.QueueOpen)
}

func TestHealthDegradedWhenToolsMissing(t *testing.T) {
	tools := &fakeTools{err: errors.New("apktool not found in PATH")}
	s := newTestServer(&fakeStore{}, &fakeQueue{}, tools)

	rec := doRequest(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status api.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "degraded", status.Status)
}

func TestHealthReportsClosedQueue(t *testing.T) {
	s := newTestServer(&fakeStore{}, &fakeQueue{closed: true}, &fakeTools{})

	rec := doRequest(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var status api.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.QueueOpen)
}

func TestRefreshBase(t *testing.T) {
	base := &fakeBase{path: "/data/magnet.apk"}
	s := NewServer(0, &fakeStore{}, &fakeQueue{}, base, &fakeTools{}, testLoggerQuiet())

	rec := doRequest(t, s, http.MethodPost, "/api/base/refresh")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, base.refreshes)
	assert.Contains(t, rec.Body.String(), "/data/magnet.apk")
}

func TestRefreshBaseFailure(t *testing.T) {
	base := &fakeBase{path: "/data/magnet.apk", refreshErr: errors.New("source unavailable")}
	s := NewServer(0, &fakeStore{}, &fakeQueue{}, base, &fakeTools{}, testLoggerQuiet())

	rec := doRequest(t, s, http.MethodPost, "/api/base/refresh")
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var apiErr api.Error
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Contains(t, apiErr.Message, "source unavailable")
}

func TestListJobs(t *testing.T) {
	now := time.Now()
	store := &fakeStore{jobs: map[string]*api.Job{
		"a": {ID: "a", UserID: 1, State: api.JobSucceeded, CreatedAt: now},
		"b": {ID: "b", UserID: 2, State: api.JobFailed, CreatedAt: now},
	}}
	s := newTestServer(store, &fakeQueue{}, &fakeTools{})

	rec := doRequest(t, s, http.MethodGet, "/api/jobs")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Jobs  []*api.Job `json:"jobs"`
		Count int        `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Len(t, body.Jobs, 2)
}

func TestListJobsFilteredByState(t *testing.T) {
	now := time.Now()
	store := &fakeStore{jobs: map[string]*api.Job{
		"a": {ID: "a", State: api.JobSucceeded, CreatedAt: now},
		"b": {ID: "b", State: api.JobFailed, CreatedAt: now},
	}}
	s := newTestServer(store, &fakeQueue{}, &fakeTools{})

	rec := doRequest(t, s, http.MethodGet, "/api/jobs?state=failed")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Jobs []*api.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, "b", body.Jobs[0].ID)
}

func TestGetJob(t *testing.T) {
	store := &fakeStore{jobs: map[string]*api.Job{
		"job-1": {ID: "job-1", UserID: 42, URL: "https://example.com/feed", State: api.JobBuilding, CreatedAt: time.Now()},
	}}
	s := newTestServer(store, &fakeQueue{}, &fakeTools{})

	rec := doRequest(t, s, http.MethodGet, "/api/jobs/job-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var job api.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, int64(42), job.UserID)
	assert.Equal(t, api.JobBuilding, job.State)
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestServer(&fakeStore{jobs: map[string]*api.Job{}}, &fakeQueue{}, &fakeTools{})

	rec := doRequest(t, s, http.MethodGet, "/api/jobs/missing")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var apiErr api.Error
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Code)
	assert.Contains(t, apiErr.Message, "missing")
}

func TestGetJobStoreError(t *testing.T) {
	s := newTestServer(&fakeStore{err: errors.New("db locked")}, &fakeQueue{}, &fakeTools{})

	rec := doRequest(t, s, http.MethodGet, "/api/jobs/any")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStats(t *testing.T) {
	store := &fakeStore{counts: map[api.JobState]int{
		api.JobPending:   1,
		api.JobBuilding:  1,
		api.JobSucceeded: 7,
		api.JobFailed:    2,
	}}
	queue := &fakeQueue{stats: api.QueueStats{Depth: 1, Capacity: 32, Workers: 2, Active: 1}}
	s := newTestServer(store, queue, &fakeTools{})

	rec := doRequest(t, s, http.MethodGet, "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats api.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Depth)
	assert.Equal(t, 32, stats.Capacity)
	assert.Equal(t, 2, stats.Workers)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 7, stats.Succeeded)
	assert.Equal(t, 2, stats.Failed)
}

func TestRecoveryMiddleware(t *testing.T) {
	s := newTestServer(&fakeStore{}, &fakeQueue{}, &fakeTools{})
	s.router.GET("/boom", func(c *gin.Context) {
		panic("unexpected")
	})

	rec := doRequest(t, s, http.MethodGet, "/boom")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
