package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/index-queue/internal/api/dto"
	"github.com/cuongbtq/index-queue/internal/api/handler"
	"github.com/cuongbtq/index-queue/internal/batch"
	"github.com/cuongbtq/index-queue/internal/options"
	"github.com/cuongbtq/index-queue/internal/testutil"
	"github.com/cuongbtq/index-queue/internal/worker"
	"github.com/cuongbtq/index-queue/internal/worker/domain"
	"github.com/cuongbtq/index-queue/internal/worker/storage"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeJobs keeps jobs in insertion order and honours dedupe keys
type fakeJobs struct {
	mu      sync.Mutex
	jobs    []domain.Job
	letters []domain.DeadLetter
	filters []storage.JobFilter
	listErr error
}

func (f *fakeJobs) Enqueue(_ context.Context, p domain.EnqueueParams) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p.JobType == "" {
		return 0, domain.ErrInvalidJobType
	}
	if len(p.Payload) > 0 && !json.Valid(p.Payload) {
		return 0, domain.ErrInvalidPayload
	}
	for _, j := range f.jobs {
		if p.DedupeKey != "" && j.DedupeKey != nil && *j.DedupeKey == p.DedupeKey && !j.Status.Terminal() {
			return 0, domain.ErrDuplicateJob
		}
	}

	id := int64(len(f.jobs) + 1)
	job := domain.Job{
		ID:          id,
		JobType:     p.JobType,
		Payload:     p.Payload,
		Status:      domain.JobStatusQueued,
		MaxAttempts: max(p.MaxAttempts, domain.DefaultMaxAttempts),
		RunAfter:    p.RunAfter,
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, int(id), 0, time.UTC),
	}
	if p.DedupeKey != "" {
		key := p.DedupeKey
		job.DedupeKey = &key
	}
	f.jobs = append(f.jobs, job)
	return id, nil
}

func (f *fakeJobs) GetJob(_ context.Context, id int64) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.jobs {
		if f.jobs[i].ID == id {
			job := f.jobs[i]
			return &job, nil
		}
	}
	return nil, domain.ErrJobNotFound
}

func (f *fakeJobs) ListJobs(_ context.Context, filter storage.JobFilter) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	if f.listErr != nil {
		return nil, f.listErr
	}

	var out []domain.Job
	for i := len(f.jobs) - 1; i >= 0; i-- {
		j := f.jobs[i]
		if filter.Cursor != nil && j.ID >= filter.Cursor.ID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, j)
		if len(out) == filter.PageSize+1 {
			break
		}
	}
	return out, nil
}

func (f *fakeJobs) ListDeadLetters(_ context.Context, filter storage.DeadLetterFilter) ([]domain.DeadLetter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.DeadLetter{}
	for _, l := range f.letters {
		if filter.JobType == "" || l.JobType == filter.JobType {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeJobs) Stats(context.Context) (*storage.QueueStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &storage.QueueStats{DeadLetters: int64(len(f.letters))}
	for _, j := range f.jobs {
		if j.Status == domain.JobStatusQueued {
			stats.Queued++
		}
	}
	return stats, nil
}

type fakeQueue struct {
	requests []worker.TriggerRequest
	resp     *worker.TriggerResponse
	err      error
}

func (f *fakeQueue) Run(_ context.Context, req worker.TriggerRequest) (*worker.TriggerResponse, error) {
	f.requests = append(f.requests, req)
	return f.resp, f.err
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []any
	err  error
}

func (f *fakeNotifier) PublishJSON(_ context.Context, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return f.err
}

// recordsMigrator serves n in-memory records; even ids need migration
type recordsMigrator struct{ n int }

func (m recordsMigrator) Scan(_ context.Context, offset, limit int) ([]batch.Record, error) {
	var out []batch.Record
	for i := offset; i < m.n && i < offset+limit; i++ {
		out = append(out, batch.Record{ID: int64(i), NeedsMigration: i%2 == 0})
	}
	return out, nil
}

func (recordsMigrator) Migrate(context.Context, batch.Record) error { return nil }

type testEnv struct {
	router   *gin.Engine
	jobs     *fakeJobs
	queue    *fakeQueue
	notifier *fakeNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		jobs:     &fakeJobs{},
		queue:    &fakeQueue{resp: &worker.TriggerResponse{}},
		notifier: &fakeNotifier{},
	}
	manager := batch.NewManager(
		batch.NewController("legacy-chunks", options.NewMemoryStore(), recordsMigrator{n: 25}, testutil.DiscardLogger()),
	)
	env.router = SetupRouter(&handler.Dependencies{
		Logger:      testutil.DiscardLogger(),
		ServiceName: "index-queue-api-test",
		Jobs:        env.jobs,
		Queue:       env.queue,
		Batches:     manager,
		Notifier:    env.notifier,
	})
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]string](t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "index-queue-api-test", body["service"])
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	w = env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "index_queue_http_request_duration_seconds")
}

func TestHealth_Unhealthy(t *testing.T) {
	r := SetupRouter(&handler.Dependencies{
		Logger:      testutil.DiscardLogger(),
		Batches:     batch.NewManager(),
		HealthCheck: func(context.Context) error { return errors.New("database health check failed") },
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode[map[string]string](t, w)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "index-queue-api", body["service"])
}

func TestRequestIDPropagation(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "req-123")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, "req-123", w.Header().Get(requestIDHeader))
}

func TestCreateJob(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "created", body: `{"job_type":"embed-chunk","payload":{"post_id":1,"chunk_index":0}}`, wantStatus: http.StatusCreated},
		{name: "missing job type", body: `{"payload":{}}`, wantStatus: http.StatusBadRequest},
		{name: "malformed body", body: `{"job_type":`, wantStatus: http.StatusBadRequest},
		{name: "max attempts out of range", body: `{"job_type":"embed-chunk","max_attempts":0.5}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.do(http.MethodPost, "/api/v1/jobs", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestCreateJob_PublishesWakeup(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/jobs", `{"job_type":"embed-snippet","payload":{"snippet_id":9},"delay_seconds":30}`)
	require.Equal(t, http.StatusCreated, w.Code)
	resp := decode[dto.CreateJobResponse](t, w)
	assert.Equal(t, int64(1), resp.JobID)

	require.Len(t, env.notifier.sent, 1)
	assert.Equal(t, domain.WakeMessage{JobID: 1, JobType: domain.JobTypeEmbedSnippet}, env.notifier.sent[0])

	job, err := env.jobs.GetJob(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, job.RunAfter)
	assert.True(t, job.RunAfter.After(time.Now()))
}

func TestCreateJob_NotifierFailureStillCreates(t *testing.T) {
	env := newTestEnv(t)
	env.notifier.err = errors.New("broker down")

	w := env.do(http.MethodPost, "/api/v1/jobs", `{"job_type":"embed-chunk","payload":{}}`)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestCreateJob_DuplicateDedupeKey(t *testing.T) {
	env := newTestEnv(t)
	body := `{"job_type":"embed-chunk","payload":{"post_id":3,"chunk_index":1},"dedupe_key":"embed-chunk:3:1"}`

	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/v1/jobs", body).Code)

	w := env.do(http.MethodPost, "/api/v1/jobs", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "embed-chunk:3:1", decode[map[string]string](t, w)["dedupe_key"])
	assert.Len(t, env.notifier.sent, 1)
}

func TestGetJob(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/v1/jobs", `{"job_type":"embed-chunk","payload":{"post_id":5}}`).Code)

	w := env.do(http.MethodGet, "/api/v1/jobs/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	job := decode[dto.JobDTO](t, w)
	assert.Equal(t, int64(1), job.JobID)
	assert.Equal(t, "embed-chunk", job.JobType)
	assert.Equal(t, "queued", job.Status)
	assert.JSONEq(t, `{"post_id":5}`, string(job.Payload))

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/v1/jobs/99", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/v1/jobs/abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/v1/jobs/-4", "").Code)
}

func TestListJobs_Pagination(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		body := fmt.Sprintf(`{"job_type":"embed-chunk","payload":{"post_id":%d}}`, i+1)
		require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/v1/jobs", body).Code)
	}

	var seen []int64
	path := "/api/v1/jobs?page_size=2"
	for pages := 0; pages < 5; pages++ {
		w := env.do(http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[dto.ListJobsResponse](t, w)
		for _, j := range resp.Jobs {
			seen = append(seen, j.JobID)
		}
		if resp.NextCursor == "" {
			break
		}
		path = "/api/v1/jobs?page_size=2&cursor=" + resp.NextCursor
	}

	assert.Equal(t, []int64{5, 4, 3, 2, 1}, seen)
}

func TestListJobs_Validation(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/v1/jobs?status=bogus", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/v1/jobs?cursor=%21%21", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/v1/jobs?page_size=many", "").Code)

	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/jobs?page_size=1000&status=failed", "").Code)
	last := env.jobs.filters[len(env.jobs.filters)-1]
	assert.Equal(t, 100, last.PageSize)
	assert.Equal(t, domain.JobStatusFailed, last.Status)

	env.jobs.listErr = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, env.do(http.MethodGet, "/api/v1/jobs", "").Code)
}

func TestStatsAndDeadLetters(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.letters = []domain.DeadLetter{
		{ID: 1, OriginalJobID: 7, JobType: domain.JobTypeEmbedChunk, Reason: "provider down", Attempts: 3},
		{ID: 2, OriginalJobID: 8, JobType: domain.JobTypeEmbedSnippet, Reason: "bad input", Attempts: 3},
	}
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/v1/jobs", `{"job_type":"embed-chunk"}`).Code)

	w := env.do(http.MethodGet, "/api/v1/jobs/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[storage.QueueStats](t, w)
	assert.Equal(t, int64(1), stats.Queued)
	assert.Equal(t, int64(2), stats.DeadLetters)

	w = env.do(http.MethodGet, "/api/v1/dead-letters?job_type=embed-chunk", "")
	require.Equal(t, http.StatusOK, w.Code)
	letters := decode[dto.ListDeadLettersResponse](t, w)
	require.Len(t, letters.DeadLetters, 1)
	assert.Equal(t, int64(7), letters.DeadLetters[0].OriginalJobID)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/v1/dead-letters?limit=9999", "").Code)
}

func TestRunQueue(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		resp       *worker.TriggerResponse
		err        error
		wantStatus int
		wantReq    worker.TriggerRequest
		check      func(t *testing.T, resp dto.RunQueueResponse)
	}{
		{
			name:       "runs with limit",
			body:       `{"limit":25}`,
			resp:       &worker.TriggerResponse{Result: worker.Result{Processed: 4, Completed: 3, Failed: 1}},
			wantStatus: http.StatusOK,
			wantReq:    worker.TriggerRequest{Limit: 25},
			check: func(t *testing.T, resp dto.RunQueueResponse) {
				assert.Equal(t, 4, resp.Processed)
				assert.Equal(t, 1, resp.Failed)
				assert.False(t, resp.CooldownActive)
			},
		},
		{
			name:       "empty body uses defaults",
			body:       "",
			resp:       &worker.TriggerResponse{CooldownActive: true, RemainingWait: 90 * time.Second},
			wantStatus: http.StatusOK,
			wantReq:    worker.TriggerRequest{},
			check: func(t *testing.T, resp dto.RunQueueResponse) {
				assert.True(t, resp.CooldownActive)
				assert.Equal(t, 90.0, resp.RemainingWaitSeconds)
				assert.Zero(t, resp.Processed)
			},
		},
		{
			name:       "bypass cooldown",
			body:       `{"bypass_cooldown":true}`,
			resp:       &worker.TriggerResponse{},
			wantStatus: http.StatusOK,
			wantReq:    worker.TriggerRequest{BypassCooldown: true},
		},
		{
			name:       "store integrity failure",
			body:       `{}`,
			err:        fmt.Errorf("worker loop halted: %w", domain.NewStoreIntegrityError("claim", 0, errors.New("conn reset"))),
			wantStatus: http.StatusServiceUnavailable,
			wantReq:    worker.TriggerRequest{},
		},
		{
			name:       "other failure",
			body:       `{}`,
			err:        errors.New("options store unavailable"),
			wantStatus: http.StatusInternalServerError,
			wantReq:    worker.TriggerRequest{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.queue.resp = tt.resp
			env.queue.err = tt.err

			w := env.do(http.MethodPost, "/api/v1/queue/run", tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			require.Len(t, env.queue.requests, 1)
			assert.Equal(t, tt.wantReq, env.queue.requests[0])

			if tt.check != nil {
				tt.check(t, decode[dto.RunQueueResponse](t, w))
			}
		})
	}
}

func TestRunQueue_InvalidBody(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/queue/run", `{"limit":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, env.queue.requests)
}

func TestBatchEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/batches/legacy-chunks", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]any](t, w)["started"])

	// Stop and resume require a prior start
	assert.Equal(t, http.StatusConflict, env.do(http.MethodPost, "/api/v1/batches/legacy-chunks/stop", "").Code)
	assert.Equal(t, http.StatusConflict, env.do(http.MethodPost, "/api/v1/batches/legacy-chunks/resume", "").Code)

	w = env.do(http.MethodPost, "/api/v1/batches/legacy-chunks/start", `{"batch_size":10,"max_total":20}`)
	require.Equal(t, http.StatusOK, w.Code)
	progress := decode[batch.Progress](t, w)
	assert.True(t, progress.Running)
	assert.Equal(t, 10, progress.BatchSize)
	require.NotNil(t, progress.MaxTotal)
	assert.Equal(t, 20, *progress.MaxTotal)

	w = env.do(http.MethodPost, "/api/v1/batches/legacy-chunks/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[batch.Progress](t, w).Running)

	w = env.do(http.MethodPost, "/api/v1/batches/legacy-chunks/resume", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[batch.Progress](t, w).Running)

	w = env.do(http.MethodPost, "/api/v1/batches/legacy-chunks/dry-run", `{"batch_size":10}`)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[batch.DryRunReport](t, w)
	assert.Equal(t, 25, report.Scanned)
	assert.Equal(t, 13, report.WouldChange)
	assert.Equal(t, 3, report.Pages)
	assert.Len(t, report.Samples, 10)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/v1/batches/unknown", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/v1/batches/legacy-chunks/start", `{"batch_size":-3}`).Code)
}
