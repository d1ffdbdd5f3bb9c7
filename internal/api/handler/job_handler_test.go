package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidforge/renderqueue/internal/api/dto"
	"github.com/vidforge/renderqueue/internal/api/handler"
	"github.com/vidforge/renderqueue/internal/api/router"
	"github.com/vidforge/renderqueue/internal/monitor"
	"github.com/vidforge/renderqueue/internal/queue"
	"github.com/vidforge/renderqueue/internal/scheduler"
	"github.com/vidforge/renderqueue/internal/store"
)

type fixedBudget struct{}

func (fixedBudget) Sample(ctx context.Context) monitor.Budget {
	return monitor.Budget{MaxWorkers: 2, Accelerator: monitor.AcceleratorNone}
}

func (fixedBudget) Accelerator() monitor.AcceleratorClass {
	return monitor.AcceleratorNone
}

// newTestRouter wires the full HTTP surface over a real store. The admission
// loop is not running; handlers only exercise the store-backed operations.
func newTestRouter(t *testing.T) (*gin.Engine, *scheduler.Scheduler, *store.FileStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	st, err := store.OpenFileStore(filepath.Join(t.TempDir(), "queue.json"), logger)
	require.NoError(t, err)

	sched, err := scheduler.New(&scheduler.Config{
		Store:   st,
		Budgets: fixedBudget{},
		Runner: scheduler.RunnerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		}),
		Logger: logger,
	})
	require.NoError(t, err)

	r := router.SetupRouter(&handler.Dependencies{
		Logger:    logger,
		Scheduler: sched,
	})
	return r, sched, st
}

func doRequest(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestEnqueueJob(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doRequest(r, http.MethodPost, "/api/v1/jobs", dto.EnqueueJobRequest{
		Payload: json.RawMessage(`{"scene":"intro","frames":600}`),
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp dto.EnqueueJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pending", resp.State)
	_, err := uuid.Parse(resp.JobID)
	assert.NoError(t, err)
}

func TestEnqueueJob_InvalidBody(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doRequest(r, http.MethodPost, "/api/v1/jobs", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJob(t *testing.T) {
	r, sched, _ := newTestRouter(t)

	id, err := sched.Enqueue(context.Background(), json.RawMessage(`{"scene":"outro"}`), 5)
	require.NoError(t, err)

	w := doRequest(r, http.MethodGet, "/api/v1/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var view dto.JobView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, id, view.JobID)
	assert.Equal(t, "pending", view.State)
	assert.Equal(t, 5, view.MaxAttempts)
	assert.Equal(t, json.RawMessage(`{"scene":"outro"}`), view.Payload)
}

func TestGetJob_Errors(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doRequest(r, http.MethodGet, "/api/v1/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(r, http.MethodGet, "/api/v1/jobs/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobs(t *testing.T) {
	r, sched, st := newTestRouter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := sched.Enqueue(ctx, json.RawMessage(fmt.Sprintf(`{"frame":%d}`, i)), 0)
		require.NoError(t, err)
	}

	now := time.Now()
	done := &queue.Job{ID: uuid.New().String(), State: queue.StatePending, MaxAttempts: 3, CreatedAt: now}
	require.NoError(t, done.Transition(queue.StateRunning, now))
	require.NoError(t, done.Transition(queue.StateCompleted, now))
	require.NoError(t, st.Append(ctx, done))

	w := doRequest(r, http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 4)

	w = doRequest(r, http.MethodGet, "/api/v1/jobs?state=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, done.ID, resp.Jobs[0].JobID)

	w = doRequest(r, http.MethodGet, "/api/v1/jobs?state=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelJob(t *testing.T) {
	r, sched, _ := newTestRouter(t)

	id, err := sched.Enqueue(context.Background(), json.RawMessage(`{}`), 0)
	require.NoError(t, err)

	w := doRequest(r, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	job, err := sched.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCancelled, job.State)

	w = doRequest(r, http.MethodPost, "/api/v1/jobs/"+uuid.New().String()+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelAllJobs(t *testing.T) {
	r, sched, _ := newTestRouter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := sched.Enqueue(ctx, json.RawMessage(`{}`), 0)
		require.NoError(t, err)
	}

	w := doRequest(r, http.MethodPost, "/api/v1/jobs/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	stats, err := sched.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Cancelled)
	assert.Zero(t, stats.Pending)
}

func TestRetryJob(t *testing.T) {
	r, _, st := newTestRouter(t)
	ctx := context.Background()
	now := time.Now()

	failed := &queue.Job{ID: uuid.New().String(), State: queue.StatePending, MaxAttempts: 3, CreatedAt: now}
	require.NoError(t, failed.Transition(queue.StateRunning, now))
	require.NoError(t, failed.Transition(queue.StateFailed, now))
	require.NoError(t, st.Append(ctx, failed))

	exhausted := &queue.Job{ID: uuid.New().String(), State: queue.StatePending, MaxAttempts: 1, CreatedAt: now}
	require.NoError(t, exhausted.Transition(queue.StateRunning, now))
	require.NoError(t, exhausted.Transition(queue.StateFailed, now))
	require.NoError(t, st.Append(ctx, exhausted))

	w := doRequest(r, http.MethodPost, "/api/v1/jobs/"+failed.ID+"/retry", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(r, http.MethodPost, "/api/v1/jobs/"+exhausted.ID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Already re-admitted, no longer failed.
	w = doRequest(r, http.MethodPost, "/api/v1/jobs/"+failed.ID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(r, http.MethodPost, "/api/v1/jobs/"+uuid.New().String()+"/retry", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetStats(t *testing.T) {
	r, sched, _ := newTestRouter(t)

	_, err := sched.Enqueue(context.Background(), json.RawMessage(`{}`), 0)
	require.NoError(t, err)

	w := doRequest(r, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Queue       queue.Stats `json:"queue"`
		Accelerator string      `json:"accelerator"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Queue.Total)
	assert.Equal(t, 1, resp.Queue.Pending)
	assert.Equal(t, "none", resp.Accelerator)
}

func TestClearTerminalJobs(t *testing.T) {
	r, sched, st := newTestRouter(t)
	ctx := context.Background()
	now := time.Now()

	_, err := sched.Enqueue(ctx, json.RawMessage(`{}`), 0)
	require.NoError(t, err)

	done := &queue.Job{ID: uuid.New().String(), State: queue.StatePending, MaxAttempts: 3, CreatedAt: now}
	require.NoError(t, done.Transition(queue.StateRunning, now))
	require.NoError(t, done.Transition(queue.StateCompleted, now))
	require.NoError(t, st.Append(ctx, done))

	w := doRequest(r, http.MethodDelete, "/api/v1/jobs/terminal", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.ClearTerminalResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Removed)
}

func TestHealthCheck(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doRequest(r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
