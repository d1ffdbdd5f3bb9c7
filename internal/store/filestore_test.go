package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidforge/renderqueue/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.json")
	s, err := OpenFileStore(path, testLogger())
	require.NoError(t, err)
	return s, path
}

func pendingJob(id string) *queue.Job {
	return &queue.Job{
		ID:          id,
		Payload:     json.RawMessage(fmt.Sprintf(`{"job":%q}`, id)),
		State:       queue.StatePending,
		MaxAttempts: 3,
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestFileStore_AppendAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	job := pendingJob("job-1")
	require.NoError(t, s.Append(ctx, job))

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job, got)

	// The store hands out copies, not its canonical record.
	got.State = queue.StateCancelled
	again, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatePending, again.State)
}

func TestFileStore_AppendDuplicate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, pendingJob("job-1")))

	err := s.Append(ctx, pendingJob("job-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrDuplicateID)
}

func TestFileStore_GetNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestFileStore_Update(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Append(ctx, pendingJob("job-1")))

	err := s.Update(ctx, "job-1", func(job *queue.Job) error {
		return job.Transition(queue.StateRunning, now)
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateRunning, got.State)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestFileStore_UpdateMutationErrorLeavesJobUntouched(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, pendingJob("job-1")))

	err := s.Update(ctx, "job-1", func(job *queue.Job) error {
		job.State = queue.StateCompleted // would stick if the rollback were broken
		return job.Transition(queue.StateFailed, time.Now())
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrInvalidTransition)

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatePending, got.State)
}

func TestFileStore_UpdateNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	err := s.Update(context.Background(), "missing", func(job *queue.Job) error {
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestFileStore_ListFIFO(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ids := []string{"job-3", "job-1", "job-2"}
	for _, id := range ids {
		require.NoError(t, s.Append(ctx, pendingJob(id)))
	}

	jobs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for i, id := range ids {
		assert.Equal(t, id, jobs[i].ID)
	}
}

func TestFileStore_PersistsEveryMutation(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.Append(ctx, pendingJob("job-1")))
	require.NoError(t, s.Append(ctx, pendingJob("job-2")))
	require.NoError(t, s.Update(ctx, "job-1", func(job *queue.Job) error {
		return job.Transition(queue.StateRunning, now)
	}))

	// A fresh store opened on the same file sees the mutated state, proving
	// the update hit disk before Update returned.
	reopened, err := OpenFileStore(path, testLogger())
	require.NoError(t, err)

	jobs, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-1", jobs[0].ID)
	assert.Equal(t, queue.StateRunning, jobs[0].State)
	assert.Equal(t, 1, jobs[0].AttemptCount)
	assert.Equal(t, "job-2", jobs[1].ID)
	assert.Equal(t, queue.StatePending, jobs[1].State)
}

func TestOpenFileStore_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")

	s, err := OpenFileStore(path, testLogger())
	require.NoError(t, err)

	jobs, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestOpenFileStore_Corrupt(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"truncated json", `{"version":1,"jobs":[{"id":"jo`},
		{"not json at all", "frame 1 of 600\n"},
		{"unsupported version", `{"version":99,"jobs":[]}`},
		{"job without id", `{"version":1,"jobs":[{"id":"","state":"pending"}]}`},
		{"unknown state", `{"version":1,"jobs":[{"id":"job-1","state":"paused"}]}`},
		{"duplicate id", `{"version":1,"jobs":[{"id":"job-1","state":"pending"},{"id":"job-1","state":"pending"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "queue.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			_, err := OpenFileStore(path, testLogger())
			require.Error(t, err)
			assert.ErrorIs(t, err, queue.ErrCorruptState)
		})
	}
}

func TestFileStore_ClearTerminal(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Append(ctx, pendingJob("keep-pending")))

	done := pendingJob("drop-completed")
	require.NoError(t, done.Transition(queue.StateRunning, now))
	require.NoError(t, done.Transition(queue.StateCompleted, now))
	require.NoError(t, s.Append(ctx, done))

	cancelled := pendingJob("drop-cancelled")
	require.NoError(t, cancelled.Transition(queue.StateCancelled, now))
	require.NoError(t, s.Append(ctx, cancelled))

	// Failed with attempts left is retryable, so it survives the sweep.
	retryable := pendingJob("keep-failed")
	require.NoError(t, retryable.Transition(queue.StateRunning, now))
	require.NoError(t, retryable.Transition(queue.StateFailed, now))
	require.NoError(t, s.Append(ctx, retryable))

	exhausted := pendingJob("drop-exhausted")
	exhausted.MaxAttempts = 1
	require.NoError(t, exhausted.Transition(queue.StateRunning, now))
	require.NoError(t, exhausted.Transition(queue.StateFailed, now))
	require.NoError(t, s.Append(ctx, exhausted))

	removed, err := s.ClearTerminal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	jobs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "keep-pending", jobs[0].ID)
	assert.Equal(t, "keep-failed", jobs[1].ID)

	// Removal is durable.
	reopened, err := OpenFileStore(path, testLogger())
	require.NoError(t, err)
	jobs, err = reopened.List(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	// Nothing left to clear.
	removed, err = s.ClearTerminal(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
